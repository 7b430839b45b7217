package main

import (
	"github.com/roadhawk/hazard-broadcast-worker/internal/config"
	"github.com/roadhawk/hazard-broadcast-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
