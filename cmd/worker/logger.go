package main

import (
	"github.com/zeitec/verifier-worker/internal/config"
	"github.com/zeitec/verifier-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
