package logger

import (
	"go.uber.org/zap"

	"chalkboard/content/internal/config"
)

func New(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Env == "production" || cfg.Env == "prod" {
		return zap.NewProduction()
	}

	return zap.NewDevelopment()
}
