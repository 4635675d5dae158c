// Package logging bootstraps this project's structured logger: zap
// underneath, exposed to every component as a logr.Logger.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logr.Logger. dev switches from the JSON
// production encoder to zap's human-readable console encoder, the
// same toggle this project's CLI exposes as --dev.
func New(dev bool) logr.Logger {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	zapLog, err := cfg.Build()
	if err != nil {
		// Logger construction failing means stdout/stderr itself is
		// unusable; there is nothing safer to fall back to than a
		// no-op logger so startup can still report the real error.
		return logr.Discard()
	}

	return zapr.NewLogger(zapLog)
}
