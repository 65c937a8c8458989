// Package logging builds the process logger.
package logging

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing to stdout. format is "console" (colored,
// human readable) or "json".
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}
	enc, err := encoder(format)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl)
	return zap.New(core, zap.AddCaller()), nil
}

func encoder(format string) (zapcore.Encoder, error) {
	switch format {
	case "", "console":
		return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			TimeKey:      "ts",
			LevelKey:     "level",
			NameKey:      "logger",
			CallerKey:    "caller",
			MessageKey:   "msg",
			LineEnding:   zapcore.DefaultLineEnding,
			EncodeTime:   zapcore.ISO8601TimeEncoder,
			EncodeLevel:  zapcore.CapitalColorLevelEncoder,
			EncodeCaller: zapcore.ShortCallerEncoder,
		}), nil
	case "json":
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg), nil
	default:
		return nil, errors.Errorf("unknown log format %q", format)
	}
}
