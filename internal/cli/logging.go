package cli

import (
	"fmt"
	"io"
	stdslog "log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/unkn0wn-root/fetchcache"
	"github.com/unkn0wn-root/fetchcache/internal/config"
	charmadapter "github.com/unkn0wn-root/fetchcache/log/charm"
	logrusadapter "github.com/unkn0wn-root/fetchcache/log/logrus"
	slogadapter "github.com/unkn0wn-root/fetchcache/log/slog"
	zapadapter "github.com/unkn0wn-root/fetchcache/log/zap"
)

// newLogger builds the configured backend writing to cfg.FilePath, or to
// fallback when no file is set. The returned close func flushes and releases
// the output.
func newLogger(cfg config.LogConfig, fallback io.Writer) (fetchcache.Logger, func() error, error) {
	level := cfg.Level
	if level == "warning" {
		level = "warn"
	}

	out, closeOut, err := logOutput(cfg, fallback)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Backend {
	case "", "logrus":
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		l := logrus.New()
		l.SetLevel(lvl)
		l.SetOutput(out)
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
		return logrusadapter.New(l), closeOut, nil

	case "zap":
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		l := zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(out), lvl))
		return zapadapter.New(l), func() error {
			_ = l.Sync()
			return closeOut()
		}, nil

	case "charm":
		lvl, err := charmlog.ParseLevel(level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		l := charmlog.NewWithOptions(out, charmlog.Options{
			ReportTimestamp: true,
			TimeFormat:      "15:04:05.00",
			Level:           lvl,
		})
		return charmadapter.New(l), closeOut, nil

	case "slog":
		var lvl stdslog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		l := stdslog.New(stdslog.NewJSONHandler(out, &stdslog.HandlerOptions{Level: lvl}))
		return slogadapter.New(l), closeOut, nil

	default:
		return nil, nil, fmt.Errorf("unknown log backend %q", cfg.Backend)
	}
}

func logOutput(cfg config.LogConfig, fallback io.Writer) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	if strings.TrimSpace(cfg.FilePath) == "" {
		return fallback, noop, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
	return rotator, rotator.Close, nil
}
