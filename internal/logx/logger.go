package logx

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLevel      = "info"
	defaultFormat     = "json"
	defaultOutput     = "stdout"
	defaultFilePath   = "./logs/sandboxnet.log"
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 7
	defaultMaxAgeDays = 7
)

type Config struct {
	Level       slog.Level
	Format      string
	Output      string
	FilePath    string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	ServiceName string
}

func LoadConfig(serviceName string) Config {
	return Config{
		Level:       parseLevel(getenv("LOG_LEVEL", defaultLevel)),
		Format:      getenv("LOG_FORMAT", defaultFormat),
		Output:      getenv("LOG_OUTPUT", defaultOutput),
		FilePath:    getenv("LOG_FILE_PATH", defaultFilePath),
		MaxSizeMB:   getenvInt("LOG_FILE_MAX_SIZE_MB", defaultMaxSizeMB),
		MaxBackups:  getenvInt("LOG_FILE_MAX_BACKUPS", defaultMaxBackups),
		MaxAgeDays:  getenvInt("LOG_FILE_MAX_AGE_DAYS", defaultMaxAgeDays),
		ServiceName: serviceName,
	}
}

// Init builds the process logger, installs it as the slog default and returns
// a closer for the rotating file writer (if any).
func Init(serviceName string) (*slog.Logger, func() error, error) {
	cfg := LoadConfig(serviceName)
	writer, closer, err := buildWriter(cfg)
	if err != nil {
		return nil, nil, err
	}

	options := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(writer, options)
	} else {
		handler = slog.NewJSONHandler(writer, options)
	}

	logger := slog.New(handler).With("service", cfg.ServiceName)
	slog.SetDefault(logger)
	return logger, closer, nil
}

func buildWriter(cfg Config) (io.Writer, func() error, error) {
	useStdout := strings.Contains(cfg.Output, "stdout")
	useFile := strings.Contains(cfg.Output, "file")
	if !useStdout && !useFile {
		useStdout = true
	}

	writers := make([]io.Writer, 0, 2)
	var closers []io.Closer

	if useStdout {
		writers = append(writers, os.Stdout)
	}
	if useFile {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, rotator)
		closers = append(closers, rotator)
	}

	closeFn := func() error {
		var lastErr error
		for _, c := range closers {
			if err := c.Close(); err != nil {
				lastErr = err
			}
		}
		return lastErr
	}

	if len(writers) == 1 {
		return writers[0], closeFn, nil
	}
	return io.MultiWriter(writers...), closeFn, nil
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
