package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tinoosan/mcufetch/internal/repo"
	"github.com/tinoosan/mcufetch/internal/service"
	"github.com/tinoosan/mcufetch/internal/transfer"
	"github.com/tinoosan/mcufetch/internal/transport/bluez"
	"github.com/tinoosan/mcufetch/internal/transport/sim"
)

type config struct {
	Addr         string
	Transport    string
	Store        string
	BoltPath     string
	ContentLimit int
	LogLevel     slog.Level
	LogFile      string
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func configFromEnv() config {
	return config{
		Addr:         getenv("MCUFETCH_ADDR", ":9090"),
		Transport:    strings.ToLower(getenv("MCUFETCH_TRANSPORT", "bluez")),
		Store:        strings.ToLower(getenv("MCUFETCH_STORE", "memory")),
		BoltPath:     getenv("MCUFETCH_BOLT_PATH", "mcufetch.db"),
		ContentLimit: getenvInt("MCUFETCH_CONTENT_LIMIT_MB", service.DefaultContentLimit>>20) << 20,
		LogLevel:     parseLevel(os.Getenv("LOG_LEVEL")),
		LogFile:      os.Getenv("LOG_FILE"),
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// logOutput is stdout, teed into a rotating file when LOG_FILE is set.
func logOutput(cfg config) io.Writer {
	if cfg.LogFile == "" {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    getenvInt("LOG_MAX_SIZE_MB", 50),
		MaxBackups: getenvInt("LOG_MAX_BACKUPS", 3),
		MaxAge:     getenvInt("LOG_MAX_AGE_DAYS", 28),
		Compress:   true,
	})
}

// openStore returns the history store selected by MCUFETCH_STORE and its closer.
func openStore(cfg config) (repo.RecordRepo, func() error, error) {
	switch cfg.Store {
	case "memory":
		return repo.NewInMemoryRecordRepo(), func() error { return nil }, nil
	case "postgres":
		r, err := repo.NewPostgresRepoFromEnv()
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "bolt":
		r, err := repo.NewBoltRepo(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown MCUFETCH_STORE %q", cfg.Store)
	}
}

func openTransport(cfg config, log *slog.Logger) (transfer.Transport, error) {
	switch cfg.Transport {
	case "bluez":
		return bluez.New(bluez.OptionsFromEnv(), log.With("component", "bluez")), nil
	case "sim":
		return sim.FromEnv(log.With("component", "sim"))
	default:
		return nil, fmt.Errorf("unknown MCUFETCH_TRANSPORT %q", cfg.Transport)
	}
}
