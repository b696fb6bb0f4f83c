// Command circpath picks circuit paths from a directory snapshot, simulates
// circuit builds to train the timeout estimator, and inspects saved state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cvsouth/tor-circmgr/config"
)

type globalFlags struct {
	ConfigFile string
	LogLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:   "circpath",
		Short: "Circuit path selection and build timeout tool",
		Long: `circpath works with JSON directory snapshots. It selects directory and exit
paths the way the circuit manager does, runs simulated circuit builds to train
the build timeout estimator, and shows the persisted estimator state.`,
		Example: `  # Pick five exit paths that allow HTTPS
  circpath pick -s snapshot.json -n 5 --port 443

  # Build 500 simulated circuits and save the learned timeouts
  circpath simulate -c circmgr.toml -s snapshot.json -n 500

  # Show the saved timeout estimates
  circpath timeouts -c circmgr.toml`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.ConfigFile, "config", "c", "", "configuration file")
	cmd.PersistentFlags().StringVar(&g.LogLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	cmd.AddCommand(
		newPickCommand(&g),
		newSimulateCommand(&g),
		newTimeoutsCommand(&g),
		newBlindCommand(),
	)
	return cmd
}

// loadConfig reads the configuration file if one was given and applies
// command line overrides.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if g.ConfigFile != "" {
		var err error
		if cfg, err = config.LoadFile(g.ConfigFile); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
		if err := cfg.FixupAndValidate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLogger logs text to stderr and, if cfg.File is set, JSON to that file.
// The returned function closes the file.
func newLogger(cfg *config.Logging) (*slog.Logger, func(), error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if cfg.File == "" {
		return slog.New(stderrHandler), func() {}, nil
	}

	logFile, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stderrHandler}})
	return logger, func() { logFile.Close() }, nil
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
