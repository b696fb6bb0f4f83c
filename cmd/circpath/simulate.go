package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cvsouth/tor-circmgr/circerr"
	"github.com/cvsouth/tor-circmgr/circmgr"
	"github.com/cvsouth/tor-circmgr/circuit"
	"github.com/cvsouth/tor-circmgr/internal/simnet"
	"github.com/cvsouth/tor-circmgr/netdir"
)

type simulateFlags struct {
	Snapshot    string
	Count       int
	Ports       []uint
	Latency     time.Duration
	Alpha       float64
	FailureRate float64
	Seed        uint64
}

func newSimulateCommand(g *globalFlags) *cobra.Command {
	var f simulateFlags
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Build circuits over a simulated network to train build timeouts",
		Long: `simulate builds exit circuits along paths picked from the snapshot, over
a simulated network whose handshakes take Pareto-distributed time. Build times
and timeouts feed the estimator, which is saved to the configured state file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSimulate(ctx, cmd.OutOrStdout(), g, &f)
		},
	}
	cmd.Flags().StringVarP(&f.Snapshot, "snapshot", "s", "", "JSON directory snapshot")
	cmd.Flags().IntVarP(&f.Count, "count", "n", 100, "number of circuits to build")
	cmd.Flags().UintSliceVarP(&f.Ports, "port", "p", nil, "port the exit must allow (repeatable)")
	cmd.Flags().DurationVar(&f.Latency, "latency", 50*time.Millisecond, "minimum handshake time")
	cmd.Flags().Float64Var(&f.Alpha, "alpha", 2.5, "Pareto shape of handshake times")
	cmd.Flags().Float64Var(&f.FailureRate, "failure-rate", 0.02, "probability that a handshake fails")
	cmd.Flags().Uint64Var(&f.Seed, "seed", 0, "random seed (0 picks one)")
	cmd.MarkFlagRequired("snapshot")
	return cmd
}

func runSimulate(ctx context.Context, w io.Writer, g *globalFlags, f *simulateFlags) error {
	ports, err := portList(f.Ports)
	if err != nil {
		return err
	}
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	nd, err := netdir.LoadSnapshot(f.Snapshot)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := circuit.NewMetrics(reg)
	if cfg.Metrics.Address != "" {
		srv := serveMetrics(cfg.Metrics.Address, reg, logger)
		defer srv.Close()
	}

	seed := f.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	net := simnet.New(simnet.Config{HopLatency: f.Latency, Alpha: f.Alpha, FailureRate: f.FailureRate, Seed: seed})
	mgr, err := circmgr.New(cfg, net, logger,
		circmgr.WithMetrics(metrics),
		circmgr.WithRandSource(func() *rand.Rand {
			seed++
			return newRand(seed)
		}))
	if err != nil {
		return err
	}
	mgr.SetNetDir(nd)

	var built, timedOut, failed int
	start := time.Now()
	for range f.Count {
		circ, err := mgr.BuildExitCircuit(ctx, ports...)
		switch {
		case err == nil:
			built++
			circ.Close()
		case errors.Is(err, circerr.ErrCancelled):
			return errors.Join(err, mgr.Close())
		case errors.Is(err, circerr.ErrCircTimeout):
			timedOut++
		default:
			failed++
		}
	}

	fmt.Fprintf(w, "built %d, timed out %d, failed %d in %s\n\n", built, timedOut, failed, time.Since(start).Round(time.Millisecond))
	printStats(w, mgr.Estimator().Stats())
	return mgr.Close()
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
