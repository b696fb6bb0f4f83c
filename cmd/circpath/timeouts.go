package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cvsouth/tor-circmgr/circmgr"
	"github.com/cvsouth/tor-circmgr/netdir"
	"github.com/cvsouth/tor-circmgr/selector"
	"github.com/cvsouth/tor-circmgr/statemgr"
	"github.com/cvsouth/tor-circmgr/timeouts"
)

func newTimeoutsCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "timeouts",
		Short: "Show saved build timeout estimates and plan-B relays",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTimeouts(cmd.OutOrStdout(), g)
		},
	}
}

func runTimeouts(w io.Writer, g *globalFlags) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if cfg.State.Path == "" {
		return errors.New("no State.Path configured")
	}
	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := statemgr.Open(cfg.State.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	est := timeouts.NewPareto(cfg.Timeouts.Params(), logger)
	var ts timeouts.State
	switch err := store.Load(circmgr.TimeoutStateKey, &ts); {
	case err == nil:
		est.Restore(&ts)
	case errors.Is(err, statemgr.ErrNotFound):
		fmt.Fprintln(w, "no timeout history saved")
	default:
		return err
	}
	printStats(w, est.Stats())

	var ovs selector.State
	if err := store.Load(circmgr.OverrideStateKey, &ovs); err != nil {
		if errors.Is(err, statemgr.ErrNotFound) {
			return nil
		}
		return err
	}
	fmt.Fprintln(w, "\nplan-B relays:")
	for _, role := range netdir.Roles {
		for _, id := range ovs.Cached[role.String()] {
			fmt.Fprintf(w, "  %-10s %s\n", role, id)
		}
	}
	return nil
}

func printStats(w io.Writer, stats []timeouts.Stats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOPS\tSAMPLES\tCOMPLETED\tTIMED OUT\tESTIMATED\tSOFT\tHARD")
	for _, s := range stats {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%t\t%s\t%s\n", s.Length, s.Samples, s.Completed, s.TimedOut, s.Estimated, s.Soft, s.Hard)
	}
	tw.Flush()
}
