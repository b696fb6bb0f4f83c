package main

import (
	"fmt"
	"io"
	"math/rand/v2"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cvsouth/tor-circmgr/circmgr"
	"github.com/cvsouth/tor-circmgr/netdir"
	"github.com/cvsouth/tor-circmgr/pathselect"
)

type pickFlags struct {
	Snapshot string
	Count    int
	Ports    []uint
	Dir      bool
	Seed     uint64
}

func newPickCommand(g *globalFlags) *cobra.Command {
	var f pickFlags
	cmd := &cobra.Command{
		Use:   "pick",
		Short: "Select circuit paths from a directory snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPick(cmd.OutOrStdout(), g, &f)
		},
	}
	cmd.Flags().StringVarP(&f.Snapshot, "snapshot", "s", "", "JSON directory snapshot")
	cmd.Flags().IntVarP(&f.Count, "count", "n", 1, "number of paths to pick")
	cmd.Flags().UintSliceVarP(&f.Ports, "port", "p", nil, "port the exit must allow (repeatable)")
	cmd.Flags().BoolVar(&f.Dir, "dir", false, "pick one-hop directory paths instead of exit paths")
	cmd.Flags().Uint64Var(&f.Seed, "seed", 0, "random seed (0 picks one)")
	cmd.MarkFlagRequired("snapshot")
	return cmd
}

func runPick(w io.Writer, g *globalFlags, f *pickFlags) error {
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
	mgr, err := circmgr.New(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()
	mgr.SetNetDir(nd)

	rng := newRand(f.Seed)
	for i := range f.Count {
		var p *pathselect.Path
		if f.Dir {
			p, err = mgr.PathBuilder().PickDirPath(nd, rng)
		} else {
			p, err = mgr.PathBuilder().PickExitPath(nd, rng, ports...)
		}
		if err != nil {
			return fmt.Errorf("path %d: %w", i+1, err)
		}
		printPath(w, i+1, p)
	}
	return nil
}

func printPath(w io.Writer, n int, p *pathselect.Path) {
	fmt.Fprintf(w, "%d: %s\n", n, p)
	for i, r := range p.Hops() {
		addr := "-"
		if len(r.Addrs) > 0 {
			addr = r.Addrs[0].String()
		}
		fmt.Fprintf(w, "   hop %d  %-20s %-22s %s  [%s]\n", i, r.Nickname, addr, r.ID, strings.Join(r.Flags.Names(), " "))
	}
}

func portList(ps []uint) ([]uint16, error) {
	out := make([]uint16, 0, len(ps))
	for _, p := range ps {
		if p == 0 || p > 65535 {
			return nil, fmt.Errorf("invalid port %d", p)
		}
		out = append(out, uint16(p))
	}
	return out, nil
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed>>32|seed<<32))
}
