package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	probeTimeout time.Duration

	probeCmd = &cobra.Command{
		Use:   "probe <profile>",
		Short: "measure whether a profile's server answers, without connecting",
		Args:  cobra.ExactArgs(1),
		RunE:  probe,
	}
)

func probe(cmd *cobra.Command, args []string) error {
	cfg := setup()

	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.profileID(ctx, args[0])
	if err != nil {
		return err
	}

	// Probing never creates a system interface.
	a.startTunnel(ctx, cfg, true)
	latency, err := a.manager.TestConnection(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "profile %d reachable in %s\n", id, latency.Round(time.Millisecond))
	return nil
}

func init() {
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 15*time.Second, "overall probe timeout")
	rootCmd.AddCommand(probeCmd)
}
