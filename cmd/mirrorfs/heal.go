package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/mirrorfs/pkg/config"
	"github.com/marmos91/mirrorfs/pkg/healer"
	"github.com/marmos91/mirrorfs/pkg/xlators/cluster/replicate"
	"github.com/spf13/cobra"
)

var healTarget string

var healCmd = &cobra.Command{
	Use:   "heal <path>...",
	Short: "Run a self-heal session on the given paths",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, targets, done, err := openTargets(cmd)
		if err != nil {
			return err
		}
		defer done()

		var failed int
		for _, r := range targets {
			for _, path := range args {
				res, err := r.HealPath(cmd.Context(), path)
				if res == nil {
					return err
				}
				printResult(cmd, r.Name(), res)
				if res.Outcome == replicate.OutcomeSplitBrain || res.Outcome == replicate.OutcomeFailed {
					failed++
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d path(s) could not be healed", failed)
		}
		return nil
	},
}

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Crawl the whole volume once and heal everything that diverged",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, targets, done, err := openTargets(cmd)
		if err != nil {
			return err
		}
		defer done()

		daemon := healer.New(targets, healer.Options{Concurrency: cfg.Heal.Concurrency}, nil)
		report, err := daemon.RunOnce(cmd.Context())
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "scanned:     %d\n", report.Scanned)
		fmt.Fprintf(out, "clean:       %d\n", report.Clean)
		fmt.Fprintf(out, "healed:      %d\n", report.Healed)
		fmt.Fprintf(out, "split-brain: %d\n", report.SplitBrain)
		fmt.Fprintf(out, "failed:      %d\n", report.Failed)
		for _, p := range report.SplitBrainPaths {
			fmt.Fprintf(out, "  split-brain: %s\n", p)
		}
		if err != nil {
			return err
		}
		if report.SplitBrain > 0 || report.Failed > 0 {
			return errors.New("crawl left unhealed inodes")
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{healCmd, crawlCmd} {
		c.Flags().StringVarP(&healTarget, "replicate", "r", "",
			"name of the cluster/replicate node (default: every one)")
		c.Flags().DurationVar(&readyTimeout, "ready-timeout", 30*time.Second,
			"how long to wait for the first subvolume to come up")
	}
}

// openTargets builds and starts the configured volume and returns the
// replicate nodes to heal. done stops the volume.
func openTargets(cmd *cobra.Command) (*config.Config, []*replicate.Replicate, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if healTarget != "" {
		cfg.Heal.Replicates = []string{healTarget}
	}

	vol, err := config.BuildVolume(cmd.Context(), cfg, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	done := func() { _ = vol.Stop() }

	vol.Start()
	if err := waitReady(cmd.Context(), vol); err != nil {
		done()
		return nil, nil, nil, err
	}

	targets, err := config.HealTargets(cfg, vol)
	if err != nil {
		done()
		return nil, nil, nil, err
	}
	if len(targets) == 0 {
		done()
		return nil, nil, nil, fmt.Errorf("the volume has no %s node", replicate.Type)
	}
	return cfg, targets, done, nil
}

func printResult(cmd *cobra.Command, name string, res *replicate.HealResult) {
	out := cmd.OutOrStdout()
	switch res.Outcome {
	case replicate.OutcomeHealed:
		fmt.Fprintf(out, "%s: %s %s: healed %v from %s (%d bytes, %s)\n",
			name, res.Kind, res.Path, res.Sinks, res.Source, res.Bytes, res.Duration.Round(time.Millisecond))
	case replicate.OutcomeClean:
		fmt.Fprintf(out, "%s: %s %s: clean\n", name, res.Kind, res.Path)
	default:
		fmt.Fprintf(out, "%s: %s %s: %s: %v\n", name, res.Kind, res.Path, res.Outcome, res.Err)
	}
}
