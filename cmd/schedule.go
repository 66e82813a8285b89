package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adrij/fdm/internal/manager"
	"github.com/adrij/fdm/internal/scheduler"
)

func newScheduleCmd() *cobra.Command {
	var (
		at       string
		in       time.Duration
		category string
	)

	cmd := &cobra.Command{
		Use:   "schedule URL",
		Short: "Start a download at a future time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fireAt, err := fireTime(at, in)
			if err != nil {
				return err
			}

			m, cfg, cleanup, err := buildManager()
			if err != nil {
				return err
			}
			defer cleanup()

			dir := saveDir
			if dir == "" {
				dir = cfg.DownloadDir
			}

			started := make(chan string, 1)
			sched := scheduler.New(func(url, dir string, n int, _ string) {
				d, err := m.Add(url, dir, manager.AddOptions{Segments: n})
				if err != nil {
					fmt.Fprintf(os.Stderr, "failed to add %s: %v\n", url, err)
					return
				}
				if err := m.Start(d.ID); err != nil {
					fmt.Fprintf(os.Stderr, "failed to start %s: %v\n", url, err)
					return
				}
				started <- d.ID
			}, cfg.SchedulerInterval)

			sched.Start()
			defer sched.Stop()

			sched.Schedule(args[0], dir, segments, fireAt, category)
			fmt.Printf("scheduled for %s\n", fireAt.Format(time.DateTime))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case id := <-started:
				return watch(m, []string{id})
			case <-sigCh:
				fmt.Println("\ninterrupted before the scheduled start")
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "start time, e.g. 2026-08-30 22:15:00 or 22:15")
	cmd.Flags().DurationVar(&in, "in", 0, "start after the given delay, e.g. 45m")
	cmd.Flags().StringVar(&category, "category", "all", "category tag for the scheduled entry")
	cmd.Flags().IntVarP(&segments, "segments", "s", 0, "number of segments")
	cmd.Flags().StringVarP(&saveDir, "dir", "d", "", "save directory")

	return cmd
}

func fireTime(at string, in time.Duration) (time.Time, error) {
	if at != "" && in != 0 {
		return time.Time{}, fmt.Errorf("use either --at or --in, not both")
	}
	if in != 0 {
		return time.Now().Add(in), nil
	}
	if at == "" {
		return time.Time{}, fmt.Errorf("provide --at or --in")
	}

	if t, err := time.ParseInLocation(time.DateTime, at, time.Local); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("15:04", at, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", at)
	}

	now := time.Now()
	fire := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, time.Local)
	if fire.Before(now) {
		fire = fire.Add(24 * time.Hour)
	}
	return fire, nil
}
