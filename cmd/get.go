package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adrij/fdm/internal/download"
	"github.com/adrij/fdm/internal/manager"
)

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get URL [URL...]",
		Short: "Download one or more URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []manager.Option
			if limit > 0 {
				opts = append(opts, manager.WithRateLimit(limit))
			}
			m, cfg, cleanup, err := buildManager(opts...)
			if err != nil {
				return err
			}
			defer cleanup()

			dir := saveDir
			if dir == "" {
				dir = cfg.DownloadDir
			}

			ids := make([]string, 0, len(args))
			for _, url := range args {
				d, err := m.Add(url, dir, manager.AddOptions{
					Segments:          segments,
					ExpectedChecksum:  checksum,
					ChecksumAlgorithm: algorithm,
				})
				if err != nil {
					return fmt.Errorf("failed to add %s: %w", url, err)
				}
				if err := m.Start(d.ID); err != nil {
					return fmt.Errorf("failed to start %s: %w", url, err)
				}
				ids = append(ids, d.ID)
			}

			return watch(m, ids)
		},
	}

	cmd.Flags().StringVarP(&saveDir, "dir", "d", "", "save directory (defaults to the configured download dir)")
	cmd.Flags().IntVarP(&segments, "segments", "s", 0, "number of segments per download")
	cmd.Flags().StringVar(&checksum, "checksum", "", "expected checksum, verified after the transfer")
	cmd.Flags().StringVar(&algorithm, "algo", "", "checksum algorithm: md5, sha1 or sha256")
	cmd.Flags().IntVar(&limit, "limit", 0, "per-download bandwidth cap in bytes/sec")

	return cmd
}

// watch renders progress until every download settles or a signal arrives.
// On interrupt the deferred shutdown pauses the active transfers so they
// can be resumed later.
func watch(m *manager.Manager, ids []string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println("\ninterrupted, pausing active downloads")
			return nil
		case <-ticker.C:
			settled := true
			for _, id := range ids {
				d, err := m.Get(id)
				if err != nil {
					continue
				}
				render(d)
				if !d.GetStatus().Terminal() {
					settled = false
				}
			}
			moveUp(len(ids))

			if settled {
				printSummary(m, ids)
				return exitError(m, ids)
			}
		}
	}
}

func render(d *download.Download) {
	speed, eta := d.Rate()
	fmt.Print("\r\033[K")
	fmt.Printf("%-12s %s %5.1f%% %9s/s  %s  %s\n",
		d.GetStatus(), bar(d.Progress(), 30), d.Progress(),
		humanBytes(int64(speed)), etaString(eta), d.Filename)
}

func moveUp(n int) {
	for i := 0; i < n; i++ {
		fmt.Print("\033[1A")
	}
}

func printSummary(m *manager.Manager, ids []string) {
	for _, id := range ids {
		d, err := m.Get(id)
		if err != nil {
			continue
		}
		render(d)
		if msg := d.GetError(); msg != "" {
			fmt.Printf("    %s\n", msg)
		}
	}
}

func exitError(m *manager.Manager, ids []string) error {
	failed := 0
	for _, id := range ids {
		if d, err := m.Get(id); err == nil && d.GetStatus() == download.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d download(s) failed", failed)
	}
	return nil
}

func bar(pct float64, width int) string {
	filled := int(pct * float64(width) / 100)
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func etaString(eta int64) string {
	if eta < 0 {
		return "--:--"
	}
	d := time.Duration(eta) * time.Second
	if d >= time.Hour {
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
