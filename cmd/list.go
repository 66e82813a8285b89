package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/adrij/fdm/internal/config"
	"github.com/adrij/fdm/internal/download"
	"github.com/adrij/fdm/internal/store"
)

func newListCmd() *cobra.Command {
	var (
		query      string
		statusName string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			st, err := store.NewBoltStore(filepath.Join(cfg.DataDir, "fdm.db"))
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			var downloads []*download.Download
			switch {
			case query != "" && statusName != "":
				downloads, err = st.Search(query, download.Status(statusName))
			case query != "":
				downloads, err = st.Search(query)
			case statusName != "":
				downloads, err = st.ByStatus(download.Status(statusName))
			default:
				downloads, err = st.All()
			}
			if err != nil {
				return err
			}

			if len(downloads) == 0 {
				fmt.Println("no downloads")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tSIZE\tFILE")
			for _, d := range downloads {
				fmt.Fprintf(w, "%.8s\t%s\t%.1f%%\t%s\t%s\n",
					d.ID, d.Status, d.Progress(), humanBytes(d.TotalSize), d.Filename)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&query, "search", "q", "", "substring match over filename and url")
	cmd.Flags().StringVar(&statusName, "status", "", "filter by status (queued, downloading, paused, completed, failed, cancelled)")

	return cmd
}
