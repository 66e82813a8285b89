package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adrij/fdm/internal/download"
)

func newResumeCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "resume [ID...]",
		Short: "Resume paused or failed downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("provide download ids or --all")
			}

			m, _, cleanup, err := buildManager()
			if err != nil {
				return err
			}
			defer cleanup()

			var ids []string
			if all {
				for _, d := range m.All() {
					if d.CanResume() {
						ids = append(ids, d.ID)
					}
				}
			} else {
				for _, prefix := range args {
					id, err := resolveID(m.All(), prefix)
					if err != nil {
						return err
					}
					ids = append(ids, id)
				}
			}

			if len(ids) == 0 {
				fmt.Println("nothing to resume")
				return nil
			}

			for _, id := range ids {
				if err := m.Resume(id); err != nil {
					return fmt.Errorf("failed to resume %s: %w", id, err)
				}
			}

			return watch(m, ids)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "resume every paused or failed download")

	return cmd
}

// resolveID matches a possibly abbreviated id against the registry.
func resolveID(downloads []*download.Download, prefix string) (string, error) {
	var matches []string
	for _, d := range downloads {
		if strings.HasPrefix(d.ID, prefix) {
			matches = append(matches, d.ID)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no download matches id %q", prefix)
	default:
		return "", fmt.Errorf("id %q is ambiguous, matches %d downloads", prefix, len(matches))
	}
}
