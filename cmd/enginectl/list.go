package main

import (
	"fmt"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"tachyon-engine/internal/storage"
)

var listWatch bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known downloads",
	Example: `  enginectl list
  enginectl list --watch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if !listWatch {
			downloads, err := client.list()
			if err != nil {
				return err
			}
			printTable(downloads)
			return nil
		}

		return watchList(client)
	},
}

func init() {
	listCmd.Flags().BoolVarP(&listWatch, "watch", "w", false, "Live-refresh progress bars until interrupted")
}

func printTable(downloads []storage.Download) {
	if len(downloads) == 0 {
		fmt.Println("no downloads")
		return
	}
	fmt.Printf("%-36s  %-12s  %-8s  %12s / %-12s  %s\n", "ID", "STATUS", "PRIORITY", "DOWNLOADED", "TOTAL", "FILENAME")
	for _, d := range downloads {
		fmt.Printf("%-36s  %-12s  %-8s  %12s / %-12s  %s\n",
			d.ID, d.Status, d.Priority, formatBytesCLI(d.DownloadedBytes), formatBytesCLI(d.TotalSize), d.Filename)
	}
}

// watchList renders one progress bar per currently downloading item,
// polling the control API once a second until interrupted.
func watchList(client *apiClient) error {
	bars := map[string]*pb.ProgressBar{}
	pool, err := pb.StartPool()
	if err != nil {
		return err
	}
	defer pool.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		downloads, err := client.list()
		if err != nil {
			return err
		}

		seen := map[string]bool{}
		for _, d := range downloads {
			if d.Status != storage.StatusDownloading {
				continue
			}
			seen[d.ID] = true

			bar, ok := bars[d.ID]
			if !ok {
				tmpl := fmt.Sprintf(`{{ "%s:" }} {{ bar . }} {{percent . }} {{speed . "%%s/s"}}`, d.Filename)
				bar = pb.New64(d.TotalSize).Set(pb.Bytes, true).SetTemplateString(tmpl)
				pool.Add(bar)
				bars[d.ID] = bar
			}
			bar.SetTotal(d.TotalSize)
			bar.SetCurrent(d.DownloadedBytes)
		}

		for id, bar := range bars {
			if !seen[id] {
				bar.Finish()
				delete(bars, id)
			}
		}
	}
	return nil
}

func formatBytesCLI(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
