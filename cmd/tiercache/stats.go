package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/discochess/tiercache/internal/remote/diskremote"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show statistics about the shared cache directory",
	Long: `Display statistics about the shared cache directory including:
- Number of entry files
- Live and expired entries
- Total size on disk`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

// dirStats summarizes the entries of a shared cache directory.
type dirStats struct {
	Entries    int
	Live       int
	Expired    int
	Unreadable int
	TotalSize  int64
}

func collectStats(ctx context.Context, st *diskremote.Store) (dirStats, error) {
	var s dirStats
	err := st.Walk(ctx, func(info diskremote.EntryInfo, err error) error {
		s.Entries++
		switch {
		case err != nil:
			s.Unreadable++
		case info.Expired:
			s.Expired++
		default:
			s.Live++
		}
		s.TotalSize += info.Size
		return nil
	})
	return s, err
}

func runStats(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cacheDir); os.IsNotExist(err) {
		return fmt.Errorf("cache directory %q does not exist", cacheDir)
	}
	st, err := openRemote()
	if err != nil {
		return err
	}
	defer st.Close()

	s, err := collectStats(context.Background(), st)
	if err != nil {
		return fmt.Errorf("walking cache directory: %w", err)
	}

	if s.Entries == 0 {
		fmt.Println("No entries found in cache directory.")
		return nil
	}

	fmt.Printf("Cache directory: %s\n", st.Root())
	fmt.Printf("Entries:         %d\n", s.Entries)
	fmt.Printf("Live:            %d\n", s.Live)
	fmt.Printf("Expired:         %d\n", s.Expired)
	if s.Unreadable > 0 {
		fmt.Printf("Unreadable:      %d\n", s.Unreadable)
	}
	fmt.Printf("Total size:      %s\n", formatBytes(s.TotalSize))

	return nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
