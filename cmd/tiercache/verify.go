package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/discochess/tiercache/internal/remote/diskremote"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of the shared cache directory",
	Long: `Verify that every entry in the shared cache directory is valid.

This command checks:
- Each file name decodes to a key
- Each entry header is readable
- Each live entry decompresses`,
	RunE: runVerify,
}

var verifyPurge bool

func init() {
	verifyCmd.Flags().BoolVar(&verifyPurge, "purge", false, "remove expired entries after verifying")
	rootCmd.AddCommand(verifyCmd)
}

// verifyReport lists the entries that failed verification.
type verifyReport struct {
	Checked  int
	Expired  int
	Failures []string
}

func verifyEntries(ctx context.Context, st *diskremote.Store) (verifyReport, error) {
	var r verifyReport
	err := st.Walk(ctx, func(info diskremote.EntryInfo, err error) error {
		r.Checked++
		if err != nil {
			r.Failures = append(r.Failures, fmt.Sprintf("%s: %v", info.Path, err))
			return nil
		}
		if info.Expired {
			r.Expired++
			return nil
		}
		if verbose {
			fmt.Printf("  [%d] %s\n", r.Checked, info.Key)
		}
		if _, _, err := st.Get(ctx, info.Key); err != nil {
			r.Failures = append(r.Failures, fmt.Sprintf("%s: %v", info.Path, err))
		}
		return nil
	})
	return r, err
}

func runVerify(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cacheDir); os.IsNotExist(err) {
		return fmt.Errorf("cache directory %q does not exist", cacheDir)
	}
	st, err := openRemote()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	r, err := verifyEntries(ctx, st)
	if err != nil {
		return fmt.Errorf("walking cache directory: %w", err)
	}

	if r.Checked == 0 {
		fmt.Println("No entries found in cache directory.")
		return nil
	}
	fmt.Printf("Verified %d entries (%d expired).\n", r.Checked, r.Expired)

	for _, f := range r.Failures {
		fmt.Printf("  ERROR: %s\n", f)
	}
	if len(r.Failures) > 0 {
		return fmt.Errorf("%d entries failed verification", len(r.Failures))
	}

	if verifyPurge {
		n, err := st.Purge(ctx)
		if err != nil {
			return fmt.Errorf("purging expired entries: %w", err)
		}
		fmt.Printf("Purged %d expired entries.\n", n)
	}

	fmt.Println("All entries verified successfully.")
	return nil
}
