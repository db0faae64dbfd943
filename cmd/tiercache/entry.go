package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/discochess/tiercache"
)

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print the cached value for a key",
	Long: `Print the value cached under KEY. The local tier starts empty, so the
value is read from the shared directory. A key with no live entry is
reported as not cached and the command fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

var setCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Cache a value under a key",
	Args:  cobra.ExactArgs(2),
	RunE:  runSet,
}

var deleteCmd = &cobra.Command{
	Use:     "delete KEY",
	Aliases: []string{"del"},
	Short:   "Remove a key from the cache",
	Args:    cobra.ExactArgs(1),
	RunE:    runDelete,
}

var (
	outputJSON bool
	showTiming bool
	setTTL     time.Duration
)

func init() {
	getCmd.Flags().BoolVar(&outputJSON, "json", false, "output result as JSON")
	getCmd.Flags().BoolVar(&showTiming, "timing", false, "show lookup timing")
	setCmd.Flags().DurationVar(&setTTL, "ttl", time.Hour, "how long the entry stays in the shared tier (0 = no expiry)")
	rootCmd.AddCommand(getCmd, setCmd, deleteCmd)
}

// getResult is the JSON form of a get.
type getResult struct {
	Key    string `json:"key"`
	Found  bool   `json:"found"`
	Value  string `json:"value,omitempty"`
	Base64 []byte `json:"base64,omitempty"`
	Micros int64  `json:"micros,omitempty"`
}

func runGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	engine, closeAll, err := openEngine()
	if err != nil {
		return err
	}
	defer closeAll()

	ctx := context.Background()
	start := time.Now()
	value, err := engine.GetOrLoad(ctx, key, func(context.Context) ([]byte, error) {
		return nil, tiercache.ErrNotFound
	})
	elapsed := time.Since(start)

	found := err == nil
	if err != nil && !errors.Is(err, tiercache.ErrNotFound) {
		return fmt.Errorf("get %q: %w", key, err)
	}

	if outputJSON {
		res := getResult{Key: key, Found: found}
		if showTiming {
			res.Micros = elapsed.Microseconds()
		}
		if utf8.Valid(value) {
			res.Value = string(value)
		} else {
			res.Base64 = value
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if found {
		os.Stdout.Write(value)
		fmt.Println()
	} else {
		fmt.Println("not cached")
	}

	if showTiming && !outputJSON {
		fmt.Fprintf(os.Stderr, "lookup took %s\n", elapsed)
	}
	if !found {
		return fmt.Errorf("%q: %w", key, tiercache.ErrNotFound)
	}
	return nil
}

func runSet(cmd *cobra.Command, args []string) error {
	if setTTL < 0 {
		return fmt.Errorf("--ttl must not be negative")
	}
	engine, closeAll, err := openEngine()
	if err != nil {
		return err
	}
	defer closeAll()

	if err := engine.Set(context.Background(), args[0], []byte(args[1]), tiercache.WithTTL(setTTL)); err != nil {
		return fmt.Errorf("set %q: %w", args[0], err)
	}
	if verbose {
		fmt.Printf("stored %q (%d bytes, ttl %s)\n", args[0], len(args[1]), setTTL)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	engine, closeAll, err := openEngine()
	if err != nil {
		return err
	}
	defer closeAll()

	if err := engine.Delete(context.Background(), args[0]); err != nil {
		return fmt.Errorf("delete %q: %w", args[0], err)
	}
	return nil
}
