package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/concave/core/internal/kv"
	"github.com/concave/core/internal/logging"
	"github.com/spf13/cobra"
)

// connectStore dials the KV backend named by the command's persistent flags.
// The memory mode exists mainly for demos against a server running in the
// same process; against a real deployment --kv-mode=redis is what matters.
func connectStore(ctx context.Context, cmd *cobra.Command) (kv.Store, io.Closer, error) {
	mode, _ := cmd.Flags().GetString("kv-mode")
	switch strings.ToLower(mode) {
	case "redis":
		addr, _ := cmd.Flags().GetString("kv-addr")
		password, _ := cmd.Flags().GetString("kv-password")
		store, err := kv.NewRedisStore(ctx, addr, password)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case "memory":
		store := kv.NewMemStore()
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown --kv-mode %q, want redis or memory", mode)
	}
}

func keyPrefix(cmd *cobra.Command) string {
	prefix, _ := cmd.Flags().GetString("kv-prefix")
	return prefix
}

func cliLogger(cmd *cobra.Command) *logging.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return logging.New(logging.Config{Level: level, Output: os.Stderr})
}
