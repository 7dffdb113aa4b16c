package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rcourtman/checkout-provisioner/internal/config"
	"github.com/rcourtman/checkout-provisioner/internal/idempotency"
	"github.com/rcourtman/checkout-provisioner/internal/logging"
	"github.com/rcourtman/checkout-provisioner/internal/server"
	"github.com/rcourtman/checkout-provisioner/internal/store"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "provisioner",
		Short:   "Provision accounts from payment processor checkout webhooks",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCmd(), newMigrateCmd(), newLedgerCmd(), newVersionCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Schema is up to date (%s)\n", db.Driver())
			return nil
		},
	}
}

func newLedgerCmd() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the idempotency ledger",
	}
	ledgerCmd.AddCommand(&cobra.Command{
		Use:   "show <event-id>",
		Short: "Show the ledger entry and provisioning record for an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			return showLedgerEntry(cmd.Context(), cmd.OutOrStdout(), db, args[0])
		},
	})
	return ledgerCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "provisioner %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	// Baseline logger for early startup errors.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "provisioner"})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "provisioner"})
	return server.Run(ctx, cfg, Version)
}

func openStore(ctx context.Context) (*store.DB, error) {
	cfg, err := config.LoadStore()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "provisioner"})
	return store.Open(ctx, store.Options{Driver: cfg.StoreDriver, DSN: cfg.StoreDSN, Dir: cfg.SQLiteDir()})
}

type ledgerView struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	FirstSeenAt string          `json:"first_seen_at"`
	ReservedAt  string          `json:"reserved_at,omitempty"`
	Attempts    int             `json:"attempts"`
	Checkpoint  json.RawMessage `json:"checkpoint,omitempty"`
	Outcome     json.RawMessage `json:"outcome,omitempty"`
	CompletedAt string          `json:"completed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Record      any             `json:"record,omitempty"`
}

func showLedgerEntry(ctx context.Context, out io.Writer, db *store.DB, eventID string) error {
	entry, err := db.Ledger().Get(ctx, eventID)
	if errors.Is(err, idempotency.ErrNotFound) {
		return fmt.Errorf("no ledger entry for event %s", eventID)
	}
	if err != nil {
		return err
	}
	record, err := db.Records().GetByEventID(ctx, eventID)
	if err != nil {
		return err
	}

	view := ledgerView{
		EventID:     entry.EventID,
		EventType:   entry.EventType,
		FirstSeenAt: entry.FirstSeenAt.Format(timeLayout),
		Attempts:    entry.Attempts,
		Checkpoint:  entry.Checkpoint,
		Outcome:     entry.Outcome,
		LastError:   entry.LastError,
	}
	if entry.ReservedAt != nil {
		view.ReservedAt = entry.ReservedAt.Format(timeLayout)
	}
	if entry.CompletedAt != nil {
		view.CompletedAt = entry.CompletedAt.Format(timeLayout)
	}
	if record != nil {
		view.Record = record
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
