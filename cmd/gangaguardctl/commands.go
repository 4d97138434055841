package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/gangaguard/backend/internal/auth"
	"github.com/gangaguard/backend/internal/config"
	"github.com/gangaguard/backend/internal/repository/sqlite"
	"github.com/gangaguard/backend/internal/service"
)

// errDrift makes `audit` exit non-zero after printing its report.
var errDrift = errors.New("ledger drift detected")

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "gangaguardctl",
		Short:        "Operator tools for the GangaGuard backend",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a YAML config file (default ./config.yaml if present)")

	root.AddCommand(
		newResetCmd(opts),
		newAuditCmd(opts),
		newTokenCmd(opts),
		newHashAPIKeyCmd(),
	)
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.configFile)
}

// openLedger opens the configured database. The caller closes it.
func (o *rootOptions) openLedger(cmd *cobra.Command) (*service.LedgerService, func() error, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	return service.NewLedgerService(db.Rewards(), db, logger), db.Close, nil
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every user, incident and reward transaction",
		Long: `Delete every user, incident and reward transaction from the configured
database. Uploaded evidence files are left in place.

Examples:
  gangaguardctl reset --yes
  DB_PATH=/var/lib/gangaguard/prod.db gangaguardctl reset --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete data without --yes")
			}
			ledger, closeDB, err := opts.openLedger(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := ledger.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All users, incidents and reward transactions deleted.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check user totals and cleaned incidents against the reward ledger",
		Long: `Compare every user's points and cleaning count with the sum of their
reward transactions, and every CLEANED incident with its single CLEANING
entry. Prints the findings as JSON and exits non-zero on any drift.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, closeDB, err := opts.openLedger(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			audit, err := ledger.Audit(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(audit); err != nil {
				return err
			}
			if !audit.Clean() {
				return errDrift
			}
			return nil
		},
	}
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		id  auth.Identity
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for AUTH_MODE=hmac",
		Long: `Sign a token with AUTH_HMAC_SECRET for local development and tests.
Servers running with AUTH_MODE=firebase reject these tokens.

Examples:
  gangaguardctl token --uid dev-1 --email dev1@example.com
  gangaguardctl token --uid dev-2 --email dev2@example.com --name "Asha" --ttl 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokenService(cfg.AuthHMACSecret)
			if err != nil {
				return err
			}
			token, err := tokens.Generate(id, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&id.UID, "uid", "", "subject (required)")
	cmd.Flags().StringVar(&id.Email, "email", "", "email claim")
	cmd.Flags().StringVar(&id.Name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.MarkFlagRequired("uid")
	return cmd
}

func newHashAPIKeyCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-api-key <key>",
		Short: "Print the bcrypt hash to configure as ML_API_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashAPIKey(args[0], cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}
