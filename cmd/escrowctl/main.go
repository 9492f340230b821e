// Command escrowctl is the operator CLI for the escrow ledger: schema migrations, one-off
// reconciliation passes, payment inspection and development tokens.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skillmatch/backend/internal/auth"
	"github.com/skillmatch/backend/internal/config"
	"github.com/skillmatch/backend/internal/db"
	"github.com/skillmatch/backend/internal/escrow"
	"github.com/skillmatch/backend/internal/gateway"
	"github.com/skillmatch/backend/internal/ledger"
	"github.com/skillmatch/backend/internal/models"
	"github.com/skillmatch/backend/internal/workers"
)

var v = viper.New()

func main() {
	root := newRootCmd(os.Stdout)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operate the mission escrow ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("database-url", "", "Postgres connection string (env DATABASE_URL)")
	root.PersistentFlags().Bool("json", false, "output JSON")
	_ = v.BindPFlag(config.KeyDatabaseURL, root.PersistentFlags().Lookup("database-url"))
	_ = v.BindPFlag("json", root.PersistentFlags().Lookup("json"))

	root.SetOut(out)
	root.AddCommand(migrateCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(paymentCmd())
	root.AddCommand(tokenCmd())
	return root
}

func logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func loadConfig() (*config.Config, error) {
	config.SetDefaults(v)
	return config.Load(v)
}

func withPool(ctx context.Context, fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply River and ledger migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				if err := db.Migrate(ctx, pool, logger()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var staleAfter time.Duration
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the payment processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				if cfg.StripeSecretKey == "" {
					return fmt.Errorf("%s is required", config.KeyStripeSecretKey)
				}
				if staleAfter <= 0 {
					staleAfter = cfg.ReconcileStaleAfter
				}
				// Insert-only client: voids it schedules are worked by the API process.
				riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
				if err != nil {
					return fmt.Errorf("create river client: %w", err)
				}
				log := logger()
				svc := escrow.NewService(pool, ledger.NewRepository(pool),
					gateway.NewStripe(gateway.StripeConfig{SecretKey: cfg.StripeSecretKey, Logger: log}),
					func(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID) error {
						_, err := riverClient.InsertTx(ctx, tx, workers.VoidHoldArgs{PaymentID: paymentID}, nil)
						return err
					},
					escrow.Config{GatewayTimeout: cfg.GatewayTimeout, Logger: log},
				)
				report, err := svc.Reconcile(ctx, staleAfter, limit)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"Checked", "Applied", "Failed"})
				tw.AppendRow(table.Row{report.Checked, report.Applied, report.Failed})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "only payments untouched for this long (default RECONCILE_STALE_AFTER)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum payments to check")
	return cmd
}

func paymentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "payment", Short: "Inspect payments"}
	cmd.AddCommand(paymentShowCmd())
	cmd.AddCommand(paymentPendingCmd())
	return cmd
}

func paymentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <payment-id|external-id>",
		Short: "Show one payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				repo := ledger.NewRepository(pool)
				p, err := findPayment(ctx, repo, args[0])
				if errors.Is(err, ledger.ErrNotFound) {
					return fmt.Errorf("payment %q not found", args[0])
				}
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), p)
				}
				renderPayments(cmd.OutOrStdout(), []*models.Payment{p})
				return nil
			})
		},
	}
}

func paymentPendingCmd() *cobra.Command {
	var staleAfter time.Duration
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List payments the reconciler would look at",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				payments, err := ledger.NewRepository(pool).ListUnsettledPayments(ctx, time.Now().UTC().Add(-staleAfter), limit)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), payments)
				}
				renderPayments(cmd.OutOrStdout(), payments)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "only payments untouched for this long")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

type paymentFinder interface {
	PaymentByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	PaymentByExternalID(ctx context.Context, externalID string) (*models.Payment, error)
	PaymentByCheckoutSession(ctx context.Context, sessionID string) (*models.Payment, error)
}

// findPayment accepts a ledger id, a processor transaction id or a checkout session id.
func findPayment(ctx context.Context, repo paymentFinder, ref string) (*models.Payment, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return repo.PaymentByID(ctx, id)
	}
	if strings.HasPrefix(ref, "cs_") {
		return repo.PaymentByCheckoutSession(ctx, ref)
	}
	return repo.PaymentByExternalID(ctx, ref)
}

func renderPayments(out io.Writer, payments []*models.Payment) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"ID", "Mission", "Amount", "Status", "Escrow", "External ID", "Updated"})
	for _, p := range payments {
		tw.AppendRow(table.Row{
			p.ID, p.MissionID, p.Amount.StringFixed(2) + " " + strings.ToUpper(p.Currency),
			p.Status, p.EscrowStatus, p.ExternalTransactionID, p.UpdatedAt.Format(time.RFC3339),
		})
	}
	tw.Render()
}

func tokenCmd() *cobra.Command {
	var userID, email string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("%s is required", config.KeyJWTSecret)
			}
			id, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("--user: %w", err)
			}
			tok, err := auth.NewService(cfg.JWTSecret).IssueToken(id, email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (uuid)")
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printJSON(out io.Writer, val any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(val)
}
