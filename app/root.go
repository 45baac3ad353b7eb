// Package app assembles the attestd command tree: the long-running service,
// schema migrations, and principal bootstrap.
package app

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trufnetwork/attestd/cmd/version"
	"github.com/trufnetwork/attestd/internal/api"
	"github.com/trufnetwork/attestd/internal/batcher"
	"github.com/trufnetwork/attestd/internal/billing"
	"github.com/trufnetwork/attestd/internal/config"
	"github.com/trufnetwork/attestd/internal/coordinator"
	"github.com/trufnetwork/attestd/internal/envelope"
	"github.com/trufnetwork/attestd/internal/ledger"
	"github.com/trufnetwork/attestd/internal/metrics"
	"github.com/trufnetwork/attestd/internal/signer"
	"github.com/trufnetwork/attestd/internal/store"
	"github.com/trufnetwork/attestd/internal/types"
)

// RootCmd creates the attestd root command.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "attestd",
		Short:         "Attestation service: evaluate rules, issue signed proofs, anchor Merkle batches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(startCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(principalCmd())
	cmd.AddCommand(version.NewVersionCmd())
	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the attestation service until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, zap.L().Named("attestd"))
		},
	}
}

// run wires every component and blocks until ctx is cancelled or the HTTP
// server fails.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, err := store.Open(ctx, cfg.PostgresDSN, logger.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	// Absent keys run the service read-only; a present-but-broken key is a
	// configuration mistake and refuses to start.
	var sgn *signer.Signer
	var ciph *envelope.Cipher
	switch {
	case cfg.IssuanceConfigured():
		if sgn, err = signer.New(cfg.SigningKey); err != nil {
			return errors.Wrap(err, "ATTESTD_SIGNING_KEY")
		}
		defer sgn.Zero()
		if ciph, err = envelope.NewFromHex(cfg.EnvelopeKey); err != nil {
			return errors.Wrap(err, "ATTESTD_ENVELOPE_KEY")
		}
		logger.Info("issuance enabled", zap.String("signer", sgn.Address().Hex()))
	case cfg.SigningKey != "" || cfg.EnvelopeKey != "":
		logger.Warn("only one of ATTESTD_SIGNING_KEY and ATTESTD_ENVELOPE_KEY is set; issuance disabled")
	default:
		logger.Warn("signing keys not configured; running in read-only degraded mode")
	}

	rec := metrics.NewRecorder(logger.Named("metrics"))
	coord := coordinator.New(st, sgn, ciph, cfg.VerifyBaseURL, rec, logger.Named("coordinator"))

	var led ledger.Ledger = ledger.Nop{}
	if cfg.LedgerConfigured() {
		if led, err = ledger.NewEVM(cfg.LedgerRPC, cfg.LedgerContract, cfg.LedgerKey, cfg.LedgerChainID, logger.Named("ledger")); err != nil {
			return err
		}
	} else {
		logger.Info("ledger not configured; batches commit without anchoring")
	}

	b := batcher.New(st, led, cfg.BatchMaxLeaves, cfg.BatchTimeout, rec, logger.Named("batcher"))
	sched := batcher.NewScheduler(b, logger.Named("scheduler"))
	if err := sched.Start(ctx, cfg.BatchSchedule); err != nil {
		return err
	}
	defer sched.Stop()

	srv := api.New(api.Config{
		Listen:    cfg.Listen,
		RateRPS:   cfg.RateRPS,
		RateBurst: cfg.RateBurst,
	}, st, coord, rec, logger.Named("api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	return g.Wait()
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := zap.L().Named("migrate")
			st, err := store.Open(cmd.Context(), cfg.PostgresDSN, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("schema is up to date")
			return nil
		},
	}
}

func principalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "principal",
		Short: "Manage principal accounts",
	}
	cmd.AddCommand(principalCreateCmd())
	return cmd
}

// principalCreateCmd is the bootstrap path: it provisions an account and
// prints the management key. The key is shown exactly once; only its hash
// is stored.
func principalCreateCmd() *cobra.Command {
	var name, tier string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a principal and print its one-time management key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name = strings.TrimSpace(name)
			if name == "" {
				return errors.New("--name is required")
			}
			if _, err := billing.PlanFor(types.Tier(tier)); err != nil {
				return errors.Errorf("unknown tier %q (expected free, builder, or pro)", tier)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.PostgresDSN, zap.L().Named("principal"))
			if err != nil {
				return err
			}
			defer st.Close()

			key, err := api.NewPrincipalKey()
			if err != nil {
				return err
			}
			p := &types.Principal{
				ID:        uuid.New(),
				Name:      name,
				Tier:      types.Tier(tier),
				State:     types.PrincipalActive,
				CreatedAt: time.Now().UTC(),
			}
			if err := st.CreatePrincipal(cmd.Context(), p, api.HashKey(key)); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "principal_id: %s\n", p.ID)
			fmt.Fprintf(out, "tier:         %s\n", p.Tier)
			fmt.Fprintf(out, "api_key:      %s\n", key)
			fmt.Fprintln(out, "store the api_key now; only its hash is kept")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "principal name")
	cmd.Flags().StringVar(&tier, "tier", string(types.TierFree), "billing tier: free, builder, or pro")
	return cmd
}
