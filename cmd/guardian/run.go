package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ligun0805/mempool-guardian/internal/log"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the mempool and answer threats until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runGuardian(ctx)
	},
}

func runGuardian(ctx context.Context) error {
	logger := log.NewLogger("guardian")
	key, err := promptKey(settings.SignerPrivateKeyHex)
	if err != nil {
		return err
	}
	settings.SignerPrivateKeyHex = key
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	g, err := buildGuardian(ctx, settings)
	if err != nil {
		return err
	}
	defer g.Close()
	settings.Print(os.Stderr, g.chainID, g.signer.Address())

	if err := g.pool.Initialize(ctx); err != nil {
		return fmt.Errorf("initial pool fill: %w", err)
	}
	base, _ := g.pool.BaseNonce()
	logger.Info().
		Int64("chain_id", g.chainID).
		Str("account", g.signer.Address().Hex()).
		Strs("assets", assetLabels(g.chainID, g.pool.Assets())).
		Uint64("base_nonce", base).
		Strs("channels", g.fanout.Channels()).
		Bool("bundles", g.engine.Available()).
		Bool("dry_run", settings.DryRun).
		Msg("guardian armed")

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.pool.Run(ectx, settings.PoolRefresh)
		return nil
	})
	eg.Go(func() error {
		g.feed.Run(ectx)
		return nil
	})
	eg.Go(func() error {
		return g.coord.Run(ectx, g.feed)
	})
	if settings.MetricsAddr != "" {
		eg.Go(func() error { return serveMetrics(ectx, settings.MetricsAddr) })
	}

	err = eg.Wait()
	st := g.coord.State().Stats()
	logger.Info().
		Uint64("detected", st.Detected).
		Uint64("duplicates", st.Duplicates).
		Uint64("responses", st.Responses).
		Interface("by_outcome", st.ByOutcome).
		Msg("guardian stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	logger := log.NewLogger("metrics")
	logger.Info().Str("addr", addr).Msg("serving /metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
