// Command nilotic-node runs a single permissioned ledger node: HTTP/JSON
// API, PoW mining, PoS attestation, PoRC engine, and peer networking.
// Flags and environment variables are parsed with cobra/viper and bound
// to a Config before anything else is constructed.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	nodeconfig "github.com/nilotic/ledger/internal/config"

	"github.com/nilotic/ledger/internal/api"
	"github.com/nilotic/ledger/internal/metrics"
	"github.com/nilotic/ledger/internal/nlog"
	"github.com/nilotic/ledger/internal/node"
	"github.com/nilotic/ledger/internal/persistence"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "nilotic-node",
		Short: "Run a permissioned ledger node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	if err := nodeconfig.BindFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}

	return cmd
}

func run(v *viper.Viper) error {
	cfg, err := nodeconfig.Load(v)
	if err != nil {
		return err
	}

	log := nlog.New(cfg.Debug)
	logEntry := nlog.Component(log, "main")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data-dir: %w", err)
	}
	store, err := persistence.Open(cfg.DataDir + "/state.db")
	if err != nil {
		return err
	}
	defer store.Close()

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	n, err := node.New(cfg, log, store, reg)
	if err != nil {
		return err
	}

	n.Start(cfg.MinerAddress)

	for _, peer := range cfg.Peers {
		peer := peer
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := n.Hub.Dial(ctx, peer); err != nil {
				logEntry.WithError(err).WithField("peer", peer).Warn("failed to connect to bootstrap peer")
			}
		}()
	}

	router := api.NewRouter(n)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logEntry.WithField("port", cfg.Port).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case <-sigCh:
		logEntry.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logEntry.WithError(err).Warn("http server shutdown error")
	}

	if err := n.Stop(); err != nil {
		logEntry.WithError(err).Error("final snapshot failed")
		return err
	}

	logEntry.Info("clean shutdown complete")
	return nil
}
