package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sochet/internal/acceptor"
	"sochet/internal/admin"
	"sochet/internal/broadcast"
	"sochet/internal/config"
	"sochet/internal/httpapi"
	"sochet/internal/logging"
	"sochet/internal/metrics"
	"sochet/internal/policy"
	"sochet/internal/registry"
	"sochet/internal/store"
)

const (
	rateLimitMax      = 5
	rateLimitInterval = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sochetd",
		Short: "sochetd runs the chat server",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cfg := config.Defaults()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the TCP chat server and its observability sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfg)
		},
	}

	config.LoadEnvFile(".env")
	cfg = config.ApplyEnv(cfg)
	whitelistCSV := config.BindFlags(cmd.Flags(), &cfg)
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		config.ResolveFlags(&cfg, whitelistCSV)
		return nil
	}

	return cmd
}

func runServe(cfg config.Config) error {
	log := logging.New(os.Stdout, true)

	st, warnings := store.Open(cfg.DataDir)
	for _, w := range warnings {
		log.Warn().Err(w).Msg("store load warning")
	}

	reg := registry.New()
	mutes := policy.NewMuteTable()
	rates := policy.NewRateTable(rateLimitMax, rateLimitInterval)
	col := metrics.New()

	bc := &broadcast.Broadcaster{
		Registry: reg,
		Store:    st,
		Log:      log,
	}

	adm := &admin.Engine{
		Store:     st,
		Registry:  reg,
		Broadcast: bc,
		Mutes:     mutes,
		RateTable: rates,
		Metrics:   col,
	}
	col.BannedUsers.Set(float64(st.BanCount()))

	acc := acceptor.New(cfg, st, reg, bc, mutes, rates, adm, col, log)
	bc.Remover = acc

	httpSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: httpapi.NewRouter(reg, col),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("sidecar http server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received")
		_ = httpSrv.Close()
		if err := acc.Shutdown(); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	if err := acc.Serve(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
