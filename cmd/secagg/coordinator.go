package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/flashbots/secagg/api/httpserver"
	"github.com/flashbots/secagg/cmd/common"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/metrics"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/services"
	"github.com/flashbots/secagg/transport/tcp"
	"github.com/spf13/cobra"
)

func newCoordinatorCmd() *cobra.Command {
	var (
		configPath  string
		listenAddr  string
		httpAddr    string
		metricsAddr string
		logLevel    string
		openRound   bool
	)

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run a round coordinator",
		Long:  "Accept participant connections over TCP, run aggregation rounds and serve the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := common.LoadCoordinatorConfig(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Transport.ListenAddr = listenAddr
			}
			if flags.Changed("http-addr") {
				cfg.HTTPAddr = httpAddr
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			return runCoordinator(cmd.Context(), cfg, openRound, cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to YAML config file")
	flags.StringVar(&listenAddr, "listen", ":7000", "TCP address for participant connections")
	flags.StringVar(&httpAddr, "http-addr", ":8080", "Admin API and health endpoint address")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Prometheus metrics address (disabled when empty)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.BoolVar(&openRound, "open-round", false, "Open one round from round_defaults at startup")
	return cmd
}

func runCoordinator(ctx context.Context, cfg *common.CoordinatorConfig, openRound bool, logOut io.Writer) error {
	log, err := common.NewLogger(cfg.Log, logOut)
	if err != nil {
		return err
	}

	metricsSrv, err := metrics.New(httpserver.DefaultMetricsNamespace, cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	transport, err := tcp.Listen(tcp.ServerConfig{
		Addr:             cfg.Transport.ListenAddr,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		WriteTimeout:     cfg.Transport.WriteTimeout,
		Log:              log.With("component", "transport"),
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	coordinator := protocol.NewCoordinator(protocol.CoordinatorConfig{
		OnResult: func(r *protocol.AggregationResult) {
			log.Info("aggregate published", "round", r.RoundID, "contributors", r.ContributorCount,
				"recovered", len(r.RecoveredParticipantIDs))
		},
	}, transport, crypto.NewProvider(), metricsSrv.Rounds(), log.With("component", "coordinator"))
	defer coordinator.Close()

	admin := services.NewAdminAPI(coordinator, services.AdminConfig{}, log.With("component", "admin"))
	httpSrv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.HTTPAddr,
		MetricsAddr:              cfg.MetricsAddr,
		Metrics:                  metricsSrv,
		EnablePprof:              cfg.EnablePprof,
		Log:                      log,
		DrainDuration:            cfg.DrainDuration,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             15 * time.Second,
	}, admin)
	if err != nil {
		return err
	}
	httpSrv.RunInBackground()

	log.Info("coordinator running", "transport", transport.Addr().String(), "http", cfg.HTTPAddr)

	if openRound {
		id, err := coordinator.OpenRound(cfg.RoundDefaults.RoundConfig())
		if err != nil {
			httpSrv.Shutdown()
			return fmt.Errorf("open round: %w", err)
		}
		log.Info("opened round from defaults", "round", id)
	}

	<-ctx.Done()
	log.Info("shutting down coordinator")
	httpSrv.Shutdown()
	return nil
}
