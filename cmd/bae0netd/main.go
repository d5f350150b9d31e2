package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ventosilenzioso/bae0net/internal/admission"
	"github.com/ventosilenzioso/bae0net/internal/config"
	"github.com/ventosilenzioso/bae0net/internal/integrity"
	"github.com/ventosilenzioso/bae0net/internal/logging"
	"github.com/ventosilenzioso/bae0net/internal/metrics"
	"github.com/ventosilenzioso/bae0net/internal/qos"
	"github.com/ventosilenzioso/bae0net/internal/transport"
)

// version is stamped by the release pipeline; "dev" covers local builds.
var version = "dev"

func main() {
	var configFile string

	root := &cobra.Command{
		Use:   "bae0netd",
		Short: "bae0net reliability transport daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}
	root.Flags().StringVarP(&configFile, "config", "c", "", "path to a config file (optional; env vars and defaults still apply)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	if err := logging.Configure(cfg.LogLevel, cfg.LogFile); err != nil {
		return err
	}
	logging.Section("bae0netd " + version + " starting")

	catalog := qos.NewCatalogWithFragmentSize(cfg.FragmentSize)

	gate := admission.NewGate(admission.Config{
		MaxPacketSize: cfg.MaxPacketSize,

		RatePerSecond:     cfg.MaxPacketsPerSecond,
		PacketBurstLimit:  cfg.PacketBurstLimit,
		PacketBurstWindow: cfg.PacketBurstWindow,

		ConnectionBurstLimit:  cfg.ConnectionBurstLimit,
		ConnectionBurstWindow: cfg.ConnectionBurstWindow,
		MaxConnectionsPerIP:   cfg.MaxConnectionsPerIP,

		MaxPacketQueueSize:      cfg.MaxPacketQueueSize,
		MaxPacketProcessingTime: cfg.MaxPacketProcessingTime,

		BaseBan:                cfg.BanDuration,
		RecentlyUnbannedWindow: cfg.ConnectionCooldown,
	})

	verifier := integrity.NewVerifier([]byte(cfg.IntegritySecret))
	var hwid integrity.HWIDGate = integrity.AllowAllGate{}
	if cfg.EnableHWIDBan {
		// No external anti-cheat backend is wired up yet; AllowAllGate
		// still stands in as upstream, but the cache now holds a verdict
		// for hwidBanDuration instead of the library default, so a real
		// upstream swapped in later bans for exactly as long as
		// configured. allowVirtualMachine has no effect until an
		// upstream that can actually detect a VM is plugged in here.
		hwid = integrity.NewCachedGateWithTTL(integrity.AllowAllGate{}, cfg.HWIDBanDuration)
	}

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)
	serveMetrics(cfg.MetricsListenAddr)

	d := transport.New(transport.Config{
		ListenAddr:            cfg.ListenAddr(),
		TickInterval:          cfg.TickInterval,
		CleanupInterval:       cfg.CleanupInterval,
		ConnectionIdleTimeout: cfg.ConnectionTimeout,
		KeepAliveInterval:     cfg.KeepAliveInterval,
		MaxIntegrityFailures:  cfg.MaxIntegrityFailures,
	}, gate, verifier, hwid, catalog, reg, applicationHandler)

	if err := d.Start(); err != nil {
		return err
	}
	logging.Info("dispatcher listening", logging.Fields{"addr": cfg.ListenAddr()})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logging.Warn("received shutdown signal", logging.Fields{"signal": sig.String()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		logging.Error("shutdown did not complete cleanly", logging.Fields{"error": err.Error()})
		return err
	}
	logging.Section("bae0netd stopped")
	return nil
}

// applicationHandler is the placeholder sink for payloads that clear
// reassembly and ordering. A real deployment replaces this with game
// or application logic; the daemon binary only needs to prove the
// transport delivers.
func applicationHandler(remoteAddr string, payload []byte) {
	logging.Debug("payload delivered", logging.Fields{"remote": remoteAddr, "bytes": len(payload)})
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("metrics server stopped", logging.Fields{"error": err.Error()})
		}
	}()
}
