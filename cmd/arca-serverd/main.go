package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/akam1o/arca-storage/pkg/arca"
	"github.com/akam1o/arca-storage/pkg/config"
	"github.com/akam1o/arca-storage/pkg/events"
	"github.com/akam1o/arca-storage/pkg/execrunner"
	"github.com/akam1o/arca-storage/pkg/exporter"
	"github.com/akam1o/arca-storage/pkg/ha"
	"github.com/akam1o/arca-storage/pkg/log"
	"github.com/akam1o/arca-storage/pkg/metrics"
	"github.com/akam1o/arca-storage/pkg/netns"
	"github.com/akam1o/arca-storage/pkg/restapi"
	"github.com/akam1o/arca-storage/pkg/security"
	"github.com/akam1o/arca-storage/pkg/storagestack"
	"github.com/akam1o/arca-storage/pkg/store"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "arca-serverd",
	Short:   "ARCA REST Server: the software-defined NFS storage control plane",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("arca-serverd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.Flags().String("config", "", "Path to the server configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading server config: %w", err)
	}

	logger := log.WithComponent("arca-serverd")

	runner := execrunner.New()
	stack := storagestack.NewLVMXFSStack(runner)
	isolator := netns.NewLinuxIsolator(runner)
	daemon := exporter.NewGaneshaDaemon(runner)

	layout := arca.Layout{
		ExportRoot:      cfg.Exporter.ExportRoot,
		ConfigDir:       cfg.Exporter.ConfigDir,
		VolumeGroup:     cfg.Storage.VolumeGroup,
		ThinPool:        cfg.Storage.ThinPool,
		ParentIf:        cfg.Storage.ParentIf,
		TemplateVersion: cfg.Exporter.TemplateVersion,
		Protocols:       string(cfg.Exporter.Protocols),
		MountdPort:      cfg.Exporter.MountdPort,
		NLMPort:         cfg.Exporter.NLMPort,
	}

	resources := arca.NewHAResources(stack, isolator, daemon, layout)
	host := ha.NewRaftResourceHost(resources)
	if err := host.Bootstrap(ha.Config{NodeID: cfg.NodeID, BindAddr: cfg.Raft.BindAddr, DataDir: cfg.RaftDir}); err != nil {
		return fmt.Errorf("bootstrapping ha resource host: %w", err)
	}

	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	eventBroker := events.NewBroker()
	eventBroker.Start()
	defer eventBroker.Stop()

	auditSub := eventBroker.Subscribe()
	defer eventBroker.Unsubscribe(auditSub)
	go func() {
		for evt := range auditSub {
			logger.Info().Str("event", string(evt.Type)).Str("message", evt.Message).Msg("audit")
		}
	}()

	orchestrator := arca.New(st, host, stack, isolator, daemon, layout).WithEvents(eventBroker)
	restServer := restapi.NewServer(orchestrator, cfg.AuthToken)

	httpServer := &http.Server{
		Addr:    cfg.REST.ListenAddr,
		Handler: restServer.Handler(),
	}

	if cfg.TLS.Enabled {
		if err := loadServerTLS(cfg.TLS, httpServer); err != nil {
			return fmt.Errorf("configuring mTLS: %w", err)
		}
	}

	collector := metrics.NewCollector(st, host)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("ha", true, "bootstrapped")
	metrics.RegisterComponent("rest", false, "initializing")

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.Handle("/health", metrics.HealthHandler())
	metricsMux.Handle("/ready", metrics.ReadyHandler())
	metricsMux.Handle("/live", metrics.LivenessHandler())
	metricsServer := &http.Server{Addr: cfg.REST.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go func() {
		var serveErr error
		if cfg.TLS.Enabled {
			serveErr = httpServer.ListenAndServeTLS("", "")
		} else {
			serveErr = httpServer.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- fmt.Errorf("rest server: %w", serveErr)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	metrics.RegisterComponent("rest", true, "ready")
	logger.Info().Str("rest_addr", cfg.REST.ListenAddr).Str("metrics_addr", cfg.REST.MetricsAddr).Msg("arca-serverd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	logger.Info().Msg("shutdown complete")
	return nil
}

// loadServerTLS initializes (or loads) the cluster CertAuthority under
// cfg.CertDir, issues a leaf certificate for the "rest-server"
// component, and installs both into httpServer.TLSConfig so the REST
// Server requires and verifies CSI Controller/Node client certs.
func loadServerTLS(cfg config.TLSConfig, httpServer *http.Server) error {
	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(cfg.ClusterID)); err != nil {
		return fmt.Errorf("setting cluster encryption key: %w", err)
	}

	ca := security.NewCertAuthority()
	if security.CertExists(cfg.CertDir) {
		if err := ca.LoadFromDir(cfg.CertDir); err != nil {
			return fmt.Errorf("loading cluster CA: %w", err)
		}
	} else {
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("initializing cluster CA: %w", err)
		}
		if err := ca.SaveToDir(cfg.CertDir); err != nil {
			return fmt.Errorf("saving cluster CA: %w", err)
		}
	}

	leafCert, err := ca.IssueComponentCertificate("rest-server", nil, nil)
	if err != nil {
		return fmt.Errorf("issuing rest-server certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(ca.GetRootCACert())
	if err != nil {
		return fmt.Errorf("parsing root CA certificate: %w", err)
	}
	clientCAs := x509.NewCertPool()
	clientCAs.AddCert(rootCert)

	httpServer.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{*leafCert},
		ClientCAs:    clientCAs,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	return nil
}
