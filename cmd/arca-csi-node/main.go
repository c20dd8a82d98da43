package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	arcacsi "github.com/akam1o/arca-storage/pkg/csi"
	"github.com/akam1o/arca-storage/pkg/csi/node"
	"github.com/akam1o/arca-storage/pkg/csi/node/mount"
	"github.com/akam1o/arca-storage/pkg/config"
	"github.com/akam1o/arca-storage/pkg/log"
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
	Use:     "arca-csi-node",
	Short:   "CSI Node plugin for the ARCA storage control plane",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("arca-csi-node version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.Flags().String("config", "", "Path to the node configuration file")
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

	cfg, err := config.LoadCSINodeConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading node config: %w", err)
	}

	logger := log.WithNodeID(cfg.NodeID)

	mounts, err := mount.New(cfg.BaseMountPath, cfg.StateFilePath)
	if err != nil {
		return fmt.Errorf("building mount manager: %w", err)
	}
	if err := mounts.Reconcile(); err != nil {
		logger.Error().Err(err).Msg("startup reconciliation failed")
	}

	server := node.New(cfg.NodeID, mounts)
	identity := arcacsi.NewIdentityServer()

	network, address := parseEndpoint(cfg.Endpoint)
	if network == "unix" {
		_ = os.Remove(address)
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Endpoint, err)
	}

	grpcServer := grpc.NewServer()
	csi.RegisterNodeServer(grpcServer, server)
	csi.RegisterIdentityServer(grpcServer, identity)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("endpoint", cfg.Endpoint).Msg("arca-csi-node started")
		if err := grpcServer.Serve(listener); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("grpc server error")
	}

	grpcServer.GracefulStop()
	logger.Info().Msg("shutdown complete")
	return nil
}

func parseEndpoint(endpoint string) (proto, addr string) {
	parts := strings.SplitN(endpoint, "://", 2)
	if len(parts) == 1 {
		return "tcp", endpoint
	}
	return parts[0], parts[1]
}
