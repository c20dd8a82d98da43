package main

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"k8s.io/client-go/kubernetes"
	k8srest "k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	arcacsi "github.com/akam1o/arca-storage/pkg/csi"
	"github.com/akam1o/arca-storage/pkg/csi/controller"
	"github.com/akam1o/arca-storage/pkg/csi/controller/ippool"
	"github.com/akam1o/arca-storage/pkg/csi/controller/lease"
	"github.com/akam1o/arca-storage/pkg/config"
	"github.com/akam1o/arca-storage/pkg/log"
	"github.com/akam1o/arca-storage/pkg/restclient"
	"github.com/akam1o/arca-storage/pkg/security"
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
	Use:     "arca-csi-controller",
	Short:   "CSI Controller for the ARCA storage control plane",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("arca-csi-controller version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.Flags().String("config", "", "Path to the controller configuration file")
	rootCmd.Flags().String("kubeconfig", "", "Path to a kubeconfig file (defaults to in-cluster config)")
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
	kubeconfigPath, _ := cmd.Flags().GetString("kubeconfig")

	cfg, err := config.LoadCSIControllerConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading controller config: %w", err)
	}

	logger := log.WithComponent("arca-csi-controller")

	timeout, err := time.ParseDuration(cfg.Arca.Timeout)
	if err != nil {
		timeout = 30 * time.Second
	}
	restCfg := restclient.Config{
		BaseURL:               cfg.Arca.BaseURL,
		Timeout:               timeout,
		AuthToken:             cfg.Arca.AuthToken,
		TLSInsecureSkipVerify: cfg.Arca.TLSInsecureSkipVerify,
	}
	if cfg.Arca.TLS.Enabled {
		clientCert, rootCAs, err := security.LoadComponentMTLS(cfg.Arca.TLS.ClusterID, cfg.Arca.TLS.CertDir, "csi-controller")
		if err != nil {
			return fmt.Errorf("loading csi-controller mTLS material: %w", err)
		}
		restCfg.TLSClientCert = clientCert
		restCfg.TLSRootCAs = rootCAs
	}
	restClient := restclient.New(restCfg)

	lister := ippool.NewRESTLister(restClient)
	allocator, err := ippool.New(cfg.Network.Pools, lister, func() uint32 { return rand.Uint32() })
	if err != nil {
		return fmt.Errorf("building ip allocator: %w", err)
	}

	kubeClient, err := buildKubeClient(kubeconfigPath)
	if err != nil {
		return fmt.Errorf("building kubernetes client: %w", err)
	}
	leases := lease.New(kubeClient, cfg.LeaseNamespace, "arca-csi-controller")

	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening controller metadata store: %w", err)
	}
	defer st.Close()

	server := controller.New(st, restClient, allocator, leases)
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
	csi.RegisterControllerServer(grpcServer, server)
	csi.RegisterIdentityServer(grpcServer, identity)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("endpoint", cfg.Endpoint).Msg("arca-csi-controller started")
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

// buildKubeClient resolves a Kubernetes clientset from an explicit
// kubeconfig path, falling back to in-cluster configuration the way a
// pod-deployed CSI Controller normally runs.
func buildKubeClient(kubeconfigPath string) (kubernetes.Interface, error) {
	var restCfg *k8srest.Config
	var err error
	if kubeconfigPath != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		restCfg, err = k8srest.InClusterConfig()
	}
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}

func parseEndpoint(endpoint string) (proto, addr string) {
	parts := strings.SplitN(endpoint, "://", 2)
	if len(parts) == 1 {
		return "tcp", endpoint
	}
	return parts[0], parts[1]
}
