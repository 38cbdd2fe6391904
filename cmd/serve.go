package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
	ctrl "sigs.k8s.io/controller-runtime"

	"stackpilot/internal/agent"
	"stackpilot/internal/api"
	"stackpilot/internal/catalog"
	"stackpilot/internal/cluster"
	"stackpilot/internal/config"
	"stackpilot/internal/dependency"
	"stackpilot/internal/deploy"
	"stackpilot/internal/httpapi"
	"stackpilot/internal/reconciler"
	"stackpilot/internal/stack"
	"stackpilot/pkg/logging"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the stackpilot orchestrator",
	Long: `Starts the orchestrator: the catalog, the deployer, the status
reconciler, the UI-facing REST API, and the agent-facing MCP server.

The cluster connection is discovered the usual way (KUBECONFIG,
in-cluster service account, or ~/.kube/config).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	logging.Init(logging.ParseLevel(cfg.LogLevel), os.Stderr)
	logging.Info("Serve", "Starting stackpilot %s", rootCmd.Version)

	catalogStore, err := catalog.NewStore(cfg.CatalogDir)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	if err := catalogStore.Watch(); err != nil {
		return fmt.Errorf("watching catalog: %w", err)
	}
	defer catalogStore.Close()

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("discovering cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("creating cluster client: %w", err)
	}
	metrics, err := metricsclient.NewForConfig(restConfig)
	if err != nil {
		logging.Warn("Serve", "Metrics client unavailable, usage stats disabled: %v", err)
		metrics = nil
	}

	clusterClient := cluster.NewKubernetes(clientset, cfg.Namespace)
	stats := cluster.NewAggregator(clientset, metrics)
	stackStore := stack.NewStore()

	rec := reconciler.New(stackStore, clusterClient, reconciler.Options{
		PollInterval: cfg.PollInterval.Duration,
		NodeTimeout:  cfg.NodeTimeout.Duration,
		RetryBudget:  cfg.RetryBudget,
	})
	deployer := deploy.New(catalogStore, dependency.NewBuilder(catalogStore),
		stackStore, clusterClient, rec, deploy.DefaultOptions())

	charts := catalog.NewHelmFinder(cfg.ChartRepoURL)
	router := agent.NewRouter(deployer, catalogStore, rec, stackStore,
		clusterClient, charts, cfg.ConfirmationTTL.Duration)

	httpServer := httpapi.NewServer(httpapi.Config{
		Addr:        cfg.HTTPAddr,
		Sessions:    httpapi.NewStaticSessions(cfg.Sessions),
		Deployer:    deployer,
		Status:      rec,
		Stats:       stats,
		Catalog:     catalogStore,
		Store:       stackStore,
		PollSeconds: int(cfg.PollInterval.Duration / time.Second),
	})

	mcp := agent.NewMCPServer(router, agentIdentity(cfg), rootCmd.Version)
	mcpHTTP := mcpserver.NewStreamableHTTPServer(mcp)

	errs := make(chan error, 2)
	go func() { errs <- httpServer.Start() }()
	go func() {
		logging.Info("Serve", "MCP server listening on %s", cfg.MCPAddr)
		errs <- mcpHTTP.Start(cfg.MCPAddr)
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logging.Info("Serve", "Shutting down")
	case err := <-errs:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Serve", "HTTP shutdown: %v", err)
	}
	if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Serve", "MCP shutdown: %v", err)
	}
	return nil
}

// agentIdentity picks the identity the MCP surface acts as: the first
// operator-capable configured session, or a local default for
// single-user setups.
func agentIdentity(cfg config.Config) api.RequestContext {
	for _, s := range cfg.Sessions {
		rctx := api.RequestContext{UserID: s.UserID, TenantID: s.TenantID, Role: api.Role(s.Role)}
		if rctx.Valid() && rctx.CanMutate() {
			return rctx
		}
	}
	return api.RequestContext{UserID: "local-agent", TenantID: "default", Role: api.RoleOperator}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultPath(), "Path to the configuration file")
}
