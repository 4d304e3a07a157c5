package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cowork-dev/cowork/internal/approval"
	"github.com/cowork-dev/cowork/internal/config"
	"github.com/cowork-dev/cowork/internal/logging"
	"github.com/cowork-dev/cowork/internal/lsp"
	"github.com/cowork-dev/cowork/internal/manager"
	"github.com/cowork-dev/cowork/internal/mcp"
	"github.com/cowork-dev/cowork/internal/persistence"
	"github.com/cowork-dev/cowork/internal/provider"
	"github.com/cowork-dev/cowork/internal/server"
	"github.com/cowork-dev/cowork/internal/session"
	"github.com/cowork-dev/cowork/internal/sharing"
	"github.com/cowork-dev/cowork/internal/storage"
	"github.com/cowork-dev/cowork/internal/tool"
	"github.com/spf13/cobra"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start headless cowork server",
	Long: `Start cowork as a headless server that exposes an HTTP API.

This is useful for integrating cowork with other tools or running
it in a server environment.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "127.0.0.1", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Determine working directory
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().
		Str("version", Version).
		Msg("Starting cowork server")
	logging.Info().
		Str("directory", workDir).
		Msg("Working directory")

	// Initialize paths
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	// Load configuration
	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}

	// Override model if specified via global flag
	if model := GetGlobalModel(); model != "" {
		appConfig.Model = model
	}

	// Initialize storage
	store := storage.New(paths.StoragePath())

	// Initialize providers
	ctx := context.Background()
	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to initialize some providers")
	}

	// Initialize tool registry
	toolReg := tool.DefaultRegistry(workDir, store)

	// Connect configured MCP servers and register their tools alongside the
	// built-in set before any session is created, so every lazily created
	// session sees the full registry from its first turn.
	mcpClient := mcp.NewClient()
	for name, cfg := range appConfig.MCP {
		if cfg.Enabled != nil && !*cfg.Enabled {
			continue
		}
		mcpCfg := &mcp.Config{
			Enabled:     true,
			Type:        mcp.TransportType(cfg.Type),
			URL:         cfg.URL,
			Headers:     cfg.Headers,
			Command:     cfg.Command,
			Environment: cfg.Environment,
			Timeout:     cfg.Timeout,
		}
		if err := mcpClient.AddServer(ctx, name, mcpCfg); err != nil {
			logging.Warn().Err(err).Str("server", name).Msg("Failed to connect MCP server")
		}
	}
	mcp.RegisterMCPTools(mcpClient, toolReg)
	logging.Info().Int("mcpToolCount", len(mcpClient.Tools())).Msg("Registered MCP tools in tool registry")

	defaultModel, err := providerReg.DefaultModel()
	if err != nil {
		return fmt.Errorf("resolve default model: %w", err)
	}
	defaultProvider, err := providerReg.Get(defaultModel.ProviderID)
	if err != nil {
		return fmt.Errorf("resolve default provider %q: %w", defaultModel.ProviderID, err)
	}
	policy := approval.NewFromPreset(approval.PresetStandard)

	factory := func(sessionID string) (session.Config, error) {
		return session.Config{
			WorkDir:        workDir,
			ProviderID:     defaultModel.ProviderID,
			ModelID:        defaultModel.ID,
			Provider:       defaultProvider,
			Tools:          toolReg,
			Policy:         policy,
			ParallelDegree: 4,
		}, nil
	}
	mgr := manager.New(ctx, factory)
	defer mgr.Close()

	persist := persistence.New(paths.Data)
	shareMgr := sharing.NewManager("")
	lspDisabled := appConfig.LSP != nil && appConfig.LSP.Disabled
	lspClient := lsp.NewClient(workDir, lspDisabled)

	// Configure server
	serverConfig := server.DefaultConfig()
	serverConfig.Port = servePort
	serverConfig.Directory = workDir

	// Create server
	srv := server.New(serverConfig, mgr, persist, shareMgr, lspClient)

	// Start server in goroutine
	go func() {
		logging.Info().
			Str("hostname", serveHostname).
			Int("port", servePort).
			Str("url", fmt.Sprintf("http://%s:%d", serveHostname, servePort)).
			Msg("Server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("Server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("Shutting down server...")

	// Close MCP servers
	if err := mcpClient.Close(); err != nil {
		logging.Warn().Err(err).Msg("Error closing MCP servers")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Server shutdown error")
	}

	logging.Info().Msg("Server stopped")
	return nil
}
