// ABOUTME: Entry point for the toolgate tool gateway
// ABOUTME: Serves HTTP and MCP, and manages API keys from the command line

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _              _             _
 | |_ ___   ___ | | __ _  __ _| |_ ___
 | __/ _ \ / _ \| |/ _' |/ _' | __/ _ \
 | || (_) | (_) | | (_| | (_| | ||  __/
  \__\___/ \___/|_|\__, |\__,_|\__\___|
                   |___/
`

// APIKeyEnv authenticates the stdio MCP server.
const APIKeyEnv = "TOOLGATE_API_KEY"

// getConfigPath returns the path to the config file.
// Priority: --config flag > TOOLGATE_CONFIG env var > XDG_CONFIG_HOME/toolgate/config.yaml
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("TOOLGATE_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(xdg.ConfigHome, "toolgate", "config.yaml")
}

// getDataPath returns the toolgate data directory under XDG_DATA_HOME.
func getDataPath() string {
	return filepath.Join(xdg.DataHome, "toolgate")
}

// loadConfig reads the config file. A missing file at the default location
// yields the built-in defaults with the database under the data directory.
func loadConfig(flagValue string) (*config.Config, string, error) {
	path := getConfigPath(flagValue)
	explicit := flagValue != "" || os.Getenv("TOOLGATE_CONFIG") != ""

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		cfg := config.Default()
		cfg.Database.Path = filepath.Join(getDataPath(), "toolgate.db")
		return cfg, "(defaults)", nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "toolgate",
		Short:         "Permission-checked tool gateway for chat platforms",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $TOOLGATE_CONFIG or the XDG config dir)")

	root.AddCommand(
		newServeCmd(&configPath),
		newMCPCmd(&configPath),
		newGenerateKeyCmd(&configPath),
		newRevokeKeyCmd(&configPath),
		newKeysCmd(&configPath),
		newAdminTokenCmd(&configPath),
		newAuditCmd(&configPath),
		newHealthCmd(&configPath),
		newToolsCmd(&configPath),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configFlag string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(configFlag)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Executor:  %s\n", cfg.Executor.Type)
	green.Print("    ▶ ")
	fmt.Printf("Limit:     %d per %s\n", cfg.RateLimit.Requests, cfg.RateLimit.Window)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.AdminJWTSecret == "" {
		yellow.Println("    ! key issuance is open (auth.admin_jwt_secret not set)")
	}

	fmt.Println()

	logger.Info("starting toolgate",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"executor", cfg.Executor.Type,
	)

	srv, err := server.New(ctx, cfg, server.Options{Version: version, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}

func newMCPCmd(configPath *string) *cobra.Command {
	var apiKey string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tools over MCP stdio",
		Long:  "Serve the tools over MCP stdio. The API key comes from --api-key or " + APIKeyEnv + ".",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				apiKey = os.Getenv(APIKeyEnv)
			}
			if apiKey == "" {
				return fmt.Errorf("api key required: pass --api-key or set %s", APIKeyEnv)
			}
			return runMCP(cmd.Context(), *configPath, apiKey)
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key the session runs as")
	return cmd
}

func runMCP(ctx context.Context, configFlag, apiKey string) error {
	cfg, _, err := loadConfig(configFlag)
	if err != nil {
		return err
	}

	// Stdout carries the protocol.
	logger := setupLogger(cfg.Logging, os.Stderr)

	srv, err := server.New(ctx, cfg, server.Options{Version: version, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer srv.Close()

	stdio, err := mcp.NewStdioServer(ctx, srv.Gateway(), apiKey, version, logger)
	if err != nil {
		return err
	}
	return mcp.ServeStdio(ctx, stdio, logger)
}

func newHealthCmd(configPath *string) *cobra.Command {
	var ready bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server's health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			path := "/health"
			if ready {
				path = "/ready"
			}
			return runHealth(cmd.Context(), cmd.OutOrStdout(), "http://"+cfg.Server.HTTPAddr+path)
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "also check the executor's upstream")
	return cmd
}

func runHealth(ctx context.Context, out io.Writer, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Fprintln(out, string(body))
	return nil
}
