package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/yourusername/lsmcp/internal/config"
	"github.com/yourusername/lsmcp/internal/dispatcher"
	"github.com/yourusername/lsmcp/internal/lsmcperr"
	"github.com/yourusername/lsmcp/internal/lsp"
	"github.com/yourusername/lsmcp/internal/workspace"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lsmcp",
		Short: "lsmcp - a Model Context Protocol bridge to language servers",
		Long: `lsmcp speaks MCP over stdio to an LLM client and spawns language
servers on demand over LSP, exposing read-only code intelligence
(definitions, references, hover, symbols, diagnostics) as MCP tools.`,
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("root", "", "workspace root (defaults to the nearest git worktree, else cwd)")
	rootCmd.PersistentFlags().String("config", "", "path to a user config file")

	rootCmd.AddCommand(serveCmd(), configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lsmcp:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP stdio server (the default when lsmcp is run with no subcommand)",
		RunE:  runServe,
	}
}

// runServe is the entry point shared by the bare `lsmcp` invocation and
// `lsmcp serve`: it wires workspace resolution, configuration loading, the
// LSP manager, and the six MCP tools, then blocks serving stdio until EOF
// or a termination signal.
func runServe(cmd *cobra.Command, args []string) error {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("lsmcp speaks MCP over stdio and expects a client on the other end, not a terminal")
	}

	rootFlag, _ := cmd.Flags().GetString("root")
	configFlag, _ := cmd.Flags().GetString("config")

	root, err := workspace.Resolve(rootFlag)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}

	reg, err := config.LoadRegistry()
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	userCfg, userCfgPath, err := config.LoadUserConfig(configFlag)
	if err != nil {
		return fmt.Errorf("load user config: %w", err)
	}
	if err := userCfg.Validate(reg); err != nil {
		return fmt.Errorf("%w: %v", lsmcperr.ErrMalformedConfig, err)
	}

	log := newLogger(userCfg.Settings.LogLevel)
	if userCfgPath != "" {
		log.Info("loaded user config", "path", userCfgPath)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determine home directory: %w", err)
	}
	resolver := config.NewResolver(reg, userCfg.LSP, userCfg.LanguageOverrides, home)
	manager := lsp.NewManager(root, resolver, log)
	d := dispatcher.New(manager, root)

	mcpServer := server.NewMCPServer("lsmcp", version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithInstructions("Read-only language server code intelligence: go to definition, find references, hover, document/workspace symbols, and diagnostics."),
	)
	d.Register(mcpServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		manager.Shutdown(context.Background())
		cancel()
		os.Exit(0)
	}()

	log.Info("lsmcp serving MCP over stdio", "root", root, "version", version, "commit", commit)
	err = server.ServeStdio(mcpServer)
	manager.Shutdown(ctx)
	return err
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	// Logs go to stderr: stdout is the MCP wire, same discipline LSP
	// clients use for diagnostics output.
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect lsmcp configuration",
	}
	cmd.AddCommand(configCheckCmd(), configWhichCmd())
	return cmd
}

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the active user config against the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFlag, _ := cmd.Flags().GetString("config")

			reg, err := config.LoadRegistry()
			if err != nil {
				return fmt.Errorf("load registry: %w", err)
			}
			userCfg, path, err := config.LoadUserConfig(configFlag)
			if err != nil {
				return fmt.Errorf("load user config: %w", err)
			}
			if err := userCfg.Validate(reg); err != nil {
				return err
			}
			if path == "" {
				fmt.Println("no user config found; builtins and embedded registry only")
			} else {
				fmt.Printf("%s is valid\n", path)
			}
			return nil
		},
	}
}

func configWhichCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "which",
		Short: "Print the user config file lsmcp would load",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFlag, _ := cmd.Flags().GetString("config")
			path := config.Which(configFlag)
			if path == "" {
				fmt.Println("(none)")
				return nil
			}
			fmt.Println(path)
			return nil
		},
	}
}
