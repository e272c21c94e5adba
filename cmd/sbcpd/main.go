// Command sbcpd runs an SBCP chat server.
//
//	sbcpd [port [max_clients]]
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/aeolun/sbcp/pkg/server"
	"github.com/spf13/cobra"
)

var Version = "dev"

// applyArgs overrides the TCP port and client limit from positional args
func applyArgs(args []string, cfg *server.ServerConfig) error {
	if len(args) > 0 {
		port, err := strconv.Atoi(args[0])
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %q: must be 1-65535", args[0])
		}
		cfg.TCPPort = port
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 || n > 0xFFFF {
			return fmt.Errorf("invalid max_clients %q: must be 1-65535", args[1])
		}
		cfg.MaxClients = n
	}
	return nil
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:           "sbcpd [port [max_clients]]",
		Short:         "Simple broadcast chat server",
		Version:       Version,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tomlConfig, err := server.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg := tomlConfig.ToServerConfig()
			if err := applyArgs(args, &cfg); err != nil {
				return err
			}

			srv, err := server.NewServer(cfg)
			if err != nil {
				return err
			}
			if debug {
				srv.EnableDebugLogging()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, srv)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", server.DefaultConfigPath, "Path to the TOML config file (created with defaults when missing)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Log every message sent and received")
	return cmd
}

func run(ctx context.Context, srv *server.Server) error {
	if err := srv.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	log.Println("Received shutdown signal")
	return srv.Stop()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
