// Command sbcp-chat is a terminal client for SBCP chat servers.
//
//	sbcp-chat [server]
//
// The server may be host[:port], tcp://, ssh:// or ws:// and defaults to
// the last server joined.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/aeolun/sbcp/pkg/client"
	"github.com/aeolun/sbcp/pkg/client/ui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var Version = "dev"

const defaultServer = "localhost:8080"

type options struct {
	username    string
	statePath   string
	idleAfter   time.Duration
	maxUsername int
	timeout     time.Duration
	debugLog    string
}

func newRootCommand() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:           "sbcp-chat [server]",
		Short:         "Terminal client for SBCP chat servers",
		Version:       Version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.username, "username", "u", "", "Join under this name instead of asking")
	flags.StringVar(&opts.statePath, "state", client.DefaultStatePath(), "Client state database")
	flags.DurationVar(&opts.idleAfter, "idle-after", 5*time.Minute, "Send IDLE after this long without typing, 0 disables")
	flags.IntVar(&opts.maxUsername, "max-username", 32, "Longest username the prompt accepts, in bytes")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Connect and join timeout")
	flags.StringVar(&opts.debugLog, "debug", "", "Write protocol debug logs to this file")
	return cmd
}

func openLogger(path string) (*log.Logger, io.Closer, error) {
	if path == "" {
		return log.New(io.Discard, "", 0), io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open debug log: %w", err)
	}
	return log.New(f, "", log.LstdFlags|log.Lmicroseconds), f, nil
}

// pickServer chooses the address to dial: the argument, else the last
// server joined, else localhost
func pickServer(args []string, state *client.State, logger *log.Logger) (client.Address, error) {
	raw := ""
	if len(args) > 0 {
		raw = args[0]
	}
	if raw == "" && state != nil {
		raw = state.LastServer()
	}
	if raw == "" {
		raw = defaultServer
	}

	var history client.TransportHistory
	if state != nil {
		history = state
	}
	return client.ParseAddress(client.ResolveAddress(raw, history, logger))
}

func run(ctx context.Context, args []string, opts options) error {
	logger, logCloser, err := openLogger(opts.debugLog)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	state, err := client.OpenState(opts.statePath)
	if err != nil {
		// Chat still works without history
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		logger.Printf("state unavailable: %v", err)
		state = nil
	} else {
		defer state.Close()
	}

	addr, err := pickServer(args, state, logger)
	if err != nil {
		return err
	}
	logger.Printf("Using server %s", addr)

	dialOpts := client.Options{Timeout: opts.timeout, Logger: logger}

	// Verify the SSH host key before the TUI owns the terminal, so the
	// trust prompt can read from stdin
	if addr.Scheme == "ssh" {
		conn, err := client.Dial(ctx, addr.String(), dialOpts)
		if err != nil {
			return err
		}
		conn.Close()
	}

	dial := func(ctx context.Context) (ui.ChatConn, error) {
		conn, err := client.Dial(ctx, addr.String(), dialOpts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	uiOpts := ui.Options{
		Address:           addr,
		Dial:              dial,
		Username:          opts.username,
		MaxUsernameLength: opts.maxUsername,
		IdleAfter:         opts.idleAfter,
		JoinTimeout:       opts.timeout,
		Logger:            logger,
	}
	if state != nil {
		uiOpts.History = state
	}

	p := tea.NewProgram(ui.NewModel(uiOpts), tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := p.Run()
	if m, ok := final.(ui.Model); ok {
		m.Close()
	}
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("terminal UI failed: %w", err)
	}
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
