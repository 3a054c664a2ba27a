package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/optad/internal/client"
	"github.com/basket/optad/internal/config"
	otelPkg "github.com/basket/optad/internal/otel"
)

// exitCodeError carries a process exit code out of a command without
// printing anything further.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type rootOptions struct {
	addr  string
	token string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "optad",
		Short:         "Session event bus daemon with a replay-safe event stream",
		Version:       otelPkg.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.addr, "addr", "", "daemon address (default: bind_addr from config.yaml)")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "auth token (default: $OPTAD_AUTH_TOKEN or $OPTAD_HOME/auth.token)")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(opts),
		newTailCmd(opts),
		newSubmitCmd(opts),
		newSessionsCmd(opts),
		newCancelCmd(opts),
		newCloseCmd(opts),
		newResolveCmd(opts),
		newDoctorCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	err := root.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err, os.Stderr))
}

func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var ec exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	fmt.Fprintln(stderr, "optad:", err)
	return 1
}

// newClient resolves the daemon address and token for the client commands.
// Flags win over the environment, which wins over the home directory.
func (o *rootOptions) newClient() (*client.Client, error) {
	addr := strings.TrimSpace(o.addr)
	homeDir := config.HomeDir()
	if addr == "" {
		cfg, err := config.LoadFrom(homeDir)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		addr = cfg.BindAddr
	}
	token := strings.TrimSpace(o.token)
	if token == "" {
		token = readAuthToken(homeDir)
	}
	return client.New(addr, token, nil), nil
}

// readAuthToken never creates a token; only serve does.
func readAuthToken(homeDir string) string {
	if raw := strings.TrimSpace(os.Getenv("OPTAD_AUTH_TOKEN")); raw != "" {
		return raw
	}
	b, err := os.ReadFile(filepath.Join(homeDir, "auth.token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
