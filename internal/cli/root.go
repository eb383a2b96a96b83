// Package cli implements the tutorchat command line client.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/tutor-chat/internal/chat"
	"github.com/ashureev/tutor-chat/internal/config"
	"github.com/spf13/cobra"
)

// BuildInfo is stamped into the binary at link time.
type BuildInfo struct {
	Version string
	Commit  string
}

// globalFlags are the persistent flags shared by every command. Flags that
// were set explicitly override the TUTOR_* environment, which overrides the
// profile file.
type globalFlags struct {
	profile   string
	apiURL    string
	token     string
	transport string
	timeout   time.Duration
	verbose   bool
}

// env is the resolved configuration for one command invocation.
type env struct {
	cfg    *config.ClientConfig
	client *chat.Client
	logger *slog.Logger
}

// NewRootCmd builds the tutorchat command tree.
func NewRootCmd(info BuildInfo) *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "tutorchat",
		Short: "Chat with the curriculum tutor from the terminal",
		Long: `tutorchat streams answers from the tutor backend, shows tool activity
while the tutor works and saves every finished exchange to your chat history.`,
		Version:       fmt.Sprintf("%s (commit: %s)", info.Version, info.Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&g.profile, "config", "", "YAML profile with client settings (env TUTOR_CONFIG)")
	pf.StringVar(&g.apiURL, "api-url", "", "backend base URL (env TUTOR_API_URL)")
	pf.StringVar(&g.token, "token", "", "bearer token (env TUTOR_TOKEN)")
	pf.StringVar(&g.transport, "transport", "", `stream transport, "http" or "ws" (env TUTOR_TRANSPORT)`)
	pf.DurationVar(&g.timeout, "timeout", 0, "timeout for history requests (env TUTOR_REQUEST_TIMEOUT)")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newChatCmd(g),
		newHistoryCmd(g),
		newVersionCmd(info),
	)
	return root
}

// Execute runs the command tree until it finishes or the process is
// interrupted.
func Execute(info BuildInfo) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd(info).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// resolve merges flags over the environment and builds the backend client.
func (g *globalFlags) resolve(cmd *cobra.Command) (*env, error) {
	cfg := config.ClientFromEnv()
	flags := cmd.Flags()

	profile := os.Getenv("TUTOR_CONFIG")
	if flags.Changed("config") {
		profile = g.profile
	}
	if profile != "" {
		p, err := config.LoadClientProfile(profile)
		if err != nil {
			return nil, err
		}
		if err := cfg.ApplyProfile(p); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	if flags.Changed("api-url") {
		cfg.APIURL = g.apiURL
	}
	if flags.Changed("token") {
		cfg.Token = g.token
	}
	if flags.Changed("transport") {
		cfg.Transport = g.transport
	}
	if flags.Changed("timeout") {
		cfg.RequestTimeout = g.timeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), g.verbose)
	client, err := chat.NewClient(chat.ClientConfig{
		BaseURL:        cfg.APIURL,
		RequestTimeout: cfg.RequestTimeout,
	}, chat.StaticToken(cfg.Token), nil, logger)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, client: client, logger: logger}, nil
}

// opener returns the stream opener for the configured transport.
func (e *env) opener() chat.StreamOpener {
	if e.cfg.Transport == config.TransportWebSocket {
		return chat.NewWSOpener(e.client)
	}
	return e.client
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newVersionCmd(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tutorchat version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tutorchat %s (commit: %s)\n", info.Version, info.Commit)
		},
	}
}
