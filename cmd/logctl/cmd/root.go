// Package cmd contains the CLI commands for logctl.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/logpulse/internal/streamclient"
	"github.com/good-yellow-bee/logpulse/pkg/config"
)

var (
	verbose   bool
	output    string
	serverURL string
	noColor   bool
)

var rootCmd = &cobra.Command{
	Use:   "logctl",
	Short: "logctl - command line client for logpulse",
	Long: `logctl connects to a logpulse server and follows its realtime streams.

Examples:
  # Follow error logs of one source
  logctl tail --level error --source api

  # Watch alerts as they fire
  logctl watch alerts

  # Restart a container through the server
  logctl container restart 3f2a`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format (text, json, plain)")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "ws://localhost:8080/ws", "logpulse websocket endpoint")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// GetOutput returns the output format.
func GetOutput() string {
	return output
}

func newLogger() logr.Logger {
	if !verbose {
		return logr.Discard()
	}
	zl, err := zap.NewDevelopment()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zl)
}

// wsURL accepts http(s) URLs and bare host:port as well as ws(s) URLs.
func wsURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "http://"):
		raw = "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		raw = "wss://" + strings.TrimPrefix(raw, "https://")
	case !strings.HasPrefix(raw, "ws://") && !strings.HasPrefix(raw, "wss://"):
		raw = "ws://" + raw
	}
	if !strings.HasSuffix(raw, "/ws") {
		raw = strings.TrimSuffix(raw, "/") + "/ws"
	}
	return raw
}

// connect starts a stream client and returns it with a context canceled
// on SIGINT or SIGTERM.
func connect(subs ...streamclient.Subscription) (*streamclient.Client, context.Context, context.CancelFunc, error) {
	cfg := streamclient.DefaultConfig(wsURL(serverURL))
	cfg.Subscriptions = subs
	cfg.Header = http.Header{"User-Agent": []string{"logctl/" + config.Version}}

	log := newLogger()
	client := streamclient.New(cfg, log)
	client.OnStateChange(func(_, s streamclient.State) {
		if s == streamclient.StateReconnecting {
			fmt.Fprintf(os.Stderr, "connection lost, reconnecting: %s\n", client.LastError())
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if err := client.Start(ctx); err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return client, ctx, cancel, nil
}
