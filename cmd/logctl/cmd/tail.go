package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/logpulse/internal/hub"
	"github.com/good-yellow-bee/logpulse/internal/models"
	"github.com/good-yellow-bee/logpulse/internal/streamclient"
)

var (
	tailLevels     []string
	tailSources    []string
	tailContainers []string
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow log entries from the server in real-time",
	Long: `Subscribe to the logs channel and print entries as they are ingested.
Filters combine with AND; values within one filter combine with OR.

Examples:
  # Everything
  logctl tail

  # Warnings and errors from the api source
  logctl tail --level warn,error --source api

  # One container, as JSON
  logctl tail --container web -o json`,
	Args: cobra.NoArgs,
	RunE: runTail,
}

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().StringSliceVarP(&tailLevels, "level", "l", nil, "levels to show (debug, info, warn, error, fatal)")
	tailCmd.Flags().StringSliceVar(&tailSources, "source", nil, "source kinds or source ids to show")
	tailCmd.Flags().StringSliceVar(&tailContainers, "container", nil, "container ids or names to show")
}

func tailFilter() (hub.Filter, error) {
	f := hub.Filter{Sources: tailSources, ContainerIDs: tailContainers}
	for _, s := range tailLevels {
		level, ok := models.ParseLogLevel(s)
		if !ok {
			return hub.Filter{}, fmt.Errorf("unknown level %q", s)
		}
		f.Levels = append(f.Levels, level)
	}
	return f, nil
}

func runTail(cmd *cobra.Command, args []string) error {
	filter, err := tailFilter()
	if err != nil {
		return err
	}

	p := newPrinter(GetOutput(), !noColor)
	lines := make(chan string, 256)

	client, ctx, cancel, err := connect(streamclient.Subscription{Channel: hub.ChannelLogs, Filter: filter})
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()

	client.OnMessage(func(m streamclient.Message) {
		if m.Type != hub.TypeLogs {
			return
		}
		for _, e := range m.Entries {
			select {
			case lines <- p.formatEntry(e):
			default:
				// The terminal is slower than the stream.
			}
		}
	})

	fmt.Fprintf(os.Stderr, "Following %s. Press Ctrl+C to stop.\n", wsURL(serverURL))
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			fmt.Println(line)
		}
	}
}
