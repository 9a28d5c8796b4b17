package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/logpulse/internal/hub"
	"github.com/good-yellow-bee/logpulse/internal/models"
	"github.com/good-yellow-bee/logpulse/internal/streamclient"
)

var watchCmd = &cobra.Command{
	Use:   "watch [alerts|metrics|containers]",
	Short: "Print alerts, metric samples or container lists as the server pushes them",
	Args:  cobra.ExactArgs(1),
	ValidArgs: []string{
		string(hub.ChannelAlerts), string(hub.ChannelMetrics), string(hub.ChannelContainers),
	},
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	channel := hub.Channel(args[0])
	switch channel {
	case hub.ChannelAlerts, hub.ChannelMetrics, hub.ChannelContainers:
	default:
		return fmt.Errorf("unknown channel %q", args[0])
	}

	p := newPrinter(GetOutput(), !noColor)
	lines := make(chan string, 64)

	client, ctx, cancel, err := connect(streamclient.Subscription{Channel: channel})
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()

	client.OnMessage(func(m streamclient.Message) {
		line, ok := render(p, m)
		if !ok {
			return
		}
		select {
		case lines <- line:
		default:
		}
	})

	fmt.Fprintf(os.Stderr, "Watching %s on %s. Press Ctrl+C to stop.\n", channel, wsURL(serverURL))
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			fmt.Println(line)
		}
	}
}

// render formats a pushed alert, metrics or containers message.
func render(p *printer, m streamclient.Message) (string, bool) {
	switch m.Type {
	case hub.TypeAlert:
		var ev models.AlertEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			return "", false
		}
		return p.formatAlert(&ev), true
	case hub.TypeMetrics:
		var sample models.MetricsSample
		if err := json.Unmarshal(m.Data, &sample); err != nil {
			return "", false
		}
		return p.formatMetrics(&sample), true
	case hub.TypeContainers:
		var list []models.ContainerInfo
		if err := json.Unmarshal(m.Data, &list); err != nil {
			return "", false
		}
		if p.format == "json" {
			return string(m.Data), true
		}
		out := fmt.Sprintf("%d containers", len(list))
		for _, c := range list {
			out += fmt.Sprintf("\n  %-12.12s %-20s %-10s %s", c.ID, c.Name, c.State, c.Status)
		}
		return out, true
	}
	return "", false
}
