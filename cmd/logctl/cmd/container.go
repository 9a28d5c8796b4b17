package cmd

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/logpulse/internal/hub"
	"github.com/good-yellow-bee/logpulse/internal/models"
	"github.com/good-yellow-bee/logpulse/internal/streamclient"
)

var containerTimeout time.Duration

var containerCmd = &cobra.Command{
	Use:   "container [start|stop|restart] <container-id>",
	Short: "Start, stop or restart a container through the server",
	Args:  cobra.ExactArgs(2),
	RunE:  runContainer,
}

func init() {
	rootCmd.AddCommand(containerCmd)
	containerCmd.Flags().DurationVar(&containerTimeout, "timeout", 30*time.Second, "how long to wait for the server to answer")
}

func runContainer(cmd *cobra.Command, args []string) error {
	action := models.ContainerAction(args[0])
	if !action.Valid() {
		return fmt.Errorf("unknown action %q", args[0])
	}
	containerID := args[1]

	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()

	opened := make(chan struct{})
	var once sync.Once
	client.OnStateChange(func(_, s streamclient.State) {
		if s == streamclient.StateOpen {
			once.Do(func() { close(opened) })
		}
	})
	if client.State() == streamclient.StateOpen {
		once.Do(func() { close(opened) })
	}

	replies := make(chan streamclient.Message, 4)
	client.OnMessage(func(m streamclient.Message) {
		if m.Type == hub.TypeAck || m.Type == hub.TypeError {
			select {
			case replies <- m:
			default:
			}
		}
	})

	timeout := time.After(containerTimeout)
	select {
	case <-opened:
	case <-timeout:
		return fmt.Errorf("could not connect to %s: %s", wsURL(serverURL), client.LastError())
	case <-ctx.Done():
		return ctx.Err()
	}

	id, err := client.Action(containerID, action)
	if err != nil {
		return err
	}
	for {
		select {
		case m := <-replies:
			if m.ID != id {
				continue
			}
			if m.Type == hub.TypeError {
				return errors.New(m.Message)
			}
			fmt.Printf("%s %s: ok\n", action, containerID)
			return nil
		case <-timeout:
			return fmt.Errorf("%s %s: no answer within %s", action, containerID, containerTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
