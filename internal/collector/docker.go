package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// DefaultDockerHost is the Docker Engine API socket on Linux hosts.
const DefaultDockerHost = "unix:///var/run/docker.sock"

// ErrContainerNotFound is returned when the runtime does not know a container.
var ErrContainerNotFound = errors.New("container not found")

// LogStreamOptions selects which part of a container's log to stream.
type LogStreamOptions struct {
	// Since restricts output to entries newer than this instant.
	Since time.Time
	// FromStart replays the whole log; otherwise only new output is streamed.
	FromStart bool
}

// StreamOpener opens the multiplexed log stream of one container.
type StreamOpener interface {
	OpenLogStream(ctx context.Context, containerID string, opts LogStreamOptions) (io.ReadCloser, error)
}

// DockerClient is the container runtime collaborator: log streams, container
// listing and lifecycle actions.
type DockerClient interface {
	StreamOpener
	ListContainers(ctx context.Context) ([]models.ContainerInfo, error)
	ContainerAction(ctx context.Context, containerID string, action models.ContainerAction) error
}

// EngineClient talks to the Docker Engine API through the Docker SDK.
type EngineClient struct {
	cli *client.Client
}

var _ DockerClient = (*EngineClient)(nil)

// NewEngineClient creates a client for host, which is either
// "unix:///path/to/socket", a bare socket path, or "tcp://host:port" /
// "http://host:port". The API version is negotiated on the first request.
func NewEngineClient(host string) (*EngineClient, error) {
	if host == "" {
		host = DefaultDockerHost
	}
	if strings.HasPrefix(host, "/") {
		host = "unix://" + host
	}
	switch scheme, _, _ := strings.Cut(host, "://"); scheme {
	case "unix", "tcp", "http":
	default:
		return nil, fmt.Errorf("unsupported docker host %q", host)
	}

	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize docker client: %w", err)
	}
	return &EngineClient{cli: cli}, nil
}

// Close releases idle connections.
func (c *EngineClient) Close() error {
	return c.cli.Close()
}

// OpenLogStream follows stdout and stderr of a container with timestamps.
// The returned stream is multiplexed; decode it with a Demuxer.
func (c *EngineClient) OpenLogStream(ctx context.Context, containerID string, opts LogStreamOptions) (io.ReadCloser, error) {
	options := types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
	}
	switch {
	case !opts.Since.IsZero():
		options.Since = formatSince(opts.Since)
	case opts.FromStart:
		options.Tail = "all"
	default:
		options.Tail = "0"
	}

	rc, err := c.cli.ContainerLogs(ctx, containerID, options)
	if err != nil {
		return nil, dockerError("logs", containerID, err)
	}
	return rc, nil
}

// ListContainers returns every container, running or not.
func (c *EngineClient) ListContainers(ctx context.Context) ([]models.ContainerInfo, error) {
	list, err := c.cli.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		return nil, dockerError("list", "", err)
	}

	containers := make([]models.ContainerInfo, 0, len(list))
	for _, ct := range list {
		name := ct.ID
		if len(ct.Names) > 0 {
			name = strings.TrimPrefix(ct.Names[0], "/")
		}
		containers = append(containers, models.ContainerInfo{
			ID:      ct.ID,
			Name:    name,
			Image:   ct.Image,
			State:   ct.State,
			Status:  ct.Status,
			Created: time.Unix(ct.Created, 0).UTC(),
		})
	}
	return containers, nil
}

// ContainerAction starts, stops or restarts a container. Starting a running
// container or stopping a stopped one is not an error.
func (c *EngineClient) ContainerAction(ctx context.Context, containerID string, action models.ContainerAction) error {
	var err error
	switch action {
	case models.ActionStart:
		err = c.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{})
	case models.ActionStop:
		err = c.cli.ContainerStop(ctx, containerID, container.StopOptions{})
	case models.ActionRestart:
		err = c.cli.ContainerRestart(ctx, containerID, container.StopOptions{})
	default:
		return fmt.Errorf("unsupported container action %q", action)
	}
	if err != nil {
		return dockerError(string(action), containerID, err)
	}
	return nil
}

// dockerError maps SDK errors onto the collector sentinels.
func dockerError(op, containerID string, err error) error {
	switch {
	case client.IsErrNotFound(err):
		return fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: docker %s: %v", ErrSourceUnavailable, op, err)
	default:
		return fmt.Errorf("docker %s %s: %w", op, containerID, err)
	}
}

// formatSince renders t as fractional unix seconds, which the Engine API
// accepts for the since parameter.
func formatSince(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10) + "." + fmt.Sprintf("%09d", t.Nanosecond())
}
