package collector

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

func newDockerAPI(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/containers/json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("all") != "1" {
			t.Errorf("expected all=1, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"Id":"abc123","Names":["/web"],"Image":"nginx:1.27","State":"running","Status":"Up 2 hours","Created":1705309200}]`)
	})
	mux.HandleFunc("/containers/abc123/logs", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("follow") != "1" || q.Get("timestamps") != "1" || q.Get("stderr") != "1" {
			t.Errorf("unexpected log query: %s", r.URL.RawQuery)
		}
		w.Write(frame(Stdout, "2024-01-15T10:00:00Z hello\n"))
	})
	mux.HandleFunc("/containers/abc123/restart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/containers/abc123/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	})
	mux.HandleFunc("/containers/missing/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"message":"No such container: missing"}`)
	})

	srv := httptest.NewServer(engineAPI(mux))
	t.Cleanup(srv.Close)
	return srv
}

// engineAPI answers version negotiation and strips the /vX.Y path prefix
// the SDK adds, so handlers register unversioned paths.
func engineAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/_ping" {
			w.Header().Set("API-Version", "1.41")
			io.WriteString(w, "OK")
			return
		}
		if rest, ok := strings.CutPrefix(r.URL.Path, "/v"); ok {
			if i := strings.IndexByte(rest, '/'); i > 0 {
				r.URL.Path = rest[i:]
			}
		}
		next.ServeHTTP(w, r)
	})
}

func TestEngineClientListContainers(t *testing.T) {
	srv := newDockerAPI(t)
	client, err := NewEngineClient(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	containers, err := client.ListContainers(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(containers) != 1 {
		t.Fatalf("expected 1 container, got %d", len(containers))
	}
	c := containers[0]
	if c.ID != "abc123" || c.Name != "web" || c.Image != "nginx:1.27" || !c.Running() {
		t.Errorf("unexpected container: %+v", c)
	}
	if !c.Created.Equal(time.Unix(1705309200, 0)) {
		t.Errorf("unexpected created time: %v", c.Created)
	}
}

func TestEngineClientOpenLogStream(t *testing.T) {
	srv := newDockerAPI(t)
	client, err := NewEngineClient("tcp://" + srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	rc, err := client.OpenLogStream(context.Background(), "abc123", LogStreamOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines, err := NewDemuxer().Feed(data)
	if err != nil {
		t.Fatalf("demux: %v", err)
	}
	if len(lines) != 1 || lines[0].Text != "2024-01-15T10:00:00Z hello" {
		t.Errorf("unexpected lines: %v", lines)
	}
}

func TestEngineClientContainerAction(t *testing.T) {
	srv := newDockerAPI(t)
	client, err := NewEngineClient(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	if err := client.ContainerAction(ctx, "abc123", models.ActionRestart); err != nil {
		t.Errorf("restart: %v", err)
	}
	if err := client.ContainerAction(ctx, "abc123", models.ActionStart); err != nil {
		t.Errorf("start of running container should succeed, got %v", err)
	}
	if err := client.ContainerAction(ctx, "missing", models.ActionStop); !errors.Is(err, ErrContainerNotFound) {
		t.Errorf("expected ErrContainerNotFound, got %v", err)
	}
	if err := client.ContainerAction(ctx, "abc123", "pause"); err == nil {
		t.Error("expected error for unsupported action")
	}
}

func TestEngineClientUnixSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "docker.sock")
	l, err := net.Listen("unix", socket)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}

	srv := httptest.NewUnstartedServer(engineAPI(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/containers/json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[]`)
	})))
	srv.Listener.Close()
	srv.Listener = l
	srv.Start()
	defer srv.Close()

	client, err := NewEngineClient("unix://" + socket)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	containers, err := client.ListContainers(context.Background())
	if err != nil {
		t.Fatalf("list over unix socket: %v", err)
	}
	if len(containers) != 0 {
		t.Errorf("expected no containers, got %d", len(containers))
	}
}

func TestEngineClientUnavailable(t *testing.T) {
	client, err := NewEngineClient(filepath.Join(t.TempDir(), "nope.sock"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.ListContainers(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", err)
	}

	if _, err := NewEngineClient("ftp://example"); err == nil {
		t.Error("expected error for unsupported host scheme")
	}
}
