package marathon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appsResponse = `{
  "apps": [
    {
      "id": "/web",
      "tasks": [
        {"id": "web.1", "host": "node-1", "ports": [31001, 31002], "state": "TASK_RUNNING",
         "healthCheckResults": [{"alive": true}]},
        {"id": "web.2", "host": "node-2", "ports": [31003, 31004], "state": "TASK_RUNNING",
         "ipAddresses": [{"ipAddress": "fd00::1", "protocol": "IPv6"}, {"ipAddress": "10.0.0.2", "protocol": "IPv4"}],
         "healthCheckResults": [{"alive": true}]},
        {"id": "web.3", "host": "node-3", "ports": [31005, 31006], "state": "TASK_STAGING",
         "healthCheckResults": [{"alive": true}]},
        {"id": "web.4", "host": "node-4", "ports": [31007, 31008], "state": "TASK_RUNNING",
         "healthCheckResults": [{"alive": false}]}
      ]
    },
    {
      "id": "/other",
      "tasks": [
        {"id": "other.1", "host": "node-9", "ports": [32000], "state": "TASK_RUNNING",
         "healthCheckResults": [{"alive": true}]}
      ]
    }
  ]
}`

type peerRecorder struct {
	mu      sync.Mutex
	proxy   string
	loader  string
	peers   []string
	updates int
}

func (p *peerRecorder) UpdatePeers(proxy, loaderID string, peers []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxy, p.loader, p.peers = proxy, loaderID, peers
	p.updates++
	return nil
}

func (p *peerRecorder) snapshot() ([]string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peers, p.updates
}

func TestMarathonTask_IsHealthy(t *testing.T) {
	assert.True(t, (&marathonTask{State: "TASK_RUNNING", HealthCheckResults: []marathonHealthCheckResults{{Alive: false}, {Alive: true}}}).IsHealthy())
	assert.False(t, (&marathonTask{State: "TASK_RUNNING"}).IsHealthy())
	assert.False(t, (&marathonTask{State: "TASK_KILLED", HealthCheckResults: []marathonHealthCheckResults{{Alive: true}}}).IsHealthy())
}

func TestLoadConfig_ReportsHealthyPeers(t *testing.T) {
	credsPath := filepath.Join(t.TempDir(), "creds")
	require.NoError(t, os.WriteFile(credsPath, []byte("admin:secret\n"), 0o600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/v2/apps", r.URL.Path)
		assert.Equal(t, "apps.tasks", r.URL.Query().Get("embed"))
		_, _ = w.Write([]byte(appsResponse))
	}))
	defer srv.Close()

	rec := &peerRecorder{}
	err := loadConfig(context.Background(), srv.Client(), Config{
		Proxy:               "proxy-8080",
		URL:                 srv.URL + "/",
		App:                 "web",
		PortIndex:           1,
		CredentialsFilePath: credsPath,
	}, rec)
	require.NoError(t, err)

	assert.Equal(t, "proxy-8080", rec.proxy)
	assert.Equal(t, LoaderID, rec.loader)
	assert.Equal(t, []string{"10.0.0.2:31004", "node-1:31002"}, rec.peers)
}

func TestLoadConfig_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &peerRecorder{}
	err := loadConfig(context.Background(), srv.Client(), Config{URL: srv.URL, App: "/web"}, rec)
	assert.ErrorContains(t, err, "status 503")

	badCreds := filepath.Join(t.TempDir(), "creds")
	require.NoError(t, os.WriteFile(badCreds, []byte("no-colon"), 0o600))
	err = loadConfig(context.Background(), srv.Client(), Config{URL: srv.URL, App: "/web", CredentialsFilePath: badCreds}, rec)
	assert.ErrorContains(t, err, "invalid credentials format")

	_, updates := rec.snapshot()
	assert.Zero(t, updates)
}

func TestLoadConfig_PollsUntilCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(appsResponse))
	}))
	defer srv.Close()

	rec := &peerRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- LoadConfig(ctx, Config{Proxy: "p", URL: srv.URL, App: "/other", Interval: 10 * time.Millisecond}, rec)
	}()

	require.Eventually(t, func() bool {
		_, updates := rec.snapshot()
		return updates >= 2
	}, 5*time.Second, 10*time.Millisecond)
	peers, _ := rec.snapshot()
	assert.Equal(t, []string{"node-9:32000"}, peers)

	cancel()
	assert.NoError(t, <-done)
}

func TestConvertToPeers_PortIndexOutOfRange(t *testing.T) {
	apps := []marathonApp{{
		ID: "/web",
		Tasks: []marathonTask{{
			ID: "web.1", Host: "h", Ports: []int{1}, State: "TASK_RUNNING",
			HealthCheckResults: []marathonHealthCheckResults{{Alive: true}},
		}},
	}}
	assert.Empty(t, convertToPeers(apps, "/web", 3))
	assert.Equal(t, []string{"h:1"}, convertToPeers(apps, "/web", 0))
}
