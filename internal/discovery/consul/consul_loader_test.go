package consul

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntriesToPeers(t *testing.T) {
	entries := []*consulapi.ServiceEntry{
		{Node: &consulapi.Node{Address: "10.0.0.9"}, Service: &consulapi.AgentService{Address: "10.0.0.2", Port: 8080}},
		{Node: &consulapi.Node{Address: "10.0.0.1"}, Service: &consulapi.AgentService{Port: 8080}},
		{Node: &consulapi.Node{Address: "fd00::1"}, Service: &consulapi.AgentService{Port: 443}},
		{Node: &consulapi.Node{}, Service: &consulapi.AgentService{Port: 80}},
		{Node: &consulapi.Node{Address: "10.0.0.3"}, Service: &consulapi.AgentService{}},
		nil,
	}
	assert.Equal(t, []string{"10.0.0.1:8080", "10.0.0.2:8080", "[fd00::1]:443"}, entriesToPeers(entries))
}

func TestNewClient(t *testing.T) {
	_, err := NewClient("localhost:8500")
	assert.NoError(t, err)
	_, err = NewClient("https://consul.example.com:8501")
	assert.NoError(t, err)
}

type peerRecorder struct {
	mu    sync.Mutex
	calls []string
	peers []string
}

func (p *peerRecorder) UpdatePeers(proxy, loaderID string, peers []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, proxy+"/"+loaderID)
	p.peers = peers
	return nil
}

func (p *peerRecorder) latest() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peers
}

// fakeConsul serves /v1/health/service/<name> with blocking query semantics
type fakeConsul struct {
	mu      sync.Mutex
	index   uint64
	entries []*consulapi.ServiceEntry
	changed chan struct{}
}

func newFakeConsul(entries []*consulapi.ServiceEntry) *fakeConsul {
	return &fakeConsul{index: 1, entries: entries, changed: make(chan struct{})}
}

func (f *fakeConsul) set(entries []*consulapi.ServiceEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index++
	f.entries = entries
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *fakeConsul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/health/service/web" || r.URL.Query().Get("passing") == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	waitIndex, _ := strconv.ParseUint(r.URL.Query().Get("index"), 10, 64)

	f.mu.Lock()
	index, changed := f.index, f.changed
	f.mu.Unlock()
	if waitIndex == index {
		select {
		case <-changed:
		case <-r.Context().Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Consul-Index", strconv.FormatUint(f.index, 10))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f.entries)
}

func entry(addr string, port int) *consulapi.ServiceEntry {
	return &consulapi.ServiceEntry{
		Node:    &consulapi.Node{Node: "n", Address: addr},
		Service: &consulapi.AgentService{Service: "web", Port: port},
	}
}

func TestStartWatcher(t *testing.T) {
	for _, strategy := range []string{"immediate", "debounce", "batch"} {
		t.Run(strategy, func(t *testing.T) {
			fake := newFakeConsul([]*consulapi.ServiceEntry{entry("10.0.0.1", 80)})
			srv := httptest.NewServer(fake)
			defer srv.Close()

			rec := &peerRecorder{}
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() {
				done <- StartWatcher(ctx, &Config{
					Proxy:           "proxy-8080",
					ConsulAddr:      srv.URL,
					Service:         "web",
					WaitTime:        time.Second,
					WatcherStrategy: strategy,
				}, rec)
			}()

			require.Eventually(t, func() bool {
				return assert.ObjectsAreEqual([]string{"10.0.0.1:80"}, rec.latest())
			}, 5*time.Second, 10*time.Millisecond)

			fake.set([]*consulapi.ServiceEntry{entry("10.0.0.1", 80), entry("10.0.0.2", 80)})
			require.Eventually(t, func() bool {
				return assert.ObjectsAreEqual([]string{"10.0.0.1:80", "10.0.0.2:80"}, rec.latest())
			}, 5*time.Second, 10*time.Millisecond)

			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("watcher did not stop")
			}
			rec.mu.Lock()
			assert.Equal(t, "proxy-8080/consul", rec.calls[0])
			rec.mu.Unlock()
		})
	}
}
