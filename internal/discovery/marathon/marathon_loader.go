package marathon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/moonkev/tenantroute/internal/discovery"
)

// LoaderID identifies the peers contributed by Marathon
const LoaderID = "marathon"

type Config struct {
	Proxy               string // proxy whose fallback pool receives the peers
	URL                 string
	App                 string
	PortIndex           int
	CredentialsFilePath string
	Interval            time.Duration
}

type marathonResponse struct {
	Apps []marathonApp `json:"apps"`
}

type marathonApp struct {
	ID    string         `json:"id"`
	Tasks []marathonTask `json:"tasks"`
}

type marathonTask struct {
	ID                 string                       `json:"id"`
	Host               string                       `json:"host"`
	IPAddresses        []marathonIPAddress          `json:"ipAddresses"`
	Ports              []int                        `json:"ports"`
	HealthCheckResults []marathonHealthCheckResults `json:"healthCheckResults"`
	State              string                       `json:"state"`
}

type marathonIPAddress struct {
	IPAddress string `json:"ipAddress"`
	Protocol  string `json:"protocol"`
}

type marathonHealthCheckResults struct {
	Alive bool `json:"alive"`
}

func (t *marathonTask) IsHealthy() bool {
	if t.State != "TASK_RUNNING" || len(t.HealthCheckResults) == 0 {
		return false
	}
	for _, result := range t.HealthCheckResults {
		if result.Alive {
			return true
		}
	}
	return false
}

// LoadConfig polls Marathon until ctx is cancelled. A failed poll is logged and
// the previously reported peers stay in place.
func LoadConfig(ctx context.Context, config Config, updater discovery.PeerUpdater) error {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: 10 * time.Second}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			slog.Debug("loading Marathon tasks", "proxy", config.Proxy, "app", config.App)
			if err := loadConfig(ctx, httpClient, config, updater); err != nil {
				slog.Error("failed to load Marathon tasks", "proxy", config.Proxy, "app", config.App, "error", err)
			}
			timer.Reset(config.Interval)
		}
	}
}

func loadConfig(ctx context.Context, httpClient *http.Client, config Config, updater discovery.PeerUpdater) error {
	url := fmt.Sprintf("%s/v2/apps?embed=apps.tasks", strings.TrimSuffix(config.URL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request in marathon loader: %w", err)
	}

	if config.CredentialsFilePath != "" {
		credsBytes, err := os.ReadFile(config.CredentialsFilePath)
		if err != nil {
			return fmt.Errorf("failed to read credentials file: %w", err)
		}
		parts := strings.SplitN(strings.TrimSpace(string(credsBytes)), ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid credentials format in %s", config.CredentialsFilePath)
		}
		req.SetBasicAuth(parts[0], parts[1])
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch from Marathon API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("marathon API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var marathonResp marathonResponse
	if err := json.Unmarshal(body, &marathonResp); err != nil {
		return fmt.Errorf("failed to parse Marathon response: %w", err)
	}

	peers := convertToPeers(marathonResp.Apps, config.App, config.PortIndex)
	if len(peers) == 0 {
		slog.Warn("Marathon app has no healthy tasks", "app", config.App)
	}
	return updater.UpdatePeers(config.Proxy, LoaderID, peers)
}

// convertToPeers returns host:port of every healthy task of appID, sorted
func convertToPeers(apps []marathonApp, appID string, portIndex int) []string {
	appID = "/" + strings.TrimPrefix(appID, "/")
	var peers []string
	for _, app := range apps {
		if app.ID != appID {
			continue
		}
		for _, task := range app.Tasks {
			if !task.IsHealthy() {
				continue
			}
			if portIndex < 0 || portIndex >= len(task.Ports) {
				slog.Warn("Marathon task has no port at index", "task", task.ID, "portIndex", portIndex)
				continue
			}
			address := getTaskAddress(task)
			peers = append(peers, net.JoinHostPort(address, strconv.Itoa(task.Ports[portIndex])))
		}
	}
	sort.Strings(peers)
	return peers
}

func getTaskAddress(task marathonTask) string {
	for _, ip := range task.IPAddresses {
		if ip.Protocol == "IPv4" && ip.IPAddress != "" {
			return ip.IPAddress
		}
	}
	return task.Host
}
