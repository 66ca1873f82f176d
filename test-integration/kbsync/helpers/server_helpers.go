package helpers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/onsi/gomega"

	"github.com/stacklok/kbsync/internal/api"
	kbapp "github.com/stacklok/kbsync/internal/app"
	"github.com/stacklok/kbsync/internal/config"
	pkgsync "github.com/stacklok/kbsync/internal/sync"
)

// AppTestHelper manages a kbsync application built from a configuration file
type AppTestHelper struct {
	ctx        context.Context
	configPath string
	httpClient *http.Client

	app    *kbapp.App
	cancel context.CancelFunc
	done   chan error
}

// NewAppTestHelper creates a helper for the configuration at configPath
func NewAppTestHelper(ctx context.Context, configPath string) *AppTestHelper {
	return &AppTestHelper{
		ctx:        ctx,
		configPath: configPath,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *AppTestHelper) build() error {
	cfg, err := config.LoadConfig(config.WithConfigPath(h.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app, err := kbapp.New(h.ctx, kbapp.WithConfig(cfg), kbapp.WithAddress("127.0.0.1:0"))
	if err != nil {
		return fmt.Errorf("failed to build app: %w", err)
	}
	h.app = app
	return nil
}

// RunOnce builds the application, performs one run and releases the state lock
func (h *AppTestHelper) RunOnce() (*pkgsync.Summary, error) {
	if err := h.build(); err != nil {
		return nil, err
	}
	defer func() {
		_ = h.app.Close()
		h.app = nil
	}()
	return h.app.RunOnce(h.ctx)
}

// StartServer builds the application and serves it in the background
func (h *AppTestHelper) StartServer() error {
	if err := h.build(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(h.ctx)
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() {
		h.done <- h.app.Serve(ctx)
	}()
	return nil
}

// StopServer cancels Serve, waits for it and releases the state lock
func (h *AppTestHelper) StopServer() error {
	if h.app == nil {
		return nil
	}
	if h.cancel != nil {
		h.cancel()
		select {
		case err := <-h.done:
			if err != nil {
				return err
			}
		case <-time.After(10 * time.Second):
			return fmt.Errorf("server did not stop in time")
		}
	}
	err := h.app.Close()
	h.app = nil
	return err
}

// BaseURL returns the status API URL once the listener is bound
func (h *AppTestHelper) BaseURL() string {
	var addr string
	gomega.Eventually(func() string {
		addr = h.app.Addr()
		return addr
	}, 5*time.Second, 20*time.Millisecond).ShouldNot(gomega.BeEmpty())
	return "http://" + addr
}

// WaitForServerReady waits until /readiness answers 200
func (h *AppTestHelper) WaitForServerReady(timeout time.Duration) {
	base := h.BaseURL()
	gomega.Eventually(func() (int, error) {
		resp, err := h.httpClient.Get(base + "/readiness")
		if err != nil {
			return 0, err
		}
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode, nil
	}, timeout, 50*time.Millisecond).Should(gomega.Equal(http.StatusOK), "Server should be ready")
}

// GetStatus fetches /v1/status
func (h *AppTestHelper) GetStatus() (*api.StatusResponse, error) {
	resp, err := h.httpClient.Get(h.BaseURL() + "/v1/status")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status returned %d", resp.StatusCode)
	}

	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// TriggerSync posts to /v1/sync and returns the response code
func (h *AppTestHelper) TriggerSync() (int, error) {
	resp, err := h.httpClient.Post(h.BaseURL()+"/v1/sync", "application/json", nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}

// Get performs a GET against the status API
func (h *AppTestHelper) Get(path string) (*http.Response, error) {
	return h.httpClient.Get(h.BaseURL() + path)
}
