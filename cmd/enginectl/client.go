package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tachyon-engine/internal/config"
	"tachyon-engine/internal/storage"
)

// apiClient is a thin HTTP client for the control API, used by every CLI
// subcommand except serve. It opens its own handle on the shared database
// only to read the control API's port and token, then talks to the
// running daemon over loopback — it never touches download rows directly.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient() (*apiClient, error) {
	store, err := storage.OpenDefault(appName)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	cfg := config.NewConfigManager(store)
	return &apiClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.GetControlAPIPort()),
		token:   cfg.GetControlAPIToken(),
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Engine-Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact engine daemon (is `enginectl serve` running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("engine returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type addRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Referrer string `json:"referrer"`
	Priority string `json:"priority"`
}

type addResponse struct {
	ID string `json:"id"`
}

func (c *apiClient) add(req addRequest) (addResponse, error) {
	var out addResponse
	err := c.do(http.MethodPost, "/v1/downloads", req, &out)
	return out, err
}

func (c *apiClient) list() ([]storage.Download, error) {
	var out []storage.Download
	err := c.do(http.MethodGet, "/v1/downloads", nil, &out)
	return out, err
}

func (c *apiClient) get(id string) (storage.Download, error) {
	var out storage.Download
	err := c.do(http.MethodGet, "/v1/downloads/"+id, nil, &out)
	return out, err
}

func (c *apiClient) control(id, action string) error {
	return c.do(http.MethodPost, "/v1/downloads/"+id+"/control", map[string]string{"action": action}, nil)
}
