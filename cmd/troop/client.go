package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"troop/internal/config"
)

// apiClient is the thin HTTP client behind the operator subcommands.
type apiClient struct {
	baseURL string
	http    *http.Client
}

// newAPIClient resolves the server address from --addr, then the config
// file, then the default listen address.
func newAPIClient() (*apiClient, error) {
	addr := flagAddr
	if addr == "" {
		var opts []config.Option
		if flagConfig != "" {
			opts = append(opts, config.WithConfigPath(flagConfig))
		}
		cfg, _, err := config.Load(opts...)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		addr = cfg.HTTPAddr
	}

	baseURL := addr
	if strings.HasPrefix(baseURL, ":") {
		baseURL = "localhost" + baseURL
	}
	if !strings.HasPrefix(baseURL, "http") {
		baseURL = "http://" + baseURL
	}

	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the orchestrator running at %s? %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}
