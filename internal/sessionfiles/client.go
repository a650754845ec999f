// Package sessionfiles exposes per-session file tools backed by an
// external storage service. The runtime holds no file state itself;
// every operation is proxied with the session id in the URL and the
// session working directory as a header.
package sessionfiles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relayops/relay/pkg/models"
)

const defaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a storage error response is quoted.
const maxErrorBody = 512

// cwdHeader forwards the session working directory to the service.
const cwdHeader = "X-Session-Cwd"

// Config locates the storage service.
type Config struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Token   string        `yaml:"token" json:"token"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Client talks to the storage service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a storage client. The base URL is required.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("storage base URL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// FileInfo describes one stored file.
type FileInfo struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// Read fetches a file's content.
func (c *Client) Read(ctx context.Context, sess *models.Session, path string) (string, error) {
	resp, err := c.do(ctx, sess, http.MethodGet, path, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := c.check(resp, path); err != nil {
		return "", err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read storage response: %w", err)
	}
	return string(data), nil
}

// Write stores a file's content, creating or replacing it.
func (c *Client) Write(ctx context.Context, sess *models.Session, path, content string) error {
	resp, err := c.do(ctx, sess, http.MethodPut, path, content)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.check(resp, path)
}

// List returns the session's stored files.
func (c *Client) List(ctx context.Context, sess *models.Session) ([]FileInfo, error) {
	resp, err := c.do(ctx, sess, http.MethodGet, "", "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := c.check(resp, ""); err != nil {
		return nil, err
	}
	var list struct {
		Files []FileInfo `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("parse storage listing: %w", err)
	}
	return list.Files, nil
}

// Delete removes a file.
func (c *Client) Delete(ctx context.Context, sess *models.Session, path string) error {
	resp, err := c.do(ctx, sess, http.MethodDelete, path, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.check(resp, path)
}

func (c *Client) do(ctx context.Context, sess *models.Session, method, path, body string) (*http.Response, error) {
	if sess == nil || sess.ID == "" {
		return nil, fmt.Errorf("no session in context")
	}
	endpoint := fmt.Sprintf("%s/v1/sessions/%s/files", c.baseURL, url.PathEscape(sess.ID))
	if path != "" {
		endpoint += "?path=" + url.QueryEscape(path)
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create storage request: %w", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if sess.CWD != "" {
		req.Header.Set(cwdHeader, sess.CWD)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage request: %w", err)
	}
	return resp, nil
}

func (c *Client) check(resp *http.Response, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound && path != "" {
		return fmt.Errorf("file not found: %s", path)
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("storage service: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
