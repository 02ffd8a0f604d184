// Package client is a thin HTTP client for a running dindex daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/AvengeMedia/dankindex/internal/opqueue"
	"github.com/AvengeMedia/dankindex/internal/pipeline"
	"github.com/AvengeMedia/dankindex/internal/query"
	"github.com/AvengeMedia/dankindex/internal/syncer"
)

type Client struct {
	base string
	http *http.Client
}

func New(addr string) *Client {
	return &Client{
		base: "http://" + addr,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// Ping reports whether a daemon is reachable.
func (c *Client) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) IndexDirectory(ctx context.Context, path string, recursive, monitor bool) (*pipeline.DirManifest, error) {
	body := map[string]any{"path": path, "recursive": recursive, "monitor": monitor}
	var manifest pipeline.DirManifest
	if err := c.do(ctx, http.MethodPost, "/index/directory", body, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func (c *Client) IndexFile(ctx context.Context, path string) (string, error) {
	var out struct {
		Outcome string `json:"outcome"`
	}
	err := c.do(ctx, http.MethodPost, "/index/file", map[string]any{"path": path}, &out)
	return out.Outcome, err
}

func (c *Client) Stats(ctx context.Context) (*pipeline.Stats, error) {
	var stats pipeline.Stats
	if err := c.do(ctx, http.MethodGet, "/index/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) Search(ctx context.Context, req *query.Request) (*query.Response, error) {
	params := url.Values{}
	params.Set("q", req.Query)
	if req.Type != "" {
		params.Set("type", string(req.Type))
	}
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.IncludeContent {
		params.Set("include_content", "true")
	}

	var resp query.Response
	if err := c.do(ctx, http.MethodGet, "/search?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SyncNow(ctx context.Context) (*syncer.SyncResult, error) {
	var result syncer.SyncResult
	if err := c.do(ctx, http.MethodPost, "/sync", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Conflicts(ctx context.Context) ([]*opqueue.Operation, error) {
	var out struct {
		Operations []*opqueue.Operation `json:"operations"`
	}
	if err := c.do(ctx, http.MethodGet, "/sync/conflicts", nil, &out); err != nil {
		return nil, err
	}
	return out.Operations, nil
}

func (c *Client) Retry(ctx context.Context, id uint64) error {
	path := fmt.Sprintf("/sync/conflicts/%d/retry", id)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// FileOp submits a rename, move, tagUpdate, or delete.
func (c *Client) FileOp(ctx context.Context, opType, path, newName, destPath string, tags []string) (*opqueue.Operation, error) {
	body := map[string]any{"type": opType, "path": path}
	if newName != "" {
		body["new_name"] = newName
	}
	if destPath != "" {
		body["dest_path"] = destPath
	}
	if len(tags) > 0 {
		body["tags"] = tags
	}

	var op opqueue.Operation
	if err := c.do(ctx, http.MethodPost, "/ops", body, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

type Status struct {
	Online        bool      `json:"online"`
	Monitoring    bool      `json:"monitoring"`
	Roots         []string  `json:"roots"`
	QueuedOps     int       `json:"queued_ops"`
	LastReconcile time.Time `json:"last_reconcile"`
}

func (c *Client) SetOnline(ctx context.Context, online bool) (*Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodPost, "/status", map[string]any{"online": online}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Detail != "" {
			return fmt.Errorf("%s: %s", apiErr.Title, apiErr.Detail)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
