package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/aalhour/epochkv"
)

// Client calls the control API of a remote server.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the server at base, e.g.
// "http://localhost:7070".
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: time.Minute},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server: %d %s: %s", e.Code, http.StatusText(e.Code), e.Message)
}

// Pause pauses the cluster.
func (c *Client) Pause(ctx context.Context) (epochkv.ClusterState, error) {
	var st epochkv.ClusterState
	err := c.do(ctx, http.MethodPost, "/v1/cluster/pause", nil, &st)
	return st, err
}

// Resume resumes the cluster.
func (c *Client) Resume(ctx context.Context) (epochkv.ClusterState, error) {
	var st epochkv.ClusterState
	err := c.do(ctx, http.MethodPost, "/v1/cluster/resume", nil, &st)
	return st, err
}

// State returns the cluster state.
func (c *Client) State(ctx context.Context) (epochkv.ClusterState, error) {
	var st epochkv.ClusterState
	err := c.do(ctx, http.MethodGet, "/v1/cluster/state", nil, &st)
	return st, err
}

// Groups lists the compaction groups.
func (c *Client) Groups(ctx context.Context) ([]GroupResponse, error) {
	var groups []GroupResponse
	err := c.do(ctx, http.MethodGet, "/v1/groups", nil, &groups)
	return groups, err
}

// UpdateConfig applies req and returns the groups after the update.
func (c *Client) UpdateConfig(ctx context.Context, req ConfigUpdateRequest) ([]GroupResponse, error) {
	var groups []GroupResponse
	err := c.do(ctx, http.MethodPatch, "/v1/groups/config", req, &groups)
	return groups, err
}

// Flush triggers a flush and returns the committed epoch.
func (c *Client) Flush(ctx context.Context) (uint64, error) {
	var resp EpochResponse
	err := c.do(ctx, http.MethodPost, "/v1/flush", nil, &resp)
	return resp.Epoch, err
}

// Compact compacts every level of group id.
func (c *Client) Compact(ctx context.Context, id uint32) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/groups/%d/compact", id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = resp.Status
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
