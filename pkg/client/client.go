// Package client provides a thin HTTP client for submitting request batches
// to a running coordinator, one method per call, built over plain
// net/http+JSON.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/streamplane/coordinator/pkg/model"
	"github.com/streamplane/coordinator/pkg/request"
)

// Client calls a coordinator's HTTP API.
type Client struct {
	addr string
	http *http.Client
}

// NewClient creates a client for the coordinator listening at addr (e.g.
// "http://localhost:9090").
func NewClient(addr string) *Client {
	return &Client{
		addr: addr,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// submitRequest/submitResponse mirror pkg/api's wire envelope.
type submitRequest struct {
	Batch []request.Command `json:"batch"`
}

type submitResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// SubmitBatch posts a request batch to the coordinator's /submit endpoint.
func (c *Client) SubmitBatch(batch []request.Command) error {
	body, err := json.Marshal(submitRequest{Batch: batch})
	if err != nil {
		return fmt.Errorf("client: marshal batch: %w", err)
	}

	resp, err := c.http.Post(c.addr+"/submit", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("client: submit batch: %w", err)
	}
	defer resp.Body.Close()

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("client: decode submit response: %w", err)
	}
	if !out.Accepted {
		return fmt.Errorf("client: batch rejected: %s", out.Error)
	}
	return nil
}

// AddQuery is a convenience wrapper that wraps one AddQueryRequest in a
// single-command batch and submits it.
func (c *Client) AddQuery(req request.AddQueryRequest) error {
	cmd, err := request.NewCommand(request.KindAddQuery, "", req)
	if err != nil {
		return fmt.Errorf("client: build add-query command: %w", err)
	}
	return c.SubmitBatch([]request.Command{cmd})
}

// StopQuery is a convenience wrapper around a single-command stop-query batch.
func (c *Client) StopQuery(queryID uint64) error {
	cmd, err := request.NewCommand(request.KindStopQuery, "", request.StopQueryRequest{QueryID: model.QueryID(queryID)})
	if err != nil {
		return fmt.Errorf("client: build stop-query command: %w", err)
	}
	return c.SubmitBatch([]request.Command{cmd})
}

// SubmitISQPBatch submits an incremental-stream-query-plan event batch.
func (c *Client) SubmitISQPBatch(events []request.ISQPEvent) error {
	cmd, err := request.NewCommand(request.KindISQPBatch, "", request.ISQPBatch{Events: events})
	if err != nil {
		return fmt.Errorf("client: build isqp batch command: %w", err)
	}
	return c.SubmitBatch([]request.Command{cmd})
}

// Ready reports whether the coordinator's /ready endpoint reports ready.
func (c *Client) Ready() (bool, error) {
	resp, err := c.http.Get(c.addr + "/ready")
	if err != nil {
		return false, fmt.Errorf("client: ready check: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
