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
	"strings"
	"time"

	"github.com/execution-hub/duel-escrow/internal/domain/match"
	"github.com/execution-hub/duel-escrow/internal/domain/projection"
	"github.com/execution-hub/duel-escrow/internal/p2p/protocol"
	"github.com/execution-hub/duel-escrow/internal/p2p/state"
)

// APIError is a non-2xx answer from a node.
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"error"`
	Message string         `json:"message"`
	Receipt *state.Receipt `json:"receipt,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("node returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to one node's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient swaps the underlying http.Client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) SubmitTx(ctx context.Context, tx protocol.Tx) (state.Receipt, error) {
	var receipt state.Receipt
	err := c.do(ctx, http.MethodPost, "/v1/p2p/tx", tx, &receipt)
	return receipt, err
}

func (c *Client) Receipt(ctx context.Context, txID string) (state.Receipt, error) {
	var receipt state.Receipt
	err := c.do(ctx, http.MethodGet, "/v1/p2p/tx/"+url.PathEscape(txID), nil, &receipt)
	return receipt, err
}

func (c *Client) Match(ctx context.Context, id uint64) (match.Match, error) {
	var m match.Match
	err := c.do(ctx, http.MethodGet, "/v1/matches/"+strconv.FormatUint(id, 10), nil, &m)
	return m, err
}

// Events returns committed events with seq > after.
func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]projection.Event, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Events []projection.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/events?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Join asks the node (normally the leader) to add a voter.
func (c *Client) Join(ctx context.Context, nodeID, raftAddr string) error {
	body := map[string]string{"node_id": nodeID, "raft_addr": raftAddr}
	return c.do(ctx, http.MethodPost, "/v1/p2p/raft/join", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
