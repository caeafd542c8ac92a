// Package innerprovider is the client for the inner Merkle-store provider:
// an external collaborator service that actually holds the key-value
// shard data and computes roots. The synchronization core never touches
// shard storage directly — every read or write of keyed data is a call
// through this client.
package innerprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"merkleverse/internal/bitindex"
	"merkleverse/internal/merrors"
)

// Client is the interface the protocol engine depends on, so tests can
// substitute a fake provider without standing up an HTTP server.
type Client interface {
	// Transaction applies one write against the provider's pending set
	// for the given epoch.
	Transaction(ctx context.Context, epoch uint64, req TransactionArgs) error
	// TriggerEpoch asks the provider to seal the pending set into a new
	// root and make it canonical, returning that root.
	TriggerEpoch(ctx context.Context, epoch uint64) (Root []byte, err error)
	// CurrentRoot returns the provider's current canonical root.
	CurrentRoot(ctx context.Context) ([]byte, error)
	// RootAt returns the root the provider held at a past epoch.
	RootAt(ctx context.Context, epoch uint64) ([]byte, error)
	// LookUpLatest returns the current value at index, if any.
	LookUpLatest(ctx context.Context, index bitindex.Index) (value []byte, found bool, err error)
	// LookUpHistory returns the value at index as of a past epoch.
	LookUpHistory(ctx context.Context, index bitindex.Index, epoch uint64) (value []byte, found bool, err error)
}

// TransactionArgs is the wire payload for one write against the provider.
type TransactionArgs struct {
	Op    string // "update" or "delete"
	Index bitindex.Index
	Value []byte
}

// HTTPClient is the production Client, talking JSON-over-HTTP to the
// inner provider's endpoint.
type HTTPClient struct {
	baseURL string
	hc      *http.Client
}

// NewHTTPClient builds a client against baseURL (e.g.
// "http://127.0.0.1:7000") with the given request timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout},
	}
}

type transactionRequest struct {
	Epoch uint64 `json:"epoch"`
	Op    string `json:"op"`
	Index string `json:"index"` // base64
	Len   int    `json:"len"`
	Value []byte `json:"value,omitempty"`
}

func (c *HTTPClient) Transaction(ctx context.Context, epoch uint64, req TransactionArgs) error {
	body := transactionRequest{
		Epoch: epoch,
		Op:    req.Op,
		Index: req.Index.EncodeBase64(),
		Len:   req.Index.Length,
		Value: req.Value,
	}
	return c.post(ctx, "/transaction", body, nil)
}

type triggerEpochRequest struct {
	Epoch uint64 `json:"epoch"`
}

type rootResponse struct {
	Root []byte `json:"root"`
}

func (c *HTTPClient) TriggerEpoch(ctx context.Context, epoch uint64) ([]byte, error) {
	var resp rootResponse
	if err := c.post(ctx, "/trigger_epoch", triggerEpochRequest{Epoch: epoch}, &resp); err != nil {
		return nil, err
	}
	return resp.Root, nil
}

func (c *HTTPClient) CurrentRoot(ctx context.Context) ([]byte, error) {
	var resp rootResponse
	if err := c.get(ctx, "/current_root", &resp); err != nil {
		return nil, err
	}
	return resp.Root, nil
}

func (c *HTTPClient) RootAt(ctx context.Context, epoch uint64) ([]byte, error) {
	var resp rootResponse
	if err := c.get(ctx, fmt.Sprintf("/root?epoch=%d", epoch), &resp); err != nil {
		return nil, err
	}
	return resp.Root, nil
}

type lookupResponse struct {
	Found bool   `json:"found"`
	Value []byte `json:"value,omitempty"`
}

func (c *HTTPClient) LookUpLatest(ctx context.Context, index bitindex.Index) ([]byte, bool, error) {
	path := fmt.Sprintf("/look_up_latest?index=%s&len=%d", index.EncodeBase64(), index.Length)
	var resp lookupResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

func (c *HTTPClient) LookUpHistory(ctx context.Context, index bitindex.Index, epoch uint64) ([]byte, bool, error) {
	path := fmt.Sprintf("/look_up_history?index=%s&len=%d&epoch=%d", index.EncodeBase64(), index.Length, epoch)
	var resp lookupResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return merrors.Wrap(merrors.CommitFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return merrors.Wrap(merrors.CommitFailure, fmt.Errorf("inner provider: unexpected status %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
