// Package peerclient issues the four outbound calls one server makes to
// another: peer_prepare and peer_commit to parallel peers, peer_transaction
// dissemination to parallel peers, and client_transaction to superiors. One
// handle is built on demand per call, never pooled, mirroring the
// connect-per-operation shape the teacher's peer manager uses.
package peerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"merkleverse/internal/topology"
	"merkleverse/internal/txpool"
	"merkleverse/internal/wire"
)

// Client is the interface the protocol engine depends on, so tests can
// substitute a fake without opening real sockets.
type Client interface {
	PeerPrepare(ctx context.Context, peer *topology.PeerServer, epoch uint64, selfID topology.ServerId) error
	PeerCommit(ctx context.Context, peer *topology.PeerServer, epoch uint64, selfID topology.ServerId, head, sig []byte) error
	PeerTransaction(ctx context.Context, peer *topology.PeerServer, tx txpool.Transaction, selfID topology.ServerId, epoch uint64, sig []byte) error
	ClientTransaction(ctx context.Context, superior *topology.PeerServer, tx txpool.Transaction) error
}

// HTTPClient is the production Client.
type HTTPClient struct {
	hc *http.Client
}

// NewHTTPClient builds a client with the given per-request timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{hc: &http.Client{Timeout: timeout}}
}

func opName(op txpool.OpKind) string {
	switch op {
	case txpool.OpUpdate:
		return wire.OpUpdate
	case txpool.OpDelete:
		return wire.OpDelete
	case txpool.OpRegister:
		return wire.OpRegister
	default:
		return wire.OpUpdate
	}
}

func toWireTransaction(tx txpool.Transaction) wire.TransactionWire {
	return wire.TransactionWire{
		Type:      opName(tx.Operation.Op),
		Index:     tx.Operation.Index.EncodeBase64(),
		Len:       tx.Operation.Index.Length,
		Value:     tx.Operation.Value,
		Auxiliary: tx.Auxiliary,
	}
}

func (c *HTTPClient) PeerPrepare(ctx context.Context, peer *topology.PeerServer, epoch uint64, selfID topology.ServerId) error {
	body := wire.PeerPrepareRequest{Epoch: epoch, PeerIdentity: string(selfID)}
	return c.post(ctx, peer.ConnectionString+"/peer_prepare", body)
}

func (c *HTTPClient) PeerCommit(ctx context.Context, peer *topology.PeerServer, epoch uint64, selfID topology.ServerId, head, sig []byte) error {
	body := wire.PeerCommitRequest{PeerIdentity: string(selfID), Epoch: epoch, Head: head, Signature: sig}
	return c.post(ctx, peer.ConnectionString+"/peer_commit", body)
}

func (c *HTTPClient) PeerTransaction(ctx context.Context, peer *topology.PeerServer, tx txpool.Transaction, selfID topology.ServerId, epoch uint64, sig []byte) error {
	body := wire.PeerTransactionRequest{
		Transaction: toWireTransaction(tx),
		ServerID:    string(selfID),
		Epoch:       epoch,
		Signature:   sig,
	}
	return c.post(ctx, peer.ConnectionString+"/peer_transaction", body)
}

func (c *HTTPClient) ClientTransaction(ctx context.Context, superior *topology.PeerServer, tx txpool.Transaction) error {
	body := wire.ClientTransactionRequest{Transaction: toWireTransaction(tx)}
	return c.post(ctx, superior.ConnectionString+"/client_transaction", body)
}

func (c *HTTPClient) post(ctx context.Context, url string, body interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peerclient: %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
