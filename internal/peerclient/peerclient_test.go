package peerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"merkleverse/internal/bitindex"
	"merkleverse/internal/topology"
	"merkleverse/internal/txpool"
	"merkleverse/internal/wire"
)

func TestHTTPClientPeerPrepareEncodesRequest(t *testing.T) {
	var got wire.PeerPrepareRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/peer_prepare" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPClient(time.Second)
	peer := &topology.PeerServer{ID: "B", ConnectionString: srv.URL}

	if err := client.PeerPrepare(context.Background(), peer, 7, "A"); err != nil {
		t.Fatalf("PeerPrepare: %v", err)
	}
	if got.Epoch != 7 || got.PeerIdentity != "A" {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestHTTPClientPeerTransactionEncodesOperation(t *testing.T) {
	var got wire.PeerTransactionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPClient(time.Second)
	peer := &topology.PeerServer{ID: "B", ConnectionString: srv.URL}
	idx, _ := bitindex.FromBitString("101")
	tx := txpool.Transaction{
		Operation: txpool.Operation{Op: txpool.OpUpdate, Index: idx, Value: []byte("v")},
	}

	if err := client.PeerTransaction(context.Background(), peer, tx, "A", 2, []byte("sig")); err != nil {
		t.Fatalf("PeerTransaction: %v", err)
	}
	if got.ServerID != "A" || got.Epoch != 2 || got.Transaction.Type != wire.OpUpdate || got.Transaction.Len != 3 {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestHTTPClientClientTransactionToSuperior(t *testing.T) {
	var got wire.ClientTransactionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/client_transaction" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPClient(time.Second)
	superior := &topology.PeerServer{ID: "P", ConnectionString: srv.URL}
	tx := txpool.Transaction{Operation: txpool.Operation{Op: txpool.OpUpdate, Index: bitindex.Empty(), Value: []byte("root")}}

	if err := client.ClientTransaction(context.Background(), superior, tx); err != nil {
		t.Fatalf("ClientTransaction: %v", err)
	}
	if string(got.Transaction.Value) != "root" {
		t.Fatalf("unexpected propagated value: %+v", got.Transaction)
	}
}

func TestHTTPClientNonOKStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusConflict)
	}))
	defer srv.Close()

	client := NewHTTPClient(time.Second)
	peer := &topology.PeerServer{ID: "B", ConnectionString: srv.URL}
	err := client.PeerCommit(context.Background(), peer, 1, "A", []byte("h"), []byte("s"))
	if err == nil {
		t.Fatalf("expected an error for a non-2xx status")
	}
}

func TestHTTPClientPeerCommitEncodesPeerIdentity(t *testing.T) {
	var got wire.PeerCommitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/peer_commit" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPClient(time.Second)
	peer := &topology.PeerServer{ID: "B", ConnectionString: srv.URL}

	if err := client.PeerCommit(context.Background(), peer, 9, "A", []byte("root"), []byte("sig")); err != nil {
		t.Fatalf("PeerCommit: %v", err)
	}
	if got.PeerIdentity != "A" {
		t.Fatalf("expected peer_commit to carry the caller's own identity, got %+v", got)
	}
	if got.Epoch != 9 || string(got.Head) != "root" || string(got.Signature) != "sig" {
		t.Fatalf("unexpected request body: %+v", got)
	}
}
