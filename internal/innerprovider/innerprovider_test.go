package innerprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"merkleverse/internal/bitindex"
	"merkleverse/internal/merrors"
)

func TestHTTPClientTriggerEpochAndTransaction(t *testing.T) {
	var gotTransaction transactionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transaction":
			if err := json.NewDecoder(r.Body).Decode(&gotTransaction); err != nil {
				t.Fatalf("decode transaction body: %v", err)
			}
			w.WriteHeader(http.StatusOK)
		case "/trigger_epoch":
			_ = json.NewEncoder(w).Encode(rootResponse{Root: []byte("new-root")})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, time.Second)
	idx, _ := bitindex.FromBitString("101")

	err := client.Transaction(context.Background(), 3, TransactionArgs{
		Op:    "update",
		Index: idx,
		Value: []byte("v"),
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if gotTransaction.Epoch != 3 || gotTransaction.Op != "update" {
		t.Fatalf("unexpected transaction payload: %+v", gotTransaction)
	}

	root, err := client.TriggerEpoch(context.Background(), 3)
	if err != nil {
		t.Fatalf("TriggerEpoch: %v", err)
	}
	if string(root) != "new-root" {
		t.Fatalf("unexpected root: %q", root)
	}
}

func TestHTTPClientLookUpLatestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(lookupResponse{Found: false})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, time.Second)
	idx, _ := bitindex.FromBitString("1")
	_, found, err := client.LookUpLatest(context.Background(), idx)
	if err != nil {
		t.Fatalf("LookUpLatest: %v", err)
	}
	if found {
		t.Fatalf("expected not found")
	}
}

func TestHTTPClientErrorStatusWrapsCommitFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, time.Second)
	_, err := client.CurrentRoot(context.Background())
	if err == nil {
		t.Fatalf("expected an error for a 500 response")
	}
	if kind, ok := merrors.KindOf(err); !ok || kind != merrors.CommitFailure {
		t.Fatalf("expected CommitFailure, got %v", err)
	}
}
