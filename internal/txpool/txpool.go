// Package txpool implements the per-epoch deduplicated set of pending
// write operations a server accumulates before committing an epoch.
// Transactions are hashed on (source_kind, operation) so that a peer's
// echo of a client's own submission collides with any other peer's echo
// of the same operation, preventing duplication across the cluster.
package txpool

import (
	"errors"
	"sync"

	"merkleverse/internal/bitindex"
	"merkleverse/internal/topology"
)

// SourceKind collapses every Peer(_) source into one bucket for hashing
// purposes, while Source below keeps the originating peer id for
// bookkeeping.
type SourceKind uint8

const (
	SourceClient SourceKind = iota
	SourcePeer
)

// Source identifies who submitted a transaction. Kind participates in the
// transaction's hash; PeerID does not.
type Source struct {
	Kind   SourceKind
	PeerID topology.ServerId // zero value when Kind == SourceClient
}

// OpKind is the kind of write operation a transaction carries.
type OpKind uint8

const (
	// OpUpdate writes Value at Index.
	OpUpdate OpKind = iota
	// OpDelete removes Index.
	OpDelete
	// OpRegister is kept distinct in the wire enum per the synchronization
	// design's open question, but is treated as a synonym for OpUpdate at
	// conversion time (see TransactionFromRequest).
	OpRegister
)

// Operation is the write this transaction applies.
type Operation struct {
	Op    OpKind
	Index bitindex.Index
	Value []byte // unused for OpDelete
}

// Transaction is one pending write, tagged by source. Auxiliary is opaque
// and never inspected by the pool or the signature module.
type Transaction struct {
	Source    Source
	Operation Operation
	Auxiliary []byte
}

// hashKey computes the equality key for set semantics: (source_kind,
// operation), deliberately excluding the peer id and auxiliary.
func hashKey(t Transaction) string {
	var b []byte
	b = append(b, byte(t.Source.Kind))
	b = append(b, byte(t.Operation.Op))
	b = append(b, byte(t.Operation.Index.Length>>8), byte(t.Operation.Index.Length))
	b = append(b, t.Operation.Index.Bytes...)
	b = append(b, 0) // separator
	b = append(b, t.Operation.Value...)
	return string(b)
}

// InsertResult reports whether an insert added a new transaction or found
// an existing equal one already pooled.
type InsertResult int

const (
	Inserted InsertResult = iota
	Duplicate
)

// TransactionRequest is the wire shape a client or peer submits. Type
// Update requires Value; Type Delete ignores any provided value. An empty
// Index is accepted — it addresses the shard root itself.
type TransactionRequest struct {
	Type      OpKind
	Index     bitindex.Index
	Value     []byte
	HasValue  bool
	Auxiliary []byte
}

// TransactionFromRequest converts a wire request into a pool Transaction.
// OpRegister is treated as OpUpdate at this layer.
func TransactionFromRequest(src Source, req TransactionRequest) (Transaction, error) {
	op := req.Type
	switch op {
	case OpUpdate, OpRegister:
		if !req.HasValue {
			return Transaction{}, errors.New("txpool: update requires a value")
		}
		return Transaction{
			Source:    src,
			Operation: Operation{Op: OpUpdate, Index: req.Index, Value: req.Value},
			Auxiliary: req.Auxiliary,
		}, nil
	case OpDelete:
		return Transaction{
			Source:    src,
			Operation: Operation{Op: OpDelete, Index: req.Index},
			Auxiliary: req.Auxiliary,
		}, nil
	default:
		return Transaction{}, errors.New("txpool: unknown operation type")
	}
}

// Pool holds a mapping epoch -> set<Transaction> under set semantics
// defined by hashKey, guarded by its own mutex so callers outside
// epoch.State's lock can still query pool sizes for the routine loops.
type Pool struct {
	mu     sync.Mutex
	epochs map[uint64]map[string]Transaction
}

// New returns an empty transaction pool.
func New() *Pool {
	return &Pool{epochs: make(map[uint64]map[string]Transaction)}
}

// InsertClient inserts a client-submitted transaction at the given epoch.
func (p *Pool) InsertClient(epoch uint64, t Transaction) InsertResult {
	return p.insert(epoch, t)
}

// InsertPeer inserts a peer-submitted transaction. The epoch is whatever
// the caller resolved from the request; txpool does not itself read an
// epoch field off Transaction.
func (p *Pool) InsertPeer(epoch uint64, t Transaction) InsertResult {
	return p.insert(epoch, t)
}

func (p *Pool) insert(epoch uint64, t Transaction) InsertResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.epochs[epoch]
	if !ok {
		set = make(map[string]Transaction)
		p.epochs[epoch] = set
	}
	key := hashKey(t)
	if _, exists := set[key]; exists {
		return Duplicate
	}
	set[key] = t
	return Inserted
}

// GetEpoch returns the (possibly empty) set of transactions pooled for
// epoch.
func (p *Pool) GetEpoch(epoch uint64) []Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.epochs[epoch]
	out := make([]Transaction, 0, len(set))
	for _, t := range set {
		out = append(out, t)
	}
	return out
}

// Count returns the number of transactions pooled for epoch, without
// allocating a slice copy — used by the prepare watcher's threshold
// check.
func (p *Pool) Count(epoch uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.epochs[epoch])
}

// PurgeBefore removes all entries with epoch strictly less than
// watermark.
func (p *Pool) PurgeBefore(watermark uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := range p.epochs {
		if e < watermark {
			delete(p.epochs, e)
		}
	}
}
