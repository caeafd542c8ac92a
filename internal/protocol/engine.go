// Package protocol implements the seven methods that drive one server's
// side of the prepare/commit epoch protocol: broadcasting and receiving
// prepares, signing and exchanging epoch-root signatures, triggering a
// commit against the inner provider, and accepting client/peer
// transactions. Every method follows the concurrency model's rule:
// acquire the epoch lock, mutate or read, release, then perform I/O.
package protocol

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"merkleverse/internal/epoch"
	"merkleverse/internal/innerprovider"
	"merkleverse/internal/merrors"
	"merkleverse/internal/peerclient"
	"merkleverse/internal/signing"
	"merkleverse/internal/topology"
	"merkleverse/internal/txpool"
	"merkleverse/internal/wire"
)

// spuriousWakeupBudget bounds how many early commit-notify wake-ups a
// waiting client_transaction(wait=true) tolerates before giving up.
const spuriousWakeupBudget = 3

// Engine is the protocol engine for one server.
type Engine struct {
	Self    *topology.MerkleVerseServer
	Derived signing.DerivedPrivateKey
	State   *epoch.State
	Pool    *txpool.Pool
	Inner   innerprovider.Client
	Peers   peerclient.Client
	Log     *log.Entry
}

// New builds an Engine wired to its collaborators.
func New(self *topology.MerkleVerseServer, derived signing.DerivedPrivateKey, state *epoch.State, pool *txpool.Pool, inner innerprovider.Client, peers peerclient.Client, logger *log.Entry) *Engine {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Engine{
		Self:    self,
		Derived: derived,
		State:   state,
		Pool:    pool,
		Inner:   inner,
		Peers:   peers,
		Log:     logger.WithField("server_id", string(self.ID)),
	}
}

func opName(op txpool.OpKind) string {
	switch op {
	case txpool.OpDelete:
		return wire.OpDelete
	default:
		return wire.OpUpdate
	}
}

func digestOf(tx txpool.Transaction) [8]byte {
	return signing.TransactionDigest(tx.Operation.Index.Bytes, tx.Operation.Value, signing.OpKind(tx.Operation.Op))
}

//---------------------------------------------------------------------
// broadcast_prepare / receive_prepare
//---------------------------------------------------------------------

// BroadcastPrepare transitions this server into Prepare(current_epoch)
// and fans out peer_prepare to every parallel peer, best-effort.
func (e *Engine) BroadcastPrepare(ctx context.Context) error {
	epochNum, err := e.State.TryBeginPrepare()
	if err != nil {
		return err
	}
	e.fanOut(len(e.Self.Parallel), func(i int) error {
		peer := e.Self.Parallel[i]
		return e.Peers.PeerPrepare(ctx, peer, epochNum, e.Self.ID)
	}, "peer_prepare")
	return nil
}

// ReceivePrepare records a peer's prepare announcement and, if this
// server was still Normal, eagerly enters Prepare itself (infection).
func (e *Engine) ReceivePrepare(ctx context.Context, from topology.ServerId, epochNum uint64) {
	own := e.State.ObservePeerPrepare(from, epochNum)
	if own.Kind != epoch.Preparing {
		if err := e.BroadcastPrepare(ctx); err != nil {
			e.Log.WithError(err).Debug("infection broadcast_prepare lost a race with a concurrent prepare")
		}
	}
}

//---------------------------------------------------------------------
// sign_and_broadcast / receive_signatures
//---------------------------------------------------------------------

// SignAndBroadcast signs the current root under this server's BLS key,
// merges the signature into this epoch's multi-signature record, and
// fans out peer_commit to every parallel peer.
func (e *Engine) SignAndBroadcast(ctx context.Context) (epochNum uint64, root, sig []byte) {
	epochNum, root, sig = e.State.SignAndMerge(e.Self.ID, func(r []byte) []byte {
		return signing.SignRoot(e.Derived.BLS, r)
	})
	e.fanOut(len(e.Self.Parallel), func(i int) error {
		peer := e.Self.Parallel[i]
		return e.Peers.PeerCommit(ctx, peer, epochNum, e.Self.ID, root, sig)
	}, "peer_commit")
	return epochNum, root, sig
}

// ReceiveSignatures validates and merges a peer's epoch-root signature.
func (e *Engine) ReceiveSignatures(epochNum uint64, head []byte, signer topology.ServerId, sig []byte) error {
	return e.State.ReceiveSignature(epochNum, head, signer, sig)
}

//---------------------------------------------------------------------
// trigger_commit
//---------------------------------------------------------------------

// TriggerCommit forwards every pooled transaction for the current epoch
// to the inner provider, advances its epoch to obtain the new root,
// signs and broadcasts that root, then transitions Normal and
// current_epoch+1, notifying waiters and propagating to superiors.
func (e *Engine) TriggerCommit(ctx context.Context) error {
	epochNum := e.State.CurrentEpoch()
	pending := e.Pool.GetEpoch(epochNum)

	for _, tx := range pending {
		args := innerprovider.TransactionArgs{
			Op:    opName(tx.Operation.Op),
			Index: tx.Operation.Index,
			Value: tx.Operation.Value,
		}
		if err := e.Inner.Transaction(ctx, epochNum, args); err != nil {
			return merrors.Wrap(merrors.CommitFailure, err)
		}
	}

	head, err := e.Inner.TriggerEpoch(ctx, epochNum)
	if err != nil {
		return merrors.Wrap(merrors.CommitFailure, err)
	}
	e.State.SetRoot(head)

	e.SignAndBroadcast(ctx)

	committed, next := e.State.FinishCommit()
	e.Pool.PurgeBefore(next)

	if len(e.Self.Superior) > 0 {
		e.fanOut(len(e.Self.Superior), func(i int) error {
			superior := e.Self.Superior[i]
			relative := topology.RelativeIndex(e.Self.Prefix, superior)
			tx := txpool.Transaction{
				Source:    txpool.Source{Kind: txpool.SourceClient},
				Operation: txpool.Operation{Op: txpool.OpUpdate, Index: relative, Value: head},
			}
			return e.Peers.ClientTransaction(ctx, superior, tx)
		}, "client_transaction(superior)")
	}

	e.Log.WithFields(log.Fields{"committed_epoch": committed, "next_epoch": next}).Info("committed epoch")
	return nil
}

//---------------------------------------------------------------------
// receive_client_transaction / receive_peer_transaction
//---------------------------------------------------------------------

// ReceiveClientTransaction inserts a client-submitted transaction at the
// appropriate target epoch, disseminates it to parallel peers if newly
// inserted, and optionally blocks until that epoch commits.
func (e *Engine) ReceiveClientTransaction(ctx context.Context, req txpool.TransactionRequest, wait bool) (txpool.InsertResult, error) {
	tx, err := txpool.TransactionFromRequest(txpool.Source{Kind: txpool.SourceClient}, req)
	if err != nil {
		return 0, merrors.Wrap(merrors.MissingField, err)
	}

	target := e.State.CurrentEpoch()
	if e.State.IsPreparing() {
		target++
	}

	result := e.Pool.InsertClient(target, tx)
	if result == txpool.Duplicate {
		return result, nil
	}

	if len(e.Self.Parallel) > 0 {
		digest := digestOf(tx)
		sig := signing.SignTransaction(e.Derived.Ed25519, digest)
		go e.fanOut(len(e.Self.Parallel), func(i int) error {
			peer := e.Self.Parallel[i]
			return e.Peers.PeerTransaction(ctx, peer, tx, e.Self.ID, target, sig)
		}, "peer_transaction")
	}

	if wait {
		if err := e.State.WaitForCommit(ctx, target, spuriousWakeupBudget); err != nil {
			return result, err
		}
	}
	return result, nil
}

// ReceivePeerTransaction verifies a peer-disseminated transaction's
// ed25519 signature and inserts it into the pool. Peer transactions are
// never re-disseminated.
func (e *Engine) ReceivePeerTransaction(req txpool.TransactionRequest, signer topology.ServerId, epochNum uint64, sig []byte) (txpool.InsertResult, error) {
	peer, ok := e.Self.ParallelPeer(signer)
	if !ok {
		return 0, merrors.New(merrors.PeerUnknown)
	}
	tx, err := txpool.TransactionFromRequest(txpool.Source{Kind: txpool.SourcePeer, PeerID: signer}, req)
	if err != nil {
		return 0, merrors.Wrap(merrors.MissingField, err)
	}
	if !signing.VerifyTransaction(peer.PublicKey.Ed25519, digestOf(tx), sig) {
		return 0, merrors.New(merrors.SignatureInvalid)
	}
	return e.Pool.InsertPeer(epochNum, tx), nil
}

//---------------------------------------------------------------------
// fan-out helper
//---------------------------------------------------------------------

// fanOut runs call(0..n) concurrently, waits for all to finish, and logs
// (without surfacing) any failure — every outbound peer/superior call in
// this protocol is best-effort.
func (e *Engine) fanOut(n int, call func(i int) error, label string) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			if err := call(i); err != nil {
				e.Log.WithError(err).WithField("rpc", label).Warn("outbound peer call failed")
			}
		}(i)
	}
	wg.Wait()
}
