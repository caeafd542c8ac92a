// Package epoch holds the single mutable record that tracks one server's
// epoch progress: the current root and epoch number, the run state
// (Normal or Prepare), peer run states, accumulated multi-signatures, and
// the two latest-value broadcast channels (prepare-notify, commit-notify).
// Everything here is guarded by one mutex; the protocol engine and the
// routine loops are its callers, and no method holds that lock across a
// suspension point.
package epoch

import (
	"context"
	"sync"
	"time"

	"merkleverse/internal/merrors"
	"merkleverse/internal/signing"
	"merkleverse/internal/topology"
)

// RunKind distinguishes the two states a server's epoch machine can be in.
type RunKind uint8

const (
	Normal RunKind = iota
	Preparing
)

// RunState is Normal, or Preparing(Epoch) — the epoch being prepared.
type RunState struct {
	Kind  RunKind
	Epoch uint64
}

// MultiSig is the accumulated BLS multi-signature for one epoch: the root
// it attests to, the pairwise aggregate, and the individual signatures
// that were folded into it, keyed by signer so a duplicate resubmission
// overwrites rather than re-aggregates.
type MultiSig struct {
	Root       []byte
	Aggregate  []byte
	Signatures map[topology.ServerId][]byte
}

func newMultiSig(root []byte) *MultiSig {
	return &MultiSig{Root: root, Signatures: make(map[topology.ServerId][]byte)}
}

// State is the guarded epoch record for one server.
type State struct {
	mu sync.Mutex

	currentRoot  []byte
	currentEpoch uint64
	multiSigs    map[uint64]*MultiSig
	runState     RunState
	peerStates   map[topology.ServerId]RunState

	lastCommitTime  time.Time
	hasCommitted    bool
	lastPrepareTime time.Time
	hasPrepared     bool

	prepareNotify *latestBroadcast
	commitNotify  *latestBroadcast
}

// New returns a fresh epoch state: Normal, current_epoch 0, no root yet.
func New() *State {
	return &State{
		multiSigs:     make(map[uint64]*MultiSig),
		peerStates:    make(map[topology.ServerId]RunState),
		prepareNotify: newLatestBroadcast(),
		commitNotify:  newLatestBroadcast(),
	}
}

// CurrentEpoch returns the current epoch number.
func (s *State) CurrentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentEpoch
}

// CurrentRoot returns the most recent committed root, or nil before the
// first commit.
func (s *State) CurrentRoot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRoot
}

// RunState returns a snapshot of the server's own run state.
func (s *State) RunState() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runState
}

// IsPreparing reports whether the server is currently in Prepare.
func (s *State) IsPreparing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runState.Kind == Preparing
}

// TryBeginPrepare transitions Normal -> Prepare(current_epoch), or reports
// AlreadyPreparing if the server is already preparing. It stamps
// last_prepare_time on success and returns the epoch now being prepared.
func (s *State) TryBeginPrepare() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runState.Kind == Preparing {
		return 0, merrors.New(merrors.AlreadyPreparing)
	}
	s.runState = RunState{Kind: Preparing, Epoch: s.currentEpoch}
	s.lastPrepareTime = time.Now()
	s.hasPrepared = true
	s.prepareNotify.publish(s.currentEpoch)
	return s.currentEpoch, nil
}

// ObservePeerPrepare records a peer's reported run state and returns this
// server's own run state, so the caller can decide whether to infect
// (enter Prepare itself) — done outside this call, after the lock is
// released.
func (s *State) ObservePeerPrepare(from topology.ServerId, peerEpoch uint64) RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerStates[from] = RunState{Kind: Preparing, Epoch: peerEpoch}
	return s.runState
}

// PeerState returns the last-reported run state for a parallel peer.
func (s *State) PeerState(id topology.ServerId) (RunState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.peerStates[id]
	return rs, ok
}

// SetRoot installs a new current root (used once the inner provider has
// made it canonical, before the epoch signing step that attests to it)
// and returns the epoch this root belongs to.
func (s *State) SetRoot(root []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRoot = root
	return s.currentEpoch
}

// SignAndMerge computes this server's own signature over the current
// root via signFn and merges it into the current epoch's multi-signature
// record, creating the record if absent. Returns the epoch, root, and
// signature so the caller can broadcast them outside the lock.
func (s *State) SignAndMerge(self topology.ServerId, signFn func(root []byte) []byte) (epoch uint64, root []byte, sig []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	epoch = s.currentEpoch
	root = s.currentRoot
	sig = signFn(root)
	s.mergeLocked(epoch, root, self, sig)
	return epoch, root, sig
}

// ReceiveSignature validates and merges a peer's epoch-root signature.
// Rejects StaleEpoch if epoch does not match current_epoch, and
// RootMismatch if head does not match current_root. A resubmission for a
// signer already recorded at this epoch overwrites the stored signature
// without re-aggregating, per the no-double-count invariant.
func (s *State) ReceiveSignature(epoch uint64, head []byte, signer topology.ServerId, sig []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.currentEpoch {
		return merrors.New(merrors.StaleEpoch)
	}
	if string(head) != string(s.currentRoot) {
		return merrors.New(merrors.RootMismatch)
	}
	return s.mergeLocked(epoch, head, signer, sig)
}

// mergeLocked must be called with mu held.
func (s *State) mergeLocked(epoch uint64, root []byte, signer topology.ServerId, sig []byte) error {
	ms, ok := s.multiSigs[epoch]
	if !ok {
		ms = newMultiSig(root)
		s.multiSigs[epoch] = ms
	}
	if _, already := ms.Signatures[signer]; already {
		ms.Signatures[signer] = sig
		return nil
	}
	agg, err := signing.AggregateAdd(ms.Aggregate, sig)
	if err != nil {
		return err
	}
	ms.Aggregate = agg
	ms.Signatures[signer] = sig
	return nil
}

// MultiSigAt returns a snapshot of the multi-signature record for epoch,
// if any.
func (s *State) MultiSigAt(epoch uint64) (MultiSig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.multiSigs[epoch]
	if !ok {
		return MultiSig{}, false
	}
	sigs := make(map[topology.ServerId][]byte, len(ms.Signatures))
	for k, v := range ms.Signatures {
		sigs[k] = v
	}
	return MultiSig{Root: ms.Root, Aggregate: ms.Aggregate, Signatures: sigs}, true
}

// PurgeMultiSigsBefore removes multi-signature records for epochs
// strictly less than watermark, symmetric to txpool.Pool.PurgeBefore.
func (s *State) PurgeMultiSigsBefore(watermark uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := range s.multiSigs {
		if e < watermark {
			delete(s.multiSigs, e)
		}
	}
}

// FinishCommit transitions Prepare(e) -> Normal, current_epoch := e+1,
// stamps last_commit_time, and publishes e on the commit-notify channel.
// Returns the epoch that was just committed and the new current epoch.
func (s *State) FinishCommit() (committed uint64, next uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	committed = s.currentEpoch
	next = committed + 1
	s.runState = RunState{Kind: Normal}
	s.currentEpoch = next
	s.lastCommitTime = time.Now()
	s.hasCommitted = true
	s.commitNotify.publish(committed)
	return committed, next
}

// TimeSincePrepareExceeds reports whether now is more than d past
// last_prepare_time, or true if the server has never prepared.
func (s *State) TimeSincePrepareExceeds(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasPrepared {
		return true
	}
	return time.Since(s.lastPrepareTime) > d
}

// TimeSinceCommitExceeds reports whether now is more than d past
// last_commit_time, or true if the server has never committed.
func (s *State) TimeSinceCommitExceeds(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasCommitted {
		return true
	}
	return time.Since(s.lastCommitTime) > d
}

// WaitForCommit blocks until targetEpoch has been committed (current_epoch
// has moved past it), waking on each commit-notify publish and tolerating
// up to maxSpurious wake-ups that leave the target uncommitted before
// giving up with CommitNotificationLost.
func (s *State) WaitForCommit(ctx context.Context, targetEpoch uint64, maxSpurious int) error {
	spurious := 0
	for {
		_, ch := s.commitNotify.snapshot()
		if s.CurrentEpoch() > targetEpoch {
			return nil
		}
		if spurious > maxSpurious {
			return merrors.New(merrors.CommitNotificationLost)
		}
		select {
		case <-ch:
			spurious++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

//---------------------------------------------------------------------
// latest-value broadcast
//---------------------------------------------------------------------

// latestBroadcast is a "latest value" broadcast: every subscriber
// eventually observes the most recent published epoch, but may miss
// intermediate values. Waiting for a specific target epoch requires
// tolerating spurious wake-ups, since a publish only signals "something
// changed," not which epoch.
type latestBroadcast struct {
	mu    sync.Mutex
	epoch uint64
	ch    chan struct{}
}

func newLatestBroadcast() *latestBroadcast {
	return &latestBroadcast{ch: make(chan struct{})}
}

func (b *latestBroadcast) publish(epoch uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if epoch > b.epoch || (epoch == 0 && b.ch == nil) {
		b.epoch = epoch
	}
	old := b.ch
	b.ch = make(chan struct{})
	close(old)
}

func (b *latestBroadcast) snapshot() (uint64, chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch, b.ch
}
