package epoch

import (
	"context"
	"testing"
	"time"

	"merkleverse/internal/merrors"
	"merkleverse/internal/signing"
	"merkleverse/internal/topology"
)

func TestTryBeginPrepareRejectsReentry(t *testing.T) {
	s := New()
	if _, err := s.TryBeginPrepare(); err != nil {
		t.Fatalf("first TryBeginPrepare: %v", err)
	}
	if !s.IsPreparing() {
		t.Fatalf("expected to be preparing")
	}
	_, err := s.TryBeginPrepare()
	if kind, ok := merrors.KindOf(err); !ok || kind != merrors.AlreadyPreparing {
		t.Fatalf("expected AlreadyPreparing, got %v", err)
	}
}

func TestFinishCommitAdvancesEpochAndNotifies(t *testing.T) {
	s := New()
	if _, err := s.TryBeginPrepare(); err != nil {
		t.Fatalf("TryBeginPrepare: %v", err)
	}
	committed, next := s.FinishCommit()
	if committed != 0 || next != 1 {
		t.Fatalf("expected committed=0 next=1, got %d %d", committed, next)
	}
	if s.CurrentEpoch() != 1 {
		t.Fatalf("expected current epoch 1, got %d", s.CurrentEpoch())
	}
	if s.IsPreparing() {
		t.Fatalf("expected Normal after commit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitForCommit(ctx, 0, 3); err != nil {
		t.Fatalf("WaitForCommit: %v", err)
	}
}

func TestWaitForCommitTimesOutWithoutCommit(t *testing.T) {
	s := New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.WaitForCommit(ctx, 1, 3); err == nil {
		t.Fatalf("expected a timeout error when no commit ever arrives")
	}
}

func TestReceiveSignatureRejectsStaleEpochAndRootMismatch(t *testing.T) {
	s := New()
	s.SetRoot([]byte("root-0"))

	if err := s.ReceiveSignature(1, []byte("root-0"), topology.ServerId("peer"), []byte("sig")); err == nil {
		t.Fatalf("expected StaleEpoch for wrong epoch")
	} else if kind, _ := merrors.KindOf(err); kind != merrors.StaleEpoch {
		t.Fatalf("expected StaleEpoch, got %v", err)
	}

	if err := s.ReceiveSignature(0, []byte("wrong-root"), topology.ServerId("peer"), []byte("sig")); err == nil {
		t.Fatalf("expected RootMismatch for wrong root")
	} else if kind, _ := merrors.KindOf(err); kind != merrors.RootMismatch {
		t.Fatalf("expected RootMismatch, got %v", err)
	}
}

func TestDuplicateSignerOverwritesWithoutReaggregating(t *testing.T) {
	seedA := make([]byte, 32)
	seedB := make([]byte, 32)
	for i := range seedA {
		seedA[i] = 0x11
		seedB[i] = 0x22
	}
	privA, _ := signing.NewPrivateKeyFromSeed(seedA)
	privB, _ := signing.NewPrivateKeyFromSeed(seedB)
	derivedA, _, err := privA.Derive()
	if err != nil {
		t.Fatalf("derive A: %v", err)
	}
	derivedB, _, err := privB.Derive()
	if err != nil {
		t.Fatalf("derive B: %v", err)
	}

	s := New()
	root := []byte("epoch-root")
	s.SetRoot(root)

	sigA := signing.SignRoot(derivedA.BLS, root)
	sigB := signing.SignRoot(derivedB.BLS, root)

	if err := s.ReceiveSignature(0, root, topology.ServerId("a"), sigA); err != nil {
		t.Fatalf("receive A: %v", err)
	}
	ms1, _ := s.MultiSigAt(0)
	aggAfterFirst := append([]byte(nil), ms1.Aggregate...)

	if err := s.ReceiveSignature(0, root, topology.ServerId("b"), sigB); err != nil {
		t.Fatalf("receive B: %v", err)
	}
	ms2, _ := s.MultiSigAt(0)
	aggAfterSecond := append([]byte(nil), ms2.Aggregate...)

	// Resubmitting A's own signature must overwrite without re-aggregating:
	// the aggregate must stay exactly what it was after A+B, not drift.
	if err := s.ReceiveSignature(0, root, topology.ServerId("a"), sigA); err != nil {
		t.Fatalf("resubmit A: %v", err)
	}
	ms3, _ := s.MultiSigAt(0)
	if string(ms3.Aggregate) != string(aggAfterSecond) {
		t.Fatalf("resubmitting an existing signer's signature must not change the aggregate")
	}
	if len(ms3.Signatures) != 2 {
		t.Fatalf("expected exactly 2 distinct signers, got %d", len(ms3.Signatures))
	}
	if string(aggAfterFirst) == string(aggAfterSecond) {
		t.Fatalf("expected aggregate to change after a genuinely new signer was added")
	}
}

func TestSignAndMergeRecordsSelf(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = 0x33
	}
	priv, _ := signing.NewPrivateKeyFromSeed(seed)
	derived, _, err := priv.Derive()
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	s := New()
	s.SetRoot([]byte("root"))
	epoch, root, sig := s.SignAndMerge(topology.ServerId("self"), func(r []byte) []byte {
		return signing.SignRoot(derived.BLS, r)
	})
	if epoch != 0 {
		t.Fatalf("expected epoch 0, got %d", epoch)
	}
	if string(root) != "root" {
		t.Fatalf("expected root to be the current root")
	}
	if len(sig) == 0 {
		t.Fatalf("expected a non-empty signature")
	}
	ms, ok := s.MultiSigAt(0)
	if !ok || len(ms.Signatures) != 1 {
		t.Fatalf("expected exactly one recorded signature")
	}
}

func TestPurgeMultiSigsBefore(t *testing.T) {
	seed := make([]byte, signing.SeedSize)
	for i := range seed {
		seed[i] = 0x44
	}
	priv, _ := signing.NewPrivateKeyFromSeed(seed)
	derived, _, err := priv.Derive()
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	s := New()
	s.SetRoot([]byte("r0"))
	if _, err := s.TryBeginPrepare(); err != nil {
		t.Fatalf("TryBeginPrepare epoch 0: %v", err)
	}
	if err := s.ReceiveSignature(0, []byte("r0"), topology.ServerId("a"), signing.SignRoot(derived.BLS, []byte("r0"))); err != nil {
		t.Fatalf("receive epoch 0 signature: %v", err)
	}
	s.FinishCommit()

	s.SetRoot([]byte("r1"))
	if _, err := s.TryBeginPrepare(); err != nil {
		t.Fatalf("TryBeginPrepare epoch 1: %v", err)
	}
	if err := s.ReceiveSignature(1, []byte("r1"), topology.ServerId("a"), signing.SignRoot(derived.BLS, []byte("r1"))); err != nil {
		t.Fatalf("receive epoch 1 signature: %v", err)
	}

	s.PurgeMultiSigsBefore(1)
	if _, ok := s.MultiSigAt(0); ok {
		t.Fatalf("expected epoch 0 to be purged")
	}
	if _, ok := s.MultiSigAt(1); !ok {
		t.Fatalf("expected epoch 1 to be retained")
	}
}
