// Package signing derives, applies, and verifies the two signature
// schemes the synchronization core relies on: ed25519 per-transaction
// signatures and BLS12-381 epoch-root signatures with pairwise
// aggregation. Both halves of a key pair are always derived together from
// one 32-byte seed — they are never configured or transported separately.
package signing

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"io"
	"log"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		log.Fatalf("signing: bls init failed: %v", err)
	}
}

var discard = log.New(io.Discard, "[signing] ", log.LstdFlags)

// SetLogger redirects the package's diagnostic logger, primarily for
// tests that want to observe otherwise-discarded output.
func SetLogger(l *log.Logger) { discard = l }

// SeedSize is the length in bytes of a PrivateKey seed.
const SeedSize = 32

// PrivateKey is the 32-byte seed both the BLS and the ed25519 halves of a
// key pair are deterministically derived from.
type PrivateKey struct {
	seed [SeedSize]byte
}

// NewPrivateKeyFromSeed wraps a 32-byte seed as a PrivateKey.
func NewPrivateKeyFromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != SeedSize {
		return PrivateKey{}, errors.New("signing: seed must be 32 bytes")
	}
	var pk PrivateKey
	copy(pk.seed[:], seed)
	return pk, nil
}

// PublicKey bundles the BLS public key (epoch-root signatures) and the
// ed25519 verifying key (per-transaction signatures) of one server.
type PublicKey struct {
	BLS     []byte // compressed bls.PublicKey serialization
	Ed25519 ed25519.PublicKey
}

// DerivedPrivateKey holds the two private halves derived from one seed.
type DerivedPrivateKey struct {
	BLS     *bls.SecretKey
	Ed25519 ed25519.PrivateKey
}

// Derive deterministically produces both private halves and the
// corresponding PublicKey from the seed.
func (p PrivateKey) Derive() (DerivedPrivateKey, PublicKey, error) {
	var sk bls.SecretKey
	if err := sk.SetLittleEndian(p.seed[:]); err != nil {
		return DerivedPrivateKey{}, PublicKey{}, err
	}
	edPriv := ed25519.NewKeyFromSeed(p.seed[:])

	pub := PublicKey{
		BLS:     sk.GetPublicKey().Serialize(),
		Ed25519: edPriv.Public().(ed25519.PublicKey),
	}
	return DerivedPrivateKey{BLS: &sk, Ed25519: edPriv}, pub, nil
}

//---------------------------------------------------------------------
// ed25519 per-transaction signatures
//---------------------------------------------------------------------

// OpKind mirrors txpool.OpKind without importing it, to keep this package
// leaf-level; the numeric value must agree with txpool's encoding.
type OpKind byte

// TransactionDigest computes the non-cryptographic 64-bit digest signed
// over a transaction's (key, value, operation) — the message deliberately
// excludes source and auxiliary so a signature authenticates an
// operation, not an echo chain. The hash is FNV-1a, chosen for its
// simplicity and determinism; callers should not rely on it for
// collision resistance beyond the ~64 bits that implies (see the
// caveat in the synchronization design notes).
func TransactionDigest(key, value []byte, op OpKind) [8]byte {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for _, b := range key {
		h ^= uint64(b)
		h *= prime64
	}
	h ^= 0xff // separator between key and value
	h *= prime64
	for _, b := range value {
		h ^= uint64(b)
		h *= prime64
	}
	h ^= uint64(op)
	h *= prime64

	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], h)
	return out
}

// SignTransaction signs a transaction digest with an ed25519 signing key.
func SignTransaction(priv ed25519.PrivateKey, digest [8]byte) []byte {
	return ed25519.Sign(priv, digest[:])
}

// VerifyTransaction checks an ed25519 signature over a transaction digest.
func VerifyTransaction(pub ed25519.PublicKey, digest [8]byte, sig []byte) bool {
	return ed25519.Verify(pub, digest[:], sig)
}

//---------------------------------------------------------------------
// BLS epoch-root signatures and pairwise aggregation
//---------------------------------------------------------------------

// SignRoot BLS-signs the current shard root and returns the compressed
// signature.
func SignRoot(priv *bls.SecretKey, root []byte) []byte {
	return priv.SignByte(root).Serialize()
}

// VerifyRoot checks a compressed BLS signature over root against a
// compressed BLS public key.
func VerifyRoot(pub []byte, root, sig []byte) (bool, error) {
	var pk bls.PublicKey
	if err := pk.Deserialize(pub); err != nil {
		return false, err
	}
	var s bls.Sign
	if err := s.Deserialize(sig); err != nil {
		return false, err
	}
	return s.VerifyByte(&pk, root), nil
}

// AggregateAdd folds a newly-received signature into an existing
// aggregate by pairwise BLS aggregation. If existing is nil (no prior
// aggregate), the incoming signature becomes the aggregate.
func AggregateAdd(existing, incoming []byte) ([]byte, error) {
	var next bls.Sign
	if err := next.Deserialize(incoming); err != nil {
		return nil, err
	}
	if existing == nil {
		return next.Serialize(), nil
	}
	var agg bls.Sign
	if err := agg.Deserialize(existing); err != nil {
		return nil, err
	}
	agg.Add(&next)
	return agg.Serialize(), nil
}
