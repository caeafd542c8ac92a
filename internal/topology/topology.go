// Package topology resolves a server's place in the prefix hierarchy: its
// own shard prefix, the parallel peers that jointly own that shard, and
// the superior peers that own the prefix ancestor shard this server's
// committed roots are written into.
package topology

import (
	"errors"
	"sort"
	"time"

	"merkleverse/internal/bitindex"
	"merkleverse/internal/signing"
)

// ServerId is an opaque non-empty byte-string, globally unique inside a
// deployment. It is represented as a string so it can be used directly as
// a map key; Go strings are byte-transparent, so this does not constrain
// ServerId to valid UTF-8.
type ServerId string

// PeerServer is the public record of one peer: enough to address it and
// verify its signatures, but never its private key material.
type PeerServer struct {
	ID               ServerId
	ConnectionString string
	Prefix           bitindex.Index
	Length           int // bit-length of keys this peer stores relative to Prefix
	PublicKey        signing.PublicKey
}

// MerkleVerseServer is this server's fully-resolved record: its own
// identity and key material, plus the superior and parallel clusters that
// Resolve computes from the peer list.
type MerkleVerseServer struct {
	ID                    ServerId
	ConnectionString      string
	InnerProviderEndpoint string
	PrivateKey            signing.PrivateKey
	Prefix                bitindex.Index
	Length                int
	EpochInterval         time.Duration

	// Peers holds every known peer record, including ones that are
	// neither superior nor parallel — tracked for bookkeeping only.
	Peers map[ServerId]*PeerServer

	// Superior holds the peers whose prefix is a proper bit-prefix of
	// Prefix and whose Length equals this server's Length. Empty at the
	// root of the tree.
	Superior []*PeerServer

	// Parallel holds the peers whose Prefix equals this server's (same
	// bits, same prefix bit-length; Length is not compared) — the cluster
	// that jointly commits this shard's epochs.
	Parallel []*PeerServer
}

// PeerConfig is the wire shape of one peer record inside a cluster
// configuration file.
type PeerConfig struct {
	ID               string
	ConnectionString string
	Prefix           string // base64, optional; empty means the root prefix
	PrefixLength     *int   // optional bits; nil means the root prefix
	Length           int
	BLSPubKey        []byte
	Ed25519PubKey    []byte
}

// SelfConfig is the wire shape of this server's own local record,
// including material never shared with peers.
type SelfConfig struct {
	ID                    string
	ConnectionString      string
	InnerProviderEndpoint string
	PrivateKeySeed        []byte
	Prefix                string
	PrefixLength          *int
	Length                int
	EpochIntervalMS       int
}

// ClusterConfig is the full input to Resolve: this server's own record
// plus the public records of every peer in the deployment.
type ClusterConfig struct {
	Self  SelfConfig
	Peers []PeerConfig
}

func decodePrefix(encoded string, length *int) (bitindex.Index, error) {
	if length == nil {
		if encoded != "" {
			return bitindex.Index{}, errors.New("topology: prefix given without prefix_length")
		}
		return bitindex.Empty(), nil
	}
	return bitindex.DecodeBase64(encoded, *length)
}

func decodePeer(cfg PeerConfig) (*PeerServer, error) {
	if cfg.ID == "" {
		return nil, errors.New("topology: peer id must not be empty")
	}
	prefix, err := decodePrefix(cfg.Prefix, cfg.PrefixLength)
	if err != nil {
		return nil, err
	}
	return &PeerServer{
		ID:               ServerId(cfg.ID),
		ConnectionString: cfg.ConnectionString,
		Prefix:           prefix,
		Length:           cfg.Length,
		PublicKey: signing.PublicKey{
			BLS:     cfg.BLSPubKey,
			Ed25519: cfg.Ed25519PubKey,
		},
	}, nil
}

// Resolve builds a fully populated MerkleVerseServer from a cluster
// configuration. Peers are sorted by canonical binary prefix string for
// reproducibility; a duplicate peer id is a fatal configuration error.
func Resolve(cfg ClusterConfig) (*MerkleVerseServer, error) {
	if cfg.Self.ID == "" {
		return nil, errors.New("topology: self id must not be empty")
	}
	selfPrivate, err := signing.NewPrivateKeyFromSeed(cfg.Self.PrivateKeySeed)
	if err != nil {
		return nil, err
	}
	selfPrefix, err := decodePrefix(cfg.Self.Prefix, cfg.Self.PrefixLength)
	if err != nil {
		return nil, err
	}

	peers := make(map[ServerId]*PeerServer, len(cfg.Peers))
	ordered := make([]*PeerServer, 0, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		p, err := decodePeer(pc)
		if err != nil {
			return nil, err
		}
		if _, dup := peers[p.ID]; dup {
			return nil, errors.New("topology: duplicate peer id " + string(p.ID))
		}
		peers[p.ID] = p
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Prefix.String() < ordered[j].Prefix.String()
	})

	server := &MerkleVerseServer{
		ID:                    ServerId(cfg.Self.ID),
		ConnectionString:      cfg.Self.ConnectionString,
		InnerProviderEndpoint: cfg.Self.InnerProviderEndpoint,
		PrivateKey:            selfPrivate,
		Prefix:                selfPrefix,
		Length:                cfg.Self.Length,
		EpochInterval:         time.Duration(cfg.Self.EpochIntervalMS) * time.Millisecond,
		Peers:                 peers,
	}

	// Superior peers share this server's shard-depth ("length") parameter
	// and own a strict prefix ancestor of this server's prefix; parallel
	// peers own the exact same (prefix, prefix bit-length) pair. See
	// DESIGN.md for why the superior check compares Length rather than
	// the prefix's own bit-length, which spec.md's prose names
	// ambiguously as "prefix_length".
	for _, p := range ordered {
		switch {
		case p.Length == server.Length && p.Prefix.IsStrictPrefixOf(server.Prefix):
			server.Superior = append(server.Superior, p)
		case p.Prefix.Equal(server.Prefix):
			server.Parallel = append(server.Parallel, p)
		}
	}
	return server, nil
}

// RelativeIndex returns this server's prefix stripped of superior's
// prefix — the key under which this server's committed root is written
// into superior's shard.
func RelativeIndex(self bitindex.Index, superior *PeerServer) bitindex.Index {
	return self.StripPrefix(superior.Prefix)
}

// ParallelPeer looks up id within the parallel cluster specifically
// (never Superior, never an unrelated bookkeeping-only peer), returning
// ok=false if id is not a member of this server's parallel cluster.
func (s *MerkleVerseServer) ParallelPeer(id ServerId) (*PeerServer, bool) {
	for _, p := range s.Parallel {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}
