// Package config loads a server's cluster configuration: this server's
// own record and its peers' public records, as a YAML file with
// MERKLEVERSE_-prefixed environment variable overrides.
//
// Version: v0.1.0
package config

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/spf13/viper"

	"merkleverse/internal/merrors"
	"merkleverse/internal/routines"
	"merkleverse/internal/topology"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// FileConfig is the on-disk/env shape of a cluster configuration file,
// unmarshalled by viper before being resolved into a topology.ClusterConfig.
type FileConfig struct {
	Self struct {
		ID                    string `mapstructure:"id"`
		ConnectionString      string `mapstructure:"connection_string"`
		InnerProviderEndpoint string `mapstructure:"inner_provider_endpoint"`
		PrivateKeySeed        string `mapstructure:"private_key_seed"` // base64, 32 bytes
		Prefix                string `mapstructure:"prefix"`
		PrefixLength          *int   `mapstructure:"prefix_length"`
		Length                int    `mapstructure:"length"`
		EpochIntervalMS       int    `mapstructure:"epoch_interval_ms"`
	} `mapstructure:"self"`

	Peers []struct {
		ID               string `mapstructure:"id"`
		ConnectionString string `mapstructure:"connection_string"`
		Prefix           string `mapstructure:"prefix"`
		PrefixLength     *int   `mapstructure:"prefix_length"`
		Length           int    `mapstructure:"length"`
		BLSPubKey        string `mapstructure:"bls_pub_key"`     // base64
		Ed25519PubKey    string `mapstructure:"ed25519_pub_key"` // base64
	} `mapstructure:"peers"`

	Routines RoutinesFileConfig `mapstructure:"routines"`
}

// RoutinesFileConfig is the on-disk shape of the routine-loop overrides.
type RoutinesFileConfig struct {
	LoopIntervalMS  int    `mapstructure:"loop_interval_ms"`
	PrepareAfterMS  int    `mapstructure:"prepare_after_ms"`
	CommitAfterMS   int    `mapstructure:"commit_after_ms"`
	MinTransactions int    `mapstructure:"min_transactions"`
	MaxTransactions int    `mapstructure:"max_transactions"`
	ListenAddress   string `mapstructure:"listen_address"`
}

// Loaded bundles the cluster configuration (not yet passed through
// topology.Resolve) with the routine-loop overrides and the HTTP listen
// address, everything a `serve` invocation needs.
type Loaded struct {
	Cluster       topology.ClusterConfig
	Routines      routines.Config
	ListenAddress string
}

// Load reads configRoot/merkleverse.yaml (or merkleverse.yaml in the
// working directory if configRoot is empty), merges MERKLEVERSE_-prefixed
// environment variables over it, and converts the result into a
// topology.ClusterConfig. A file that cannot be read, unmarshalled or
// decoded is a fatal ConfigError; consistency checks such as duplicate
// peer ids are left to topology.Resolve.
func Load(configRoot string) (*Loaded, error) {
	viper.SetConfigName("merkleverse")
	viper.SetConfigType("yaml")
	if configRoot != "" {
		viper.AddConfigPath(configRoot)
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/merkleverse")

	viper.SetEnvPrefix("MERKLEVERSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, merrors.Context(merrors.ConfigError, "read cluster config", err)
	}

	var fc FileConfig
	if err := viper.Unmarshal(&fc); err != nil {
		return nil, merrors.Context(merrors.ConfigError, "unmarshal cluster config", err)
	}

	cluster, err := toClusterConfig(fc)
	if err != nil {
		return nil, merrors.Wrap(merrors.ConfigError, err)
	}

	listen := fc.Routines.ListenAddress
	if listen == "" {
		listen = ":8080"
	}

	return &Loaded{
		Cluster:       cluster,
		Routines:      toRoutinesConfig(fc.Routines),
		ListenAddress: listen,
	}, nil
}

func toRoutinesConfig(r RoutinesFileConfig) routines.Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return routines.Config{
		LoopInterval:    ms(r.LoopIntervalMS),
		PrepareAfter:    ms(r.PrepareAfterMS),
		CommitAfter:     ms(r.CommitAfterMS),
		MinTransactions: r.MinTransactions,
		MaxTransactions: r.MaxTransactions,
	}
}

func toClusterConfig(fc FileConfig) (topology.ClusterConfig, error) {
	seed, err := decodeSeed(fc.Self.PrivateKeySeed)
	if err != nil {
		return topology.ClusterConfig{}, err
	}
	cluster := topology.ClusterConfig{
		Self: topology.SelfConfig{
			ID:                    fc.Self.ID,
			ConnectionString:      fc.Self.ConnectionString,
			InnerProviderEndpoint: fc.Self.InnerProviderEndpoint,
			PrivateKeySeed:        seed,
			Prefix:                fc.Self.Prefix,
			PrefixLength:          fc.Self.PrefixLength,
			Length:                fc.Self.Length,
			EpochIntervalMS:       fc.Self.EpochIntervalMS,
		},
	}
	for _, p := range fc.Peers {
		bls, err := decodeOptional(p.BLSPubKey)
		if err != nil {
			return topology.ClusterConfig{}, err
		}
		ed, err := decodeOptional(p.Ed25519PubKey)
		if err != nil {
			return topology.ClusterConfig{}, err
		}
		cluster.Peers = append(cluster.Peers, topology.PeerConfig{
			ID:               p.ID,
			ConnectionString: p.ConnectionString,
			Prefix:           p.Prefix,
			PrefixLength:     p.PrefixLength,
			Length:           p.Length,
			BLSPubKey:        bls,
			Ed25519PubKey:    ed,
		})
	}
	return cluster, nil
}

func decodeSeed(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, merrors.New(merrors.ConfigError)
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func decodeOptional(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(encoded)
}
