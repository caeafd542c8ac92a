package config

import (
	"testing"

	"github.com/spf13/viper"

	"merkleverse/internal/merrors"
	"merkleverse/internal/testutil"
)

const sampleSeed = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=" // 32 zero bytes, base64

func writeConfig(t *testing.T, sb *testutil.Sandbox, body string) {
	t.Helper()
	if err := sb.WriteFile("merkleverse.yaml", []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func newSandbox(t *testing.T) *testutil.Sandbox {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })
	return sb
}

func TestLoadResolvesClusterAndRoutines(t *testing.T) {
	viper.Reset()
	sb := newSandbox(t)
	writeConfig(t, sb, `
self:
  id: "solo"
  connection_string: "http://localhost:9001"
  inner_provider_endpoint: "http://localhost:9100"
  private_key_seed: "`+sampleSeed+`"
routines:
  prepare_after_ms: 2000
  min_transactions: 3
  listen_address: ":9001"
`)

	loaded, err := Load(sb.Root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Cluster.Self.ID != "solo" {
		t.Fatalf("unexpected self id: %q", loaded.Cluster.Self.ID)
	}
	if loaded.ListenAddress != ":9001" {
		t.Fatalf("unexpected listen address: %q", loaded.ListenAddress)
	}
	if loaded.Routines.MinTransactions != 3 {
		t.Fatalf("unexpected min transactions: %d", loaded.Routines.MinTransactions)
	}
}

func TestLoadDefaultsListenAddress(t *testing.T) {
	viper.Reset()
	sb := newSandbox(t)
	writeConfig(t, sb, `
self:
  id: "solo"
  private_key_seed: "`+sampleSeed+`"
`)

	loaded, err := Load(sb.Root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ListenAddress != ":8080" {
		t.Fatalf("expected the default listen address, got %q", loaded.ListenAddress)
	}
}

func TestLoadMissingSeedIsConfigError(t *testing.T) {
	viper.Reset()
	sb := newSandbox(t)
	writeConfig(t, sb, `
self:
  id: "solo"
`)

	_, err := Load(sb.Root)
	if err == nil {
		t.Fatalf("expected an error for a missing private key seed")
	}
	kind, ok := merrors.KindOf(err)
	if !ok || kind != merrors.ConfigError {
		t.Fatalf("expected ConfigError, got %v (ok=%v)", kind, ok)
	}
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	viper.Reset()
	sb := newSandbox(t)
	writeConfig(t, sb, `
self:
  id: "solo"
  private_key_seed: "`+sampleSeed+`"
routines:
  listen_address: ":9001"
`)

	t.Setenv("MERKLEVERSE_ROUTINES_LISTEN_ADDRESS", ":9999")

	loaded, err := Load(sb.Root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ListenAddress != ":9999" {
		t.Fatalf("expected the environment override to win, got %q", loaded.ListenAddress)
	}
}

func TestLoadMissingFileIsConfigError(t *testing.T) {
	viper.Reset()
	sb := newSandbox(t)

	_, err := Load(sb.Root)
	if err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
	kind, ok := merrors.KindOf(err)
	if !ok || kind != merrors.ConfigError {
		t.Fatalf("expected ConfigError, got %v (ok=%v)", kind, ok)
	}
}
