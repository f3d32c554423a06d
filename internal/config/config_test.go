package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jacentio/magicdb/catalog"
)

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("empty config (-want +got):\n%s", diff)
	}
}

func TestParse_OverridesDefaults(t *testing.T) {
	data := []byte(`
backend: etcd
namespace: lake
lock_ttl: 30s
request_timeout: 5s
metrics_addr: ":9090"
log:
  level: debug
properties:
  table: [data_path]
etcd:
  endpoints: ["10.0.0.1:2379", "10.0.0.2:2379"]
  dial_timeout: 2s
dynamodb:
  num_shards: 8
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}

	want := Default()
	want.Backend = BackendEtcd
	want.Namespace = "lake"
	want.LockTTL = 30 * time.Second
	want.RequestTimeout = 5 * time.Second
	want.MetricsAddr = ":9090"
	want.Log.Level = "debug"
	want.Properties.Table = []string{"data_path"}
	want.Etcd.Endpoints = []string{"10.0.0.1:2379", "10.0.0.2:2379"}
	want.Etcd.DialTimeout = 2 * time.Second
	want.DynamoDB.NumShards = 8
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}

	if got := cfg.Interpreter().RequestTimeout; got != 5*time.Second {
		t.Errorf("Interpreter().RequestTimeout = %v, want 5s", got)
	}
	if got := cfg.DynamoStore(); got.Root != "lake" || got.NumShards != 8 {
		t.Errorf("DynamoStore() = %+v", got)
	}
	wantCatalog := catalog.Config{
		Namespace:       "lake",
		LockTTL:         30 * time.Second,
		TableProperties: []string{"data_path"},
	}
	if diff := cmp.Diff(wantCatalog, cfg.Catalog()); diff != "" {
		t.Errorf("Catalog() (-want +got):\n%s", diff)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"unknown backend", "backend: redis\n", `unknown backend "redis"`},
		{"unknown key", "backnd: etcd\n", "field backnd not found"},
		{"bad duration", "lock_ttl: soon\n", "parse config"},
		{"negative ttl", "lock_ttl: -1s\n", "lock_ttl must be positive"},
		{"zero request timeout", "request_timeout: 0s\n", "request_timeout must be positive"},
		{"empty namespace", "namespace: \"\"\n", "namespace must not be empty"},
		{"etcd without endpoints", "backend: etcd\netcd:\n  endpoints: []\n", "at least one endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "magicdb.yaml")
	if err := os.WriteFile(path, []byte("backend: consul\nconsul:\n  prefix: catalog/\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.ConsulStore(); got.Prefix != "catalog/" || got.Address != "127.0.0.1:8500" {
		t.Errorf("ConsulStore() = %+v", got)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
