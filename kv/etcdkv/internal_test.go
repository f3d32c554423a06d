package etcdkv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/jacentio/magicdb/kv"
)

func staticLister(keys ...string) lister {
	return func(_ context.Context, prefix string) ([]string, error) {
		var out []string
		for _, key := range keys {
			if strings.HasPrefix(key, prefix) {
				out = append(out, key)
			}
		}
		return out, nil
	}
}

func TestCompile(t *testing.T) {
	stored := staticLister("/ns/t/db1/a", "/ns/t/db1/b", "/ns/t/db10/a")

	tests := []struct {
		name         string
		ops          []kv.Op
		wantPrefixes []string
		wantWrites   []kv.Op
	}{
		{
			name:       "plain writes",
			ops:        []kv.Op{kv.Put("/a", []byte("1")), kv.Delete("/b")},
			wantWrites: []kv.Op{kv.Put("/a", []byte("1")), kv.Delete("/b")},
		},
		{
			name:       "last write wins",
			ops:        []kv.Op{kv.Put("/a", []byte("1")), kv.Delete("/a"), kv.Put("/a", []byte("2"))},
			wantWrites: []kv.Op{kv.Put("/a", []byte("2"))},
		},
		{
			name:         "prefix delete stays a range",
			ops:          []kv.Op{kv.DeletePrefix("/ns/t/db1/"), kv.Put("/ns/engine", []byte("[]"))},
			wantPrefixes: []string{"/ns/t/db1/"},
			wantWrites:   []kv.Op{kv.Put("/ns/engine", []byte("[]"))},
		},
		{
			name:         "earlier put under prefix becomes delete",
			ops:          []kv.Op{kv.Put("/ns/t/db1/c", []byte("x")), kv.DeletePrefix("/ns/t/db1/")},
			wantPrefixes: []string{"/ns/t/db1/"},
			wantWrites:   []kv.Op{kv.Delete("/ns/t/db1/c")},
		},
		{
			name: "later put under prefix expands it",
			ops:  []kv.Op{kv.DeletePrefix("/ns/t/db1/"), kv.Put("/ns/t/db1/a", []byte("new"))},
			wantWrites: []kv.Op{
				kv.Put("/ns/t/db1/a", []byte("new")),
				kv.Delete("/ns/t/db1/b"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := compile(context.Background(), kv.Txn{Ops: tt.ops}, stored)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			if diff := cmp.Diff(tt.wantPrefixes, p.prefixes); diff != "" {
				t.Errorf("prefixes (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantWrites, p.writes); diff != "" {
				t.Errorf("writes (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompile_KeepsConditions(t *testing.T) {
	conds := []kv.Cond{kv.Absent("/a"), kv.Present("/b")}
	p, err := compile(context.Background(), kv.Txn{Conds: conds}, staticLister())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(conds, p.conds); diff != "" {
		t.Errorf("conds (-want +got):\n%s", diff)
	}
}

func TestCompile_ListError(t *testing.T) {
	boom := errors.New("unavailable")
	failing := func(context.Context, string) ([]string, error) { return nil, boom }

	_, err := compile(context.Background(), kv.Txn{Ops: []kv.Op{
		kv.DeletePrefix("/p/"),
		kv.Put("/p/a", nil),
	}}, failing)
	if !errors.Is(err, boom) {
		t.Errorf("expected list error, got %v", err)
	}
}

func TestCompile_UnsupportedOp(t *testing.T) {
	_, err := compile(context.Background(), kv.Txn{Ops: []kv.Op{{Type: kv.OpType(42), Key: "/a"}}}, staticLister())
	if err == nil {
		t.Error("expected error for unknown op type")
	}
}

func TestChunkOps(t *testing.T) {
	deletes := func(n int) []clientv3.Op {
		ops := make([]clientv3.Op, n)
		for i := range ops {
			ops[i] = clientv3.OpDelete(fmt.Sprintf("/ns/machines/m%03d", i))
		}
		return ops
	}
	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision("/ns/databases/db1"), ">", 0)}

	tests := []struct {
		name  string
		ops   int
		limit int
		want  []int
	}{
		{"conditions only", 0, 128, []int{0}},
		{"fits", 128, 128, []int{128}},
		{"one over", 129, 128, []int{128, 1}},
		{"drop database with many machines", 305, 128, []int{128, 128, 49}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := deletes(tt.ops)
			batches, err := chunkOps(cmps, ops, tt.limit)
			if err != nil {
				t.Fatal(err)
			}
			var sizes []int
			var flat []clientv3.Op
			for _, b := range batches {
				sizes = append(sizes, len(b))
				flat = append(flat, b...)
			}
			if diff := cmp.Diff(tt.want, sizes); diff != "" {
				t.Errorf("batch sizes (-want +got):\n%s", diff)
			}
			if len(flat) != len(ops) {
				t.Fatalf("batches hold %d ops, want %d", len(flat), len(ops))
			}
			for i := range ops {
				if string(flat[i].KeyBytes()) != string(ops[i].KeyBytes()) {
					t.Fatalf("op %d out of order: %s", i, flat[i].KeyBytes())
				}
			}
		})
	}
}

func TestChunkOps_TooManyConditions(t *testing.T) {
	cmps := make([]clientv3.Cmp, 3)
	if _, err := chunkOps(cmps, nil, 2); err == nil {
		t.Error("expected error when conditions exceed the limit")
	}
}

func TestDial_Unreachable(t *testing.T) {
	start := time.Now()
	s, err := Dial(Config{Endpoints: []string{"127.0.0.1:1"}, DialTimeout: 200 * time.Millisecond}, nil)
	if err == nil {
		s.Close()
		t.Fatal("expected dial to an unreachable endpoint to fail")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("dial took %v, want about DialTimeout", elapsed)
	}
}

func TestLeaseSeconds(t *testing.T) {
	tests := map[time.Duration]int{
		0:                        1,
		300 * time.Millisecond:   1,
		10 * time.Second:         10,
		10500 * time.Millisecond: 11,
	}
	for ttl, want := range tests {
		if got := leaseSeconds(ttl); got != want {
			t.Errorf("leaseSeconds(%v) = %d, want %d", ttl, got, want)
		}
	}
}

func TestConfigValidation(t *testing.T) {
	var cfg Config
	cfg.validate()
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("zero config (-want +got):\n%s", diff)
	}

	cfg = Config{Endpoints: []string{"etcd:2379"}, LockPrefix: "/locks/", PageSize: 10, DialTimeout: time.Second}
	cfg.validate()
	if cfg.Endpoints[0] != "etcd:2379" || cfg.LockPrefix != "/locks/" || cfg.PageSize != 10 || cfg.DialTimeout != time.Second {
		t.Errorf("explicit values were overwritten: %+v", cfg)
	}
}
