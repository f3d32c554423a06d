package shard

import (
	"strings"
	"testing"
)

func TestPartitionKey_SingleShard(t *testing.T) {
	// With numShards=1, all keys should go to shard "00"
	tests := []struct {
		root     string
		key      string
		expected string
	}{
		{"magicdb", "/magicdb", "magicdb#00"},
		{"magicdb", "/magicdb/databases/db1", "magicdb#00"},
		{"other", "/other/databases/machines/m1", "other#00"},
	}

	for _, tt := range tests {
		result := PartitionKey(tt.root, tt.key, 1)
		if result != tt.expected {
			t.Errorf("PartitionKey(%q, %q, 1) = %q, want %q", tt.root, tt.key, result, tt.expected)
		}
	}
}

func TestPartitionKey_ZeroShards(t *testing.T) {
	// Zero or negative shards should be treated as 1
	for _, n := range []int{0, -1} {
		if result := PartitionKey("magicdb", "/magicdb", n); result != "magicdb#00" {
			t.Errorf("numShards=%d: expected 'magicdb#00', got %q", n, result)
		}
	}
}

func TestPartitionKey_Distribution(t *testing.T) {
	numShards := 16
	shardCounts := make(map[string]int)

	for i := 0; i < 1000; i++ {
		key := "/magicdb/databases/versions/db1/t1/v" + strings.Repeat("x", i%50) + string(rune('a'+i%26))
		pk := PartitionKey("magicdb", key, numShards)
		if !strings.HasPrefix(pk, "magicdb#") {
			t.Fatalf("expected prefix 'magicdb#', got %q", pk)
		}
		shardCounts[pk]++
	}

	if len(shardCounts) < 8 {
		t.Errorf("expected distribution across multiple shards, got only %d unique shards", len(shardCounts))
	}
}

func TestPartitionKey_Deterministic(t *testing.T) {
	first := PartitionKey("magicdb", "/magicdb/databases/db1", 256)
	for i := 0; i < 100; i++ {
		if result := PartitionKey("magicdb", "/magicdb/databases/db1", 256); result != first {
			t.Fatalf("expected deterministic result %q, got %q on iteration %d", first, result, i)
		}
	}
}

func TestPartitionKey_CoveredByPartitionKeys(t *testing.T) {
	for _, n := range []int{1, 2, 16, 256} {
		all := make(map[string]bool)
		for _, pk := range PartitionKeys("magicdb", n) {
			all[pk] = true
		}
		if len(all) != n {
			t.Errorf("numShards=%d: expected %d partition keys, got %d", n, n, len(all))
		}
		for _, key := range []string{"/magicdb", "/magicdb/databases/db1", "/magicdb/databases/tables/db1/t1"} {
			if pk := PartitionKey("magicdb", key, n); !all[pk] {
				t.Errorf("numShards=%d: %q maps to %q outside PartitionKeys", n, key, pk)
			}
		}
	}
}

func TestPartitionKeys_ZeroShards(t *testing.T) {
	pks := PartitionKeys("magicdb", 0)
	if len(pks) != 1 || pks[0] != "magicdb#00" {
		t.Errorf("expected [magicdb#00], got %v", pks)
	}
}

func TestLockKey(t *testing.T) {
	result := LockKey("magicdb", "magicdb")

	// Should be 32 characters (128-bit hash as hex)
	if len(result) != 32 {
		t.Errorf("expected 32 chars, got %q", result)
	}
	for _, c := range result {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Errorf("expected hex character, got %c in %q", c, result)
		}
	}
	if LockKey("magicdb", "magicdb") != result {
		t.Error("expected deterministic lock key")
	}
	if LockKey("magicdb", "other") == result {
		t.Error("expected different lock names to produce different keys")
	}
	if LockKey("other", "magicdb") == result {
		t.Error("expected different roots to produce different keys")
	}
}

func BenchmarkPartitionKey_256Shards(b *testing.B) {
	key := "/magicdb/databases/versions/db1/t1/20240309160405-1a2b3c4d"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		PartitionKey("magicdb", key, 256)
	}
}
