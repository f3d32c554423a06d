// Package shard provides partition key generation for the DynamoDB key-value table.
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

// PartitionKey computes the sharded partition key of a store key.
// With numShards=1, all keys go to shard "00".
// With numShards>1, keys are distributed across shards based on the key hash.
func PartitionKey(root, key string, numShards int) string {
	if numShards <= 1 {
		return fmt.Sprintf("%s#00", root)
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	shard := h.Sum32() % uint32(numShards)
	return fmt.Sprintf("%s#%02x", root, shard)
}

// PartitionKeys returns every partition key of root, in shard order.
// Prefix scans query each of them.
func PartitionKeys(root string, numShards int) []string {
	if numShards < 1 {
		numShards = 1
	}
	pks := make([]string, numShards)
	for i := range pks {
		pks[i] = fmt.Sprintf("%s#%02x", root, i)
	}
	return pks
}

// LockKey computes a hash-distributed partition key for a named lock, so
// that lock items never share a partition with catalog data.
func LockKey(root, name string) string {
	data := fmt.Sprintf("lock#%s#%s", root, name)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:16])
}
