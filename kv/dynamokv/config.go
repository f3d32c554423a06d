package dynamokv

import "time"

// Config holds configuration for the Store.
type Config struct {
	// Table is the DynamoDB table holding catalog keys and locks.
	// Its key schema is pk (hash, S) and sk (range, S). See CreateTable.
	// Default: "magicdb_kv"
	Table string

	// Root prefixes every data partition key ("{Root}#{shard}").
	// Default: "magicdb"
	Root string

	// NumShards is the number of partitions keys are spread over.
	// Higher values increase write throughput but every List and prefix
	// delete queries all shards in parallel.
	// Default: 1 (no sharding, single query)
	// Max: 256
	NumShards int

	// LockRetryInterval is the pause between attempts to take a busy lock.
	// Default: 100ms
	LockRetryInterval time.Duration

	// BatchConcurrency bounds the parallel BatchWriteItem calls of a prefix delete.
	// Default: 4
	BatchConcurrency int
}

const (
	defaultTable             = "magicdb_kv"
	defaultRoot              = "magicdb"
	defaultLockRetryInterval = 100 * time.Millisecond
	defaultBatchConcurrency  = 4
)

// DefaultConfig returns sensible defaults for small catalogs.
func DefaultConfig() Config {
	return Config{
		Table:             defaultTable,
		Root:              defaultRoot,
		NumShards:         1,
		LockRetryInterval: defaultLockRetryInterval,
		BatchConcurrency:  defaultBatchConcurrency,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.Root == "" {
		c.Root = defaultRoot
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
	if c.LockRetryInterval <= 0 {
		c.LockRetryInterval = defaultLockRetryInterval
	}
	if c.BatchConcurrency < 1 {
		c.BatchConcurrency = defaultBatchConcurrency
	}
}
