package etcdkv

import "time"

// Config holds configuration for the Store.
type Config struct {
	// Endpoints are the etcd client URLs.
	// Default: ["127.0.0.1:2379"]
	Endpoints []string

	// DialTimeout bounds the initial connection.
	// Default: 5s
	DialTimeout time.Duration

	// Username and Password enable etcd authentication when set.
	Username string
	Password string

	// LockPrefix is prepended to lock names. It must not overlap the
	// catalog namespace.
	// Default: "/magicdb-locks/"
	LockPrefix string

	// PageSize is the number of keys fetched per range request in List.
	// Default: 1000
	PageSize int64

	// MaxTxnOps is the server's --max-txn-ops. Larger transactions are
	// committed in batches.
	// Default: 128
	MaxTxnOps int
}

const (
	defaultEndpoint    = "127.0.0.1:2379"
	defaultDialTimeout = 5 * time.Second
	defaultLockPrefix  = "/magicdb-locks/"
	defaultPageSize    = 1000
	defaultMaxTxnOps   = 128
)

// DefaultConfig returns a config for a local etcd.
func DefaultConfig() Config {
	return Config{
		Endpoints:   []string{defaultEndpoint},
		DialTimeout: defaultDialTimeout,
		LockPrefix:  defaultLockPrefix,
		PageSize:    defaultPageSize,
		MaxTxnOps:   defaultMaxTxnOps,
	}
}

func (c *Config) validate() {
	if len(c.Endpoints) == 0 {
		c.Endpoints = []string{defaultEndpoint}
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.LockPrefix == "" {
		c.LockPrefix = defaultLockPrefix
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.MaxTxnOps <= 0 {
		c.MaxTxnOps = defaultMaxTxnOps
	}
}
