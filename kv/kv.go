// Package kv defines the key-value capability the catalog is persisted in.
//
// A [Store] offers point reads and writes, prefix deletes, key listing,
// conditional multi-key commits ([Txn]) and a named mutual-exclusion lock
// with a time-to-live. Backends live in sub-packages (dynamokv, etcdkv,
// consulkv); [MemoryStore] is the in-process implementation used by tests
// and the `memory` backend.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("kv: key not found")

	// ErrConditionFailed is returned by Apply when a Txn condition does not hold.
	// No operation of the transaction was applied.
	ErrConditionFailed = errors.New("kv: transaction condition failed")

	// ErrLockLost is the cancellation cause of work done under a lock whose
	// lease expired or whose session was lost.
	ErrLockLost = errors.New("kv: lock lost")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kv: store closed")
)

// Store is the key-value capability. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value at key, overwriting any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// List returns all keys starting with prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Apply commits txn: either every condition holds and every op is
	// applied, or ErrConditionFailed is returned. Backends document how far
	// the all-or-nothing guarantee extends.
	Apply(ctx context.Context, txn Txn) error

	// Lock blocks until the lock called name is held, ctx is done, or the
	// backend fails. The lock is released by Unlock or after ttl.
	Lock(ctx context.Context, name string, ttl time.Duration) (Lock, error)

	// Close releases the backend connection.
	Close() error
}

// Lock is a held mutual-exclusion lock.
type Lock interface {
	// Unlock releases the lock. Unlocking a lost lock is not an error.
	Unlock(ctx context.Context) error

	// Lost is closed when the lock is no longer held: its TTL expired, its
	// session ended, or it was unlocked.
	Lost() <-chan struct{}
}

// OpType enumerates transaction operations.
type OpType int

const (
	OpPut OpType = iota
	OpDelete
	OpDeletePrefix
)

func (t OpType) String() string {
	switch t {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpDeletePrefix:
		return "delete-prefix"
	}
	return "unknown"
}

// Op is a single write inside a Txn.
type Op struct {
	Type  OpType
	Key   string
	Value []byte
}

// Put returns a put operation.
func Put(key string, value []byte) Op { return Op{Type: OpPut, Key: key, Value: value} }

// Delete returns a delete operation.
func Delete(key string) Op { return Op{Type: OpDelete, Key: key} }

// DeletePrefix returns a prefix delete operation.
func DeletePrefix(prefix string) Op { return Op{Type: OpDeletePrefix, Key: prefix} }

// Cond is an existence precondition on a key.
type Cond struct {
	Key    string
	Exists bool
}

// Absent returns a condition requiring key to not exist.
func Absent(key string) Cond { return Cond{Key: key, Exists: false} }

// Present returns a condition requiring key to exist.
func Present(key string) Cond { return Cond{Key: key, Exists: true} }

// Txn groups conditions and the writes that depend on them.
type Txn struct {
	Conds []Cond
	Ops   []Op
}

// Empty reports whether the transaction has nothing to write.
func (t Txn) Empty() bool { return len(t.Ops) == 0 }
