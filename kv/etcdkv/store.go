// Package etcdkv implements kv.Store on etcd v3.
//
// Keys and values are stored as they are. Transactions map to etcd Txn
// requests; the first one's If clause compares create revisions: a key is
// absent exactly when its create revision is 0. Locks are concurrency.Mutex values on a
// session lease, so a lock is lost when the session's keep-alive fails.
package etcdkv

import (
	"context"
	"errors"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/jacentio/magicdb/kv"
)

// Store implements kv.Store on etcd.
type Store struct {
	client *clientv3.Client
	config Config
	logger *zap.Logger
	owned  bool
}

var _ kv.Store = (*Store)(nil)

// Dial connects to etcd and returns a Store that closes the client on Close.
// It fails when no endpoint answers within DialTimeout.
func Dial(config Config, logger *zap.Logger) (*Store, error) {
	config.validate()
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
		Username:    config.Username,
		Password:    config.Password,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd %v: %w", config.Endpoints, err)
	}
	s := New(client, config, logger)
	s.owned = true
	return s, nil
}

// New creates a Store on an existing client. Close leaves the client open.
func New(client *clientv3.Client, config Config, logger *zap.Logger) *Store {
	config.validate()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		config: config,
		logger: logger.With(zap.Strings("endpoints", config.Endpoints)),
	}
}

// Get returns the value at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, kv.ErrNotFound
	}
	value := resp.Kvs[0].Value
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

// Put writes value at key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.client.Put(ctx, key, string(value)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix in one request.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := s.client.Delete(ctx, prefix, clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return nil
}

// List returns all keys starting with prefix in ascending order, fetched
// in pages of PageSize.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	end := clientv3.GetPrefixRangeEnd(prefix)
	if prefix == "" {
		prefix, end = "\x00", "\x00"
	}

	keys := make([]string, 0)
	from := prefix
	for {
		resp, err := s.client.Get(ctx, from,
			clientv3.WithRange(end),
			clientv3.WithKeysOnly(),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
			clientv3.WithLimit(s.config.PageSize),
		)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, item := range resp.Kvs {
			keys = append(keys, string(item.Key))
		}
		if !resp.More || len(resp.Kvs) == 0 {
			return keys, nil
		}
		from = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
	}
}

// Apply commits txn as one etcd transaction, or as several when it has
// more than MaxTxnOps operations.
func (s *Store) Apply(ctx context.Context, txn kv.Txn) error {
	p, err := compile(ctx, txn, s.List)
	if err != nil {
		return err
	}

	cmps := make([]clientv3.Cmp, 0, len(p.conds))
	for _, c := range p.conds {
		if c.Exists {
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(c.Key), ">", 0))
		} else {
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(c.Key), "=", 0))
		}
	}
	ops := make([]clientv3.Op, 0, len(p.prefixes)+len(p.writes))
	for _, prefix := range p.prefixes {
		ops = append(ops, clientv3.OpDelete(prefix, clientv3.WithPrefix()))
	}
	for _, op := range p.writes {
		if op.Type == kv.OpPut {
			ops = append(ops, clientv3.OpPut(op.Key, string(op.Value)))
		} else {
			ops = append(ops, clientv3.OpDelete(op.Key))
		}
	}

	batches, err := chunkOps(cmps, ops, s.config.MaxTxnOps)
	if err != nil {
		return err
	}
	for i, batch := range batches {
		txn := s.client.Txn(ctx)
		if i == 0 {
			txn = txn.If(cmps...)
		}
		resp, err := txn.Then(batch...).Commit()
		if err != nil {
			if i > 0 {
				s.logger.Error("transaction partially applied",
					zap.Int("applied_batches", i),
					zap.Int("batches", len(batches)),
					zap.Error(err),
				)
			}
			return fmt.Errorf("commit transaction: %w", err)
		}
		if !resp.Succeeded {
			return kv.ErrConditionFailed
		}
	}
	return nil
}

// chunkOps splits ops into batches of at most limit. The conditions guard
// the first batch only.
func chunkOps(cmps []clientv3.Cmp, ops []clientv3.Op, limit int) ([][]clientv3.Op, error) {
	if len(cmps) > limit {
		return nil, fmt.Errorf("transaction has %d conditions, limit is %d", len(cmps), limit)
	}
	if len(ops) == 0 {
		return [][]clientv3.Op{nil}, nil
	}
	var batches [][]clientv3.Op
	for start := 0; start < len(ops); start += limit {
		end := min(start+limit, len(ops))
		batches = append(batches, ops[start:end])
	}
	return batches, nil
}

// Close closes the client if the Store dialed it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close etcd client: %w", err)
	}
	return nil
}
