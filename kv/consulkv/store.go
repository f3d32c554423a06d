// Package consulkv implements kv.Store on the consul KV store.
//
// Catalog keys map to consul keys by dropping the leading slash and adding
// Config.Prefix. Transactions use the /v1/txn endpoint: absent keys are
// checked with check-not-exists, present keys with get, which fails the
// transaction when the key is missing. Locks are consul session locks.
package consulkv

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/jacentio/magicdb/kv"
)

// maxTxnOps is consul's default limit of operations per transaction.
const maxTxnOps = 64

// Store implements kv.Store on consul.
type Store struct {
	client *api.Client
	config Config
	logger *zap.Logger
}

var _ kv.Store = (*Store)(nil)

// Dial creates a consul client for config.
func Dial(config Config, logger *zap.Logger) (*Store, error) {
	config.validate()
	client, err := api.NewClient(&api.Config{
		Address:    config.Address,
		Scheme:     config.Scheme,
		Token:      config.Token,
		Datacenter: config.Datacenter,
	})
	if err != nil {
		return nil, fmt.Errorf("create consul client %s: %w", config.Address, err)
	}
	return New(client, config, logger), nil
}

// New creates a Store on an existing client.
func New(client *api.Client, config Config, logger *zap.Logger) *Store {
	config.validate()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		config: config,
		logger: logger.With(zap.String("consul", config.Address)),
	}
}

func (s *Store) consulKey(key string) string {
	return s.config.Prefix + strings.TrimPrefix(key, "/")
}

func (s *Store) catalogKey(key string) string {
	return "/" + strings.TrimPrefix(key, s.config.Prefix)
}

func (s *Store) query(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx)
}

func (s *Store) write(ctx context.Context) *api.WriteOptions {
	return (&api.WriteOptions{}).WithContext(ctx)
}

// Get returns the value at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	pair, _, err := s.client.KV().Get(s.consulKey(key), s.query(ctx))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if pair == nil {
		return nil, kv.ErrNotFound
	}
	if pair.Value == nil {
		return []byte{}, nil
	}
	return pair.Value, nil
}

// Put writes value at key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.client.KV().Put(&api.KVPair{Key: s.consulKey(key), Value: value}, s.write(ctx))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.KV().Delete(s.consulKey(key), s.write(ctx)); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := s.client.KV().DeleteTree(s.consulKey(prefix), s.write(ctx)); err != nil {
		return fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return nil
}

// List returns all keys starting with prefix in ascending order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	raw, _, err := s.client.KV().Keys(s.consulKey(prefix), "", s.query(ctx))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	keys := make([]string, 0, len(raw))
	for _, key := range raw {
		keys = append(keys, s.catalogKey(key))
	}
	sort.Strings(keys)
	return keys, nil
}

// Apply commits txn with consul transactions of at most 64 operations.
// The first transaction carries every condition, so a failed condition
// leaves the store untouched; later transactions may fail independently.
func (s *Store) Apply(ctx context.Context, txn kv.Txn) error {
	conds, ops, err := s.txnOps(txn)
	if err != nil {
		return err
	}
	batches, err := chunkTxn(conds, ops)
	if err != nil {
		return err
	}

	for i, batch := range batches {
		ok, resp, _, err := s.client.Txn().Txn(batch, s.query(ctx))
		if err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		if ok {
			continue
		}
		checks := 0
		if i == 0 {
			checks = len(conds)
		}
		err = txnFailure(resp, checks)
		if i > 0 {
			s.logger.Error("transaction partially applied",
				zap.Int("applied_batches", i),
				zap.Int("batches", len(batches)),
				zap.Error(err),
			)
		}
		return err
	}
	return nil
}

// txnOps translates txn into condition checks and writes, in order.
func (s *Store) txnOps(txn kv.Txn) (conds, ops api.TxnOps, err error) {
	for _, c := range txn.Conds {
		verb := api.KVCheckNotExists
		if c.Exists {
			verb = api.KVGet
		}
		conds = append(conds, &api.TxnOp{KV: &api.KVTxnOp{Verb: verb, Key: s.consulKey(c.Key)}})
	}
	for _, op := range txn.Ops {
		var kvOp *api.KVTxnOp
		switch op.Type {
		case kv.OpPut:
			kvOp = &api.KVTxnOp{Verb: api.KVSet, Key: s.consulKey(op.Key), Value: op.Value}
		case kv.OpDelete:
			kvOp = &api.KVTxnOp{Verb: api.KVDelete, Key: s.consulKey(op.Key)}
		case kv.OpDeletePrefix:
			kvOp = &api.KVTxnOp{Verb: api.KVDeleteTree, Key: s.consulKey(op.Key)}
		default:
			return nil, nil, fmt.Errorf("unsupported op %v", op.Type)
		}
		ops = append(ops, &api.TxnOp{KV: kvOp})
	}
	return conds, ops, nil
}

// chunkTxn splits a transaction into batches of at most maxTxnOps,
// conditions first.
func chunkTxn(conds, ops api.TxnOps) ([]api.TxnOps, error) {
	if len(conds) > maxTxnOps {
		return nil, fmt.Errorf("transaction has %d conditions, limit is %d", len(conds), maxTxnOps)
	}
	all := append(append(api.TxnOps{}, conds...), ops...)
	var batches []api.TxnOps
	for start := 0; start < len(all); start += maxTxnOps {
		end := min(start+maxTxnOps, len(all))
		batches = append(batches, all[start:end])
	}
	return batches, nil
}

// txnFailure maps a rolled back transaction to an error. Failures of the
// first checks operations are condition failures.
func txnFailure(resp *api.TxnResponse, checks int) error {
	if resp == nil || len(resp.Errors) == 0 {
		return fmt.Errorf("transaction rolled back")
	}
	var reasons []string
	for _, e := range resp.Errors {
		if e.OpIndex < checks {
			return kv.ErrConditionFailed
		}
		reasons = append(reasons, fmt.Sprintf("op %d: %s", e.OpIndex, e.What))
	}
	return fmt.Errorf("transaction rolled back: %s", strings.Join(reasons, "; "))
}

// Close is a no-op; the consul client holds no persistent connection.
func (s *Store) Close() error { return nil }
