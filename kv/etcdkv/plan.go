package etcdkv

import (
	"context"
	"fmt"
	"strings"

	"github.com/jacentio/magicdb/kv"
)

// lister lists keys under a prefix.
type lister func(ctx context.Context, prefix string) ([]string, error)

// plan is a transaction etcd accepts: range deletes plus single-key writes,
// with no put touching a key another op writes or deletes.
type plan struct {
	conds    []kv.Cond
	prefixes []string
	writes   []kv.Op
}

// compile turns txn into a plan with the same effect when its ops are run
// in order. Writes to one key collapse into the last one. A prefix delete
// covering a later put is expanded into key deletes with list.
func compile(ctx context.Context, txn kv.Txn, list lister) (plan, error) {
	final := make(map[string]kv.Op)
	var order []string
	set := func(op kv.Op) {
		if _, ok := final[op.Key]; !ok {
			order = append(order, op.Key)
		}
		final[op.Key] = op
	}

	var prefixes []string
	for _, op := range txn.Ops {
		switch op.Type {
		case kv.OpPut, kv.OpDelete:
			set(op)
		case kv.OpDeletePrefix:
			for _, key := range order {
				if strings.HasPrefix(key, op.Key) {
					set(kv.Delete(key))
				}
			}
			prefixes = append(prefixes, op.Key)
		default:
			return plan{}, fmt.Errorf("unsupported op %v", op.Type)
		}
	}

	p := plan{conds: txn.Conds}
	for _, prefix := range prefixes {
		if !coversPut(prefix, order, final) {
			p.prefixes = append(p.prefixes, prefix)
			continue
		}
		keys, err := list(ctx, prefix)
		if err != nil {
			return plan{}, fmt.Errorf("expand %s: %w", prefix, err)
		}
		for _, key := range keys {
			if _, ok := final[key]; !ok {
				set(kv.Delete(key))
			}
		}
	}
	for _, key := range order {
		p.writes = append(p.writes, final[key])
	}
	return p, nil
}

func coversPut(prefix string, keys []string, final map[string]kv.Op) bool {
	for _, key := range keys {
		if final[key].Type == kv.OpPut && strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
