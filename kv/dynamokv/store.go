// Package dynamokv implements kv.Store on a single DynamoDB table.
//
// Every catalog key is one item: the partition key is a sharded root
// ("{Root}#{shard}", see internal/shard), the sort key is the catalog key
// itself and the value is a binary attribute. Prefix listing queries every
// shard with begins_with on the sort key. Transactions map to
// TransactWriteItems; locks are conditional puts with a lease.
package dynamokv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/magicdb/internal/shard"
	"github.com/jacentio/magicdb/kv"
)

// Attribute names.
const (
	attrPK      = "pk"
	attrSK      = "sk"
	attrValue   = "value"
	attrOwner   = "owner"
	attrExpires = "expires"
	attrTTL     = "ttl"
)

// DynamoDB request limits.
const (
	maxTransactItems = 100
	maxBatchWrite    = 25
	maxBatchAttempts = 8
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// item is a stored catalog key.
type item struct {
	PK    string `dynamodbav:"pk"`
	SK    string `dynamodbav:"sk"`
	Value []byte `dynamodbav:"value,omitempty"`
}

// Store implements kv.Store on DynamoDB.
type Store struct {
	client API
	config Config
	logger *zap.Logger
}

var _ kv.Store = (*Store)(nil)

// New creates a new Store instance.
func New(client API, config Config, logger *zap.Logger) *Store {
	config.validate()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		config: config,
		logger: logger.With(zap.String("table", config.Table)),
	}
}

// partitionKey computes the sharded partition key of a catalog key.
func (s *Store) partitionKey(key string) string {
	return shard.PartitionKey(s.config.Root, key, s.config.NumShards)
}

func (s *Store) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: s.partitionKey(key)},
		attrSK: &types.AttributeValueMemberS{Value: key},
	}
}

func (s *Store) marshalItem(key string, value []byte) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(item{PK: s.partitionKey(key), SK: key, Value: value})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", key, err)
	}
	return av, nil
}

// Get returns the value at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.Table),
		Key:            s.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if out.Item == nil {
		return nil, kv.ErrNotFound
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	if it.Value == nil {
		it.Value = []byte{}
	}
	return it.Value, nil
}

// Put writes value at key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	av, err := s.marshalItem(key, value)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.Table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.Table),
		Key:       s.itemKey(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix. It is not atomic:
// keys are removed in batches of 25.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	return s.batchDelete(ctx, keys)
}

// List returns all keys starting with prefix in ascending order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	pks := shard.PartitionKeys(s.config.Root, s.config.NumShards)

	// Fast path for single shard (default)
	if len(pks) == 1 {
		return s.queryShard(ctx, pks[0], prefix)
	}

	// Multi-shard fan-out
	results := make([][]string, len(pks))
	g, gctx := errgroup.WithContext(ctx)
	for i, pk := range pks {
		g.Go(func() error {
			keys, err := s.queryShard(gctx, pk, prefix)
			if err != nil {
				return fmt.Errorf("shard %s: %w", pk, err)
			}
			results[i] = keys
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var keys []string
	for _, r := range results {
		keys = append(keys, r...)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) queryShard(ctx context.Context, pk, prefix string) ([]string, error) {
	input := &dynamodb.QueryInput{
		TableName:                aws.String(s.config.Table),
		KeyConditionExpression:   aws.String("#pk = :pk"),
		ProjectionExpression:     aws.String("#sk"),
		ExpressionAttributeNames: mergeExprNames(map[string]string{"#pk": attrPK}, keyExprNames()),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		ConsistentRead: aws.Bool(true),
	}
	if prefix != "" {
		input.KeyConditionExpression = aws.String("#pk = :pk AND begins_with(#sk, :prefix)")
		input.ExpressionAttributeValues[":prefix"] = &types.AttributeValueMemberS{Value: prefix}
	}

	// Paginate through all results
	keys := make([]string, 0)
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", pk, err)
		}
		for _, raw := range page.Items {
			if sk, ok := raw[attrSK].(*types.AttributeValueMemberS); ok {
				keys = append(keys, sk.Value)
			}
		}
	}
	return keys, nil
}

// batchDelete removes keys with BatchWriteItem, retrying unprocessed items.
func (s *Store) batchDelete(ctx context.Context, keys []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.BatchConcurrency)

	for start := 0; start < len(keys); start += maxBatchWrite {
		end := min(start+maxBatchWrite, len(keys))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: s.itemKey(key)},
			})
		}
		g.Go(func() error {
			return s.writeBatch(gctx, requests)
		})
	}
	return g.Wait()
}

func (s *Store) writeBatch(ctx context.Context, requests []types.WriteRequest) error {
	backoff := 50 * time.Millisecond
	for attempt := 1; ; attempt++ {
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.config.Table: requests},
		})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		requests = out.UnprocessedItems[s.config.Table]
		if len(requests) == 0 {
			return nil
		}
		if attempt == maxBatchAttempts {
			return fmt.Errorf("batch write: %d items unprocessed after %d attempts", len(requests), attempt)
		}

		s.logger.Debug("retrying unprocessed batch items",
			zap.Int("items", len(requests)),
			zap.Int("attempt", attempt),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Apply commits txn with TransactWriteItems.
//
// Prefix deletes are expanded into key deletes first. Writes to the same key
// collapse into the last one, and a condition on a written key is attached
// to that write. Transactions above 100 items are split: the first
// transaction carries every condition, so a failed condition still leaves
// the store untouched, but later transactions may fail independently.
func (s *Store) Apply(ctx context.Context, txn kv.Txn) error {
	writes, order, err := s.resolve(ctx, txn.Ops)
	if err != nil {
		return err
	}

	conds := make(map[string]bool, len(txn.Conds))
	for _, c := range txn.Conds {
		if exists, ok := conds[c.Key]; ok && exists != c.Exists {
			// Contradictory requirements on one key can never hold.
			return kv.ErrConditionFailed
		}
		conds[c.Key] = c.Exists
	}

	var conditioned, plain []types.TransactWriteItem
	for _, key := range order {
		ti, err := s.writeItem(writes[key])
		if err != nil {
			return err
		}
		exists, ok := conds[key]
		if !ok {
			plain = append(plain, ti)
			continue
		}
		setCondition(&ti, exists)
		conditioned = append(conditioned, ti)
	}
	seen := make(map[string]bool, len(conds))
	for _, c := range txn.Conds {
		if _, written := writes[c.Key]; written || seen[c.Key] {
			continue
		}
		seen[c.Key] = true
		conditioned = append(conditioned, types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName:                aws.String(s.config.Table),
				Key:                      s.itemKey(c.Key),
				ConditionExpression:      aws.String(keyCondition(c.Exists)),
				ExpressionAttributeNames: keyExprNames(),
			},
		})
	}

	if len(conditioned) > maxTransactItems {
		return fmt.Errorf("transaction has %d conditioned items, limit is %d", len(conditioned), maxTransactItems)
	}

	batches := chunkTransaction(conditioned, plain)
	for i, items := range batches {
		_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		})
		if err == nil {
			continue
		}
		err = mapTransactionError(err)
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

// resolve expands prefix deletes and collapses ops per key (last write wins).
func (s *Store) resolve(ctx context.Context, ops []kv.Op) (map[string]kv.Op, []string, error) {
	writes := make(map[string]kv.Op)
	var order []string
	set := func(op kv.Op) {
		if _, ok := writes[op.Key]; !ok {
			order = append(order, op.Key)
		}
		writes[op.Key] = op
	}

	for _, op := range ops {
		switch op.Type {
		case kv.OpPut, kv.OpDelete:
			set(op)
		case kv.OpDeletePrefix:
			keys, err := s.List(ctx, op.Key)
			if err != nil {
				return nil, nil, fmt.Errorf("expand %s: %w", op.Key, err)
			}
			for _, key := range keys {
				set(kv.Delete(key))
			}
		default:
			return nil, nil, fmt.Errorf("unsupported op %v", op.Type)
		}
	}
	return writes, order, nil
}

func (s *Store) writeItem(op kv.Op) (types.TransactWriteItem, error) {
	if op.Type == kv.OpDelete {
		return types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(s.config.Table),
				Key:       s.itemKey(op.Key),
			},
		}, nil
	}
	av, err := s.marshalItem(op.Key, op.Value)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(s.config.Table),
			Item:      av,
		},
	}, nil
}

func setCondition(ti *types.TransactWriteItem, exists bool) {
	expr := aws.String(keyCondition(exists))
	switch {
	case ti.Put != nil:
		ti.Put.ConditionExpression = expr
		ti.Put.ExpressionAttributeNames = keyExprNames()
	case ti.Delete != nil:
		ti.Delete.ConditionExpression = expr
		ti.Delete.ExpressionAttributeNames = keyExprNames()
	}
}

// chunkTransaction splits items into transactions of at most 100 items,
// conditioned items first.
func chunkTransaction(conditioned, plain []types.TransactWriteItem) [][]types.TransactWriteItem {
	all := append(append([]types.TransactWriteItem{}, conditioned...), plain...)
	var batches [][]types.TransactWriteItem
	for start := 0; start < len(all); start += maxTransactItems {
		end := min(start+maxTransactItems, len(all))
		batches = append(batches, all[start:end])
	}
	return batches
}

// mapTransactionError maps DynamoDB condition failures to kv.ErrConditionFailed.
func mapTransactionError(err error) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return kv.ErrConditionFailed
			}
		}
	}
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return kv.ErrConditionFailed
	}

	return fmt.Errorf("transact write: %w", err)
}

// Close is a no-op; the DynamoDB client holds no connection.
func (s *Store) Close() error { return nil }
