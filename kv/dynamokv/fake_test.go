package dynamokv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory DynamoDB table that understands the requests
// Store sends. Condition expressions are matched verbatim.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue // pk + "\x00" + sk

	// unprocessed leaves one request of the next calls to BatchWriteItem
	// unprocessed, counting down.
	unprocessed int

	transactSizes []int
	batchCalls    int
	queries       []string // partition keys queried
}

var _ API = (*fakeDynamo)(nil)

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func num(av types.AttributeValue) int64 {
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		v, _ := strconv.ParseInt(n.Value, 10, 64)
		return v
	}
	return 0
}

func fakeKey(key map[string]types.AttributeValue) string {
	return str(key[attrPK]) + "\x00" + str(key[attrSK])
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

// holds evaluates a condition expression against the current item.
func (f *fakeDynamo) holds(cond *string, current map[string]types.AttributeValue, values map[string]types.AttributeValue) bool {
	if cond == nil {
		return true
	}
	switch *cond {
	case condKeyExists:
		return current != nil
	case condKeyAbsent:
		return current == nil
	case condLockFree:
		return current == nil || num(current[attrExpires]) <= num(values[":now"])
	case condLockOwned:
		return current != nil && str(current[attrOwner]) == str(values[":owner"])
	}
	panic("unexpected condition expression: " + *cond)
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: copyItem(f.items[fakeKey(in.Key)])}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := fakeKey(in.Item)
	current := f.items[k]
	if !f.holds(in.ConditionExpression, current, in.ExpressionAttributeValues) {
		failed := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		if in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
			failed.Item = copyItem(current)
		}
		return nil, failed
	}
	f.items[k] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := fakeKey(in.Key)
	if !f.holds(in.ConditionExpression, f.items[k], in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	delete(f.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pk := str(in.ExpressionAttributeValues[":pk"])
	prefix := str(in.ExpressionAttributeValues[":prefix"])
	f.queries = append(f.queries, pk)

	var sks []string
	for _, item := range f.items {
		if str(item[attrPK]) != pk || str(item[attrSK]) == lockSortKey {
			continue
		}
		if sk := str(item[attrSK]); strings.HasPrefix(sk, prefix) {
			sks = append(sks, sk)
		}
	}
	sort.Strings(sks)

	out := &dynamodb.QueryOutput{}
	for _, sk := range sks {
		out.Items = append(out.Items, map[string]types.AttributeValue{
			attrSK: &types.AttributeValueMemberS{Value: sk},
		})
	}
	return out, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++

	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{}}
	for table, requests := range in.RequestItems {
		if len(requests) > maxBatchWrite {
			return nil, fmt.Errorf("ValidationException: too many items in batch: %d", len(requests))
		}
		for i, req := range requests {
			if f.unprocessed > 0 && i == len(requests)-1 {
				f.unprocessed--
				out.UnprocessedItems[table] = append(out.UnprocessedItems[table], req)
				continue
			}
			if req.DeleteRequest != nil {
				delete(f.items, fakeKey(req.DeleteRequest.Key))
			}
		}
	}
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(in.TransactItems) > maxTransactItems {
		return nil, fmt.Errorf("ValidationException: transaction has %d items", len(in.TransactItems))
	}
	f.transactSizes = append(f.transactSizes, len(in.TransactItems))

	type check struct {
		key  string
		cond *string
	}
	checks := make([]check, len(in.TransactItems))
	seen := make(map[string]bool)
	for i, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			checks[i] = check{fakeKey(ti.Put.Item), ti.Put.ConditionExpression}
		case ti.Delete != nil:
			checks[i] = check{fakeKey(ti.Delete.Key), ti.Delete.ConditionExpression}
		case ti.ConditionCheck != nil:
			checks[i] = check{fakeKey(ti.ConditionCheck.Key), ti.ConditionCheck.ConditionExpression}
		default:
			return nil, errors.New("ValidationException: empty transact item")
		}
		if seen[checks[i].key] {
			return nil, errors.New("ValidationException: Transaction request cannot include multiple operations on one item")
		}
		seen[checks[i].key] = true
	}

	reasons := make([]types.CancellationReason, len(checks))
	failed := false
	for i, c := range checks {
		reasons[i].Code = aws.String("None")
		if !f.holds(c.cond, f.items[c.key], nil) {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for i, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			f.items[checks[i].key] = copyItem(ti.Put.Item)
		case ti.Delete != nil:
			delete(f.items, checks[i].key)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
