package dynamokv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jacentio/magicdb/internal/shard"
	"github.com/jacentio/magicdb/kv"
)

const lockSortKey = "lock"

// lockExpiryGrace delays DynamoDB's own TTL cleanup of released-but-not-deleted
// lock items well past the lease.
const lockExpiryGrace = time.Hour

// lockItem is the stored form of a held lock.
type lockItem struct {
	PK      string `dynamodbav:"pk"`
	SK      string `dynamodbav:"sk"`
	Name    string `dynamodbav:"name"`
	Owner   string `dynamodbav:"owner"`
	Expires int64  `dynamodbav:"expires"` // lease end, unix milliseconds
	TTL     int64  `dynamodbav:"ttl"`     // DynamoDB item expiry, unix seconds
}

// Lock takes the lock called name with a lease of ttl. The lock is a
// conditional put that succeeds if no item exists or the previous lease
// has passed. The lease is not renewed: the returned lock's Lost channel
// closes when it runs out.
func (s *Store) Lock(ctx context.Context, name string, ttl time.Duration) (kv.Lock, error) {
	pk := shard.LockKey(s.config.Root, name)
	owner := uuid.NewString()

	for {
		now := time.Now()
		expires := now.Add(ttl)
		av, err := attributevalue.MarshalMap(lockItem{
			PK:      pk,
			SK:      lockSortKey,
			Name:    name,
			Owner:   owner,
			Expires: expires.UnixMilli(),
			TTL:     expires.Add(lockExpiryGrace).Unix(),
		})
		if err != nil {
			return nil, fmt.Errorf("marshal lock %q: %w", name, err)
		}

		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                           aws.String(s.config.Table),
			Item:                                av,
			ConditionExpression:                 aws.String(condLockFree),
			ExpressionAttributeNames:            lockExprNames(),
			ExpressionAttributeValues:           nowValues(now),
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		})
		if err == nil {
			// The local lease starts before the request, so it ends no later than the stored one.
			return newLock(s, name, pk, owner, time.Until(expires)), nil
		}

		var condErr *types.ConditionalCheckFailedException
		if !errors.As(err, &condErr) {
			return nil, fmt.Errorf("acquire lock %q: %w", name, err)
		}
		s.logBusy(name, condErr.Item, now)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.config.LockRetryInterval):
		}
	}
}

func (s *Store) logBusy(name string, holder map[string]types.AttributeValue, now time.Time) {
	fields := []zap.Field{zap.String("lock", name)}
	if owner, ok := holder[attrOwner].(*types.AttributeValueMemberS); ok {
		fields = append(fields, zap.String("holder", owner.Value))
	}
	if expires, ok := leaseOf(holder); ok {
		fields = append(fields, zap.Duration("remaining", expires.Sub(now)))
	}
	if isExpired(holder, now) {
		// Our clock says the lease passed, DynamoDB's clock disagrees.
		s.logger.Warn("lock lease expired locally but still held", fields...)
		return
	}
	s.logger.Debug("lock busy", fields...)
}

// lock is a held DynamoDB lock.
type lock struct {
	store *Store
	name  string
	pk    string
	owner string
	timer *time.Timer
	once  sync.Once
	lost  chan struct{}
}

func newLock(s *Store, name, pk, owner string, lease time.Duration) *lock {
	l := &lock{
		store: s,
		name:  name,
		pk:    pk,
		owner: owner,
		lost:  make(chan struct{}),
	}
	l.timer = time.AfterFunc(lease, l.release)
	return l
}

// release may run on the timer goroutine before newLock has stored the
// timer; only Unlock stops it.
func (l *lock) release() {
	l.once.Do(func() { close(l.lost) })
}

// Unlock deletes the lock item if this lock still owns it.
func (l *lock) Unlock(ctx context.Context) error {
	l.timer.Stop()
	defer l.release()

	_, err := l.store.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.store.config.Table),
		Key: map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: l.pk},
			attrSK: &types.AttributeValueMemberS{Value: lockSortKey},
		},
		ConditionExpression:      aws.String(condLockOwned),
		ExpressionAttributeNames: map[string]string{"#owner": attrOwner},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: l.owner},
		},
	})

	// Ignore condition failure - the lease expired and someone else holds it
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		l.store.logger.Warn("lock taken over before unlock", zap.String("lock", l.name))
		return nil
	}
	if err != nil {
		return fmt.Errorf("release lock %q: %w", l.name, err)
	}
	return nil
}

func (l *lock) Lost() <-chan struct{} { return l.lost }
