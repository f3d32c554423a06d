package etcdkv

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/jacentio/magicdb/kv"
)

// Lock takes the mutex LockPrefix+name on a new session whose lease lasts
// ttl (rounded up to whole seconds). The session keeps the lease alive, so
// the lock is only lost when etcd stops hearing from this process for ttl.
func (s *Store) Lock(ctx context.Context, name string, ttl time.Duration) (kv.Lock, error) {
	session, err := concurrency.NewSession(s.client, concurrency.WithTTL(leaseSeconds(ttl)))
	if err != nil {
		return nil, fmt.Errorf("open lock session: %w", err)
	}

	mutex := concurrency.NewMutex(session, s.config.LockPrefix+name)
	if err := mutex.Lock(ctx); err != nil {
		session.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	return newLock(s, name, session, mutex), nil
}

func leaseSeconds(ttl time.Duration) int {
	return max(1, int(math.Ceil(ttl.Seconds())))
}

// lock is a held etcd mutex.
type lock struct {
	store   *Store
	name    string
	session *concurrency.Session
	mutex   *concurrency.Mutex
	once    sync.Once
	lost    chan struct{}
}

func newLock(s *Store, name string, session *concurrency.Session, mutex *concurrency.Mutex) *lock {
	l := &lock{
		store:   s,
		name:    name,
		session: session,
		mutex:   mutex,
		lost:    make(chan struct{}),
	}
	go func() {
		select {
		case <-session.Done():
			select {
			case <-l.lost:
				return
			default:
			}
			l.store.logger.Warn("lock session expired", zap.String("lock", name))
			l.release()
		case <-l.lost:
		}
	}()
	return l
}

func (l *lock) release() {
	l.once.Do(func() { close(l.lost) })
}

// Unlock releases the mutex and revokes the session lease.
func (l *lock) Unlock(ctx context.Context) error {
	l.release()

	err := l.mutex.Unlock(ctx)
	if cerr := l.session.Close(); cerr != nil {
		l.store.logger.Debug("close lock session", zap.String("lock", l.name), zap.Error(cerr))
	}
	if err != nil {
		return fmt.Errorf("release lock %q: %w", l.name, err)
	}
	return nil
}

func (l *lock) Lost() <-chan struct{} { return l.lost }
