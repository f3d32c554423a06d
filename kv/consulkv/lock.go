package consulkv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/jacentio/magicdb/kv"
)

// Session TTL bounds enforced by consul.
const (
	minSessionTTL = 10 * time.Second
	maxSessionTTL = 24 * time.Hour
)

// Lock takes the consul lock LockPrefix+name. The lock's session has a TTL
// of ttl clamped to consul's bounds and is renewed while held; the lock is
// lost when the session is invalidated.
func (s *Store) Lock(ctx context.Context, name string, ttl time.Duration) (kv.Lock, error) {
	cl, err := s.client.LockOpts(&api.LockOptions{
		Key:         s.config.LockPrefix + name,
		SessionName: "magicdb " + name,
		SessionTTL:  sessionTTL(ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("prepare lock %q: %w", name, err)
	}

	leaderCh, err := cl.Lock(ctx.Done())
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	if leaderCh == nil {
		// Acquisition was aborted through the stop channel.
		return nil, ctx.Err()
	}
	return newLock(s, name, cl, leaderCh), nil
}

// sessionTTL formats ttl as a consul duration in whole seconds.
func sessionTTL(ttl time.Duration) string {
	ttl = min(max(ttl, minSessionTTL), maxSessionTTL)
	return fmt.Sprintf("%ds", int(math.Ceil(ttl.Seconds())))
}

// lock is a held consul lock.
type lock struct {
	store *Store
	name  string
	cl    *api.Lock
	once  sync.Once
	lost  chan struct{}
}

func newLock(s *Store, name string, cl *api.Lock, leaderCh <-chan struct{}) *lock {
	l := &lock{store: s, name: name, cl: cl, lost: make(chan struct{})}
	go func() {
		select {
		case <-leaderCh:
			select {
			case <-l.lost:
				return
			default:
			}
			l.store.logger.Warn("lock session invalidated", zap.String("lock", name))
			l.release()
		case <-l.lost:
		}
	}()
	return l
}

func (l *lock) release() {
	l.once.Do(func() { close(l.lost) })
}

// Unlock releases the lock. A lock lost to session invalidation is not an error.
func (l *lock) Unlock(context.Context) error {
	l.release()
	err := l.cl.Unlock()
	if errors.Is(err, api.ErrLockNotHeld) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release lock %q: %w", l.name, err)
	}
	return nil
}

func (l *lock) Lost() <-chan struct{} { return l.lost }
