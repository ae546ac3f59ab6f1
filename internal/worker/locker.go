package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iago/bulkupload-back/internal/logging"
)

var ErrJobLocked = errors.New("job is being processed by another pass")

// JobLocker grants one pass at a time per job. The returned release func
// must be called once the pass ends.
type JobLocker interface {
	Acquire(ctx context.Context, jobID string) (release func(), err error)
}

// LocalLocker serializes passes inside one process.
type LocalLocker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{active: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(_ context.Context, jobID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.active[jobID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrJobLocked, jobID)
	}
	l.active[jobID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, jobID)
			l.mu.Unlock()
		})
	}, nil
}

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type RedisLockerConfig struct {
	Prefix string
	TTL    time.Duration
}

// RedisLocker serializes passes across processes with SET NX PX. The lock is
// refreshed while held and only deleted by the token that owns it.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisLocker(client redis.UniversalClient, config RedisLockerConfig, logger *zap.Logger) *RedisLocker {
	if config.Prefix == "" {
		config.Prefix = "bulkupload:job-lock:"
	}
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	return &RedisLocker{
		client: client,
		prefix: config.Prefix,
		ttl:    config.TTL,
		logger: logging.OrNop(logger),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, jobID string) (func(), error) {
	key := l.prefix + jobID
	token := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire job lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrJobLocked, jobID)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Warn("release job lock", zap.String("job_id", jobID), zap.Error(err))
			}
		})
	}, nil
}

func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			refreshed, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("refresh job lock", zap.String("key", key), zap.Error(err))
				continue
			}
			if refreshed == 0 {
				l.logger.Warn("job lock lost", zap.String("key", key))
				return
			}
		}
	}
}
