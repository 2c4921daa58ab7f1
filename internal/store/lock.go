package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LockTTL bounds how long a crashed holder can keep a shared lock.
const LockTTL = 30 * time.Second

const lockPoll = 10 * time.Millisecond

// Lock takes the named lock. Stores sharing one Memory serialise on it.
func (m *Memory) Lock(ctx context.Context, name string) (func(), error) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]chan struct{})
	}
	ch, ok := m.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[name] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Lock takes the named lock with SET NX PX, polling until ctx is done. The
// lock expires after LockTTL if the holder never releases it.
func (r *RedisKV) Lock(ctx context.Context, name string) (func(), error) {
	key := r.prefix + "lock:" + name
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, key, token, LockTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = releaseScript.Run(ctx, r.client, []string{key}, token).Err()
			}, nil
		}
		if err := sleepCtx(ctx, lockPoll); err != nil {
			return nil, err
		}
	}
}

// Lock takes the named lock through a row in kv_locks, which every process
// opening the same database file sees.
func (s *SQLiteKV) Lock(ctx context.Context, name string) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := s.tryLock(ctx, name, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_locks WHERE name = ? AND token = ?`, name, token)
			}, nil
		}
		if err := sleepCtx(ctx, lockPoll); err != nil {
			return nil, err
		}
	}
}

func (s *SQLiteKV) tryLock(ctx context.Context, name, token string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_locks WHERE name = ? AND expires_at < ?`, name, now); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO kv_locks (name, token, expires_at) VALUES (?, ?, ?)`,
		name, token, now+LockTTL.Milliseconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n == 1, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
