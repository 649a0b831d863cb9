package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps documents as Redis hashes {rev, data} and sub-collections as Redis lists.
type RedisStore struct {
	client     *redis.Client
	logger     *zap.Logger
	maxRetries int
}

// NewRedisStore creates a store over an existing client.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger, maxRetries: defaultRetry}
}

// Create stores value under key unless the key already exists. It returns the document as
// stored and whether this call created it.
func (s *RedisStore) Create(ctx context.Context, key string, value json.RawMessage) (Snapshot, bool, error) {
	var (
		snap    Snapshot
		created bool
	)
	txf := func(tx *redis.Tx) error {
		existing, err := readDoc(ctx, tx, key)
		if err == nil {
			snap, created = existing, false
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldRevision, 1, fieldData, []byte(value))
			pipe.Publish(ctx, feedChannel(key), "1")
			return nil
		})
		if err != nil {
			return err
		}
		snap, created = Snapshot{Key: key, Revision: 1, Data: value}, true
		return nil
	}
	if err := s.watch(ctx, key, txf); err != nil {
		return Snapshot{}, false, fmt.Errorf("create %s: %w", key, err)
	}
	return snap, created, nil
}

// Get returns the current document.
func (s *RedisStore) Get(ctx context.Context, key string) (Snapshot, error) {
	return readDoc(ctx, s.client, key)
}

// Update applies fn to the current value with WATCH/MULTI and retries when another writer
// got in first. The revision increases by one on every successful update.
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) (Snapshot, error) {
	var out Snapshot
	txf := func(tx *redis.Tx) error {
		cur, err := readDoc(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := fn(cur.Data)
		if err != nil {
			return err
		}
		rev := cur.Revision + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldRevision, rev, fieldData, []byte(next))
			pipe.Publish(ctx, feedChannel(key), strconv.FormatInt(rev, 10))
			return nil
		})
		if err != nil {
			return err
		}
		out = Snapshot{Key: key, Revision: rev, Data: next}
		return nil
	}
	if err := s.watch(ctx, key, txf); err != nil {
		return Snapshot{}, err
	}
	return out, nil
}

// Delete removes the document and notifies subscribers.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.Publish(ctx, feedChannel(key), eventDeleted)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeleteIf removes the document only when match accepts its current value.
func (s *RedisStore) DeleteIf(ctx context.Context, key string, match func(Snapshot) bool) (bool, error) {
	deleted := false
	txf := func(tx *redis.Tx) error {
		cur, err := readDoc(ctx, tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !match(cur) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.Publish(ctx, feedChannel(key), eventDeleted)
			return nil
		})
		deleted = err == nil
		return err
	}
	if err := s.watch(ctx, key, txf); err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return deleted, nil
}

// Expire sets a retention TTL on key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// Subscribe returns a live feed of key: the current value first, then the current value
// after every change. A Deleted snapshot is sent when the document disappears. The channel
// closes when ctx is done or the underlying subscription fails.
func (s *RedisStore) Subscribe(ctx context.Context, key string) (<-chan Snapshot, error) {
	out := make(chan Snapshot, feedBufferLen)
	var last int64 = -1
	emit := func(ctx context.Context) bool {
		snap, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			if last == 0 {
				return true
			}
			last = 0
			snap = Snapshot{Key: key, Deleted: true}
		} else if err != nil {
			s.logger.Warn("docstore feed read failed", zap.String("key", key), zap.Error(err))
			return false
		} else if snap.Revision <= last && last > 0 {
			return true
		} else {
			last = snap.Revision
		}
		select {
		case out <- snap:
			return true
		case <-ctx.Done():
			return false
		}
	}
	if err := s.follow(ctx, key, emit, func() { close(out) }); err != nil {
		return nil, err
	}
	return out, nil
}

// Append pushes value onto the list at key and trims it to the newest limit entries.
func (s *RedisStore) Append(ctx context.Context, key string, value json.RawMessage, limit int) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, []byte(value))
		if limit > 0 {
			pipe.LTrim(ctx, key, int64(-limit), -1)
		}
		pipe.Publish(ctx, feedChannel(key), eventChanged)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

// Range returns every list entry, oldest first.
func (s *RedisStore) Range(ctx context.Context, key string) ([]json.RawMessage, error) {
	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	items := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		items = append(items, json.RawMessage(v))
	}
	return items, nil
}

// RemoveWhere deletes every list entry accepted by match and returns how many were removed.
func (s *RedisStore) RemoveWhere(ctx context.Context, key string, match func(json.RawMessage) bool) (int, error) {
	items, err := s.Range(ctx, key)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, item := range items {
		if !match(item) {
			continue
		}
		n, err := s.client.LRem(ctx, key, 0, []byte(item)).Result()
		if err != nil {
			return removed, fmt.Errorf("remove from %s: %w", key, err)
		}
		removed += int(n)
	}
	if removed > 0 {
		if err := s.client.Publish(ctx, feedChannel(key), eventChanged).Err(); err != nil {
			s.logger.Warn("docstore publish failed", zap.String("key", key), zap.Error(err))
		}
	}
	return removed, nil
}

// WatchList returns a live feed of the whole list at key, starting with its current content.
func (s *RedisStore) WatchList(ctx context.Context, key string) (<-chan ListSnapshot, error) {
	out := make(chan ListSnapshot, feedBufferLen)
	emit := func(ctx context.Context) bool {
		items, err := s.Range(ctx, key)
		if err != nil {
			s.logger.Warn("docstore list feed read failed", zap.String("key", key), zap.Error(err))
			return false
		}
		select {
		case out <- ListSnapshot{Key: key, Items: items}:
			return true
		case <-ctx.Done():
			return false
		}
	}
	if err := s.follow(ctx, key, emit, func() { close(out) }); err != nil {
		return nil, err
	}
	return out, nil
}

// Clear removes the whole list at key.
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.Publish(ctx, feedChannel(key), eventChanged)
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) watch(ctx context.Context, key string, txf func(*redis.Tx) error) error {
	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	s.logger.Warn("docstore update gave up", zap.String("key", key), zap.Int("retries", s.maxRetries))
	return ErrConflict
}

// follow subscribes to key's change channel and calls emit once immediately and then once per
// notification until emit returns false or ctx is done. done runs when the loop exits.
func (s *RedisStore) follow(ctx context.Context, key string, emit func(context.Context) bool, done func()) error {
	ps := s.client.Subscribe(ctx, feedChannel(key))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", key, err)
	}
	go func() {
		defer done()
		defer ps.Close()
		if !emit(ctx) {
			return
		}
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if !emit(ctx) {
					return
				}
			}
		}
	}()
	return nil
}

type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

func readDoc(ctx context.Context, c hashReader, key string) (Snapshot, error) {
	vals, err := c.HMGet(ctx, key, fieldRevision, fieldData).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read %s: %w", key, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Snapshot{}, ErrNotFound
	}
	revStr, _ := vals[0].(string)
	rev, err := strconv.ParseInt(revStr, 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read %s: bad revision %q", key, revStr)
	}
	data, _ := vals[1].(string)
	return Snapshot{Key: key, Revision: rev, Data: json.RawMessage(data)}, nil
}
