package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meridianlabs/fathom/internal/metrics"
)

const keyPrefix = "fathom:ws:"

// RedisStore persists workspace records as JSON blobs in Redis with a TTL
// equal to the retention window. Records are small (one per run) and each
// field has a single logical writer, so read-modify-write under a process
// mutex is sufficient; cross-process sharing of one workspace is not
// supported.
type RedisStore struct {
	client    *redis.Client
	logger    *zap.Logger
	retention time.Duration
	mu        sync.Mutex
}

// RedisOptions configures the Redis-backed store.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Retention time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		logger:    logger,
		retention: opts.Retention,
	}, nil
}

// NewRedisStoreWithClient wraps an existing client; used by tests.
func NewRedisStoreWithClient(client *redis.Client, retention time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{client: client, logger: logger, retention: retention}
}

func (s *RedisStore) key(id string) string { return keyPrefix + id }

func (s *RedisStore) load(ctx context.Context, id string) (*Workspace, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	var ws Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workspace: %w", err)
	}
	return &ws, nil
}

func (s *RedisStore) save(ctx context.Context, ws *Workspace) error {
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("failed to marshal workspace: %w", err)
	}
	ttl := time.Until(ws.CreatedAt.Add(s.retention))
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.client.Set(ctx, s.key(ws.ID), data, ttl).Err()
}

func (s *RedisStore) Create(ctx context.Context, ws *Workspace) error {
	if ws == nil || ws.ID == "" {
		return fmt.Errorf("workspace id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := ws.Clone()
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal workspace: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(cp.ID), data, s.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	if !ok {
		return fmt.Errorf("workspace %s already exists", cp.ID)
	}
	metrics.WorkspacesCreated.Inc()
	s.logger.Info("Created workspace",
		zap.String("workspace_id", cp.ID),
		zap.String("source", cp.Context.Source),
	)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Workspace, error) {
	return s.load(ctx, id)
}

// mutate applies fn to the stored record under the process mutex.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*Workspace) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(ws); err != nil {
		return err
	}
	return s.save(ctx, ws)
}

func (s *RedisStore) SetStrategy(ctx context.Context, id string, strategy Strategy) error {
	return s.mutate(ctx, id, func(ws *Workspace) error {
		ws.Strategy = strategy
		return nil
	})
}

func (s *RedisStore) PutChunks(ctx context.Context, id string, chunks []Chunk) error {
	return s.mutate(ctx, id, func(ws *Workspace) error {
		ws.Chunks = append([]Chunk(nil), chunks...)
		return nil
	})
}

func (s *RedisStore) SetStatus(ctx context.Context, id string, status Status) error {
	return s.mutate(ctx, id, func(ws *Workspace) error {
		if err := checkTransition(ws.Status, status); err != nil {
			return err
		}
		ws.Status = status
		return nil
	})
}

func (s *RedisStore) AppendResult(ctx context.Context, id string, result WorkerResult) error {
	return s.mutate(ctx, id, func(ws *Workspace) error {
		ws.Results = append(ws.Results, result)
		return nil
	})
}

func (s *RedisStore) Finalize(ctx context.Context, id string, final FinalAnswer) error {
	return s.mutate(ctx, id, func(ws *Workspace) error {
		if ws.Final != nil {
			return ErrAlreadyFinalized
		}
		if err := checkTransition(ws.Status, StatusComplete); err != nil {
			return err
		}
		if final.CreatedAt.IsZero() {
			final.CreatedAt = time.Now()
		}
		ws.Final = &final
		ws.Status = StatusComplete
		return nil
	})
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Sweep removes records past the retention window. Redis TTLs already bound
// the lifetime; the sweep catches records whose TTL was extended by writes
// close to expiry.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.retention)
	removed := 0
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var ws Workspace
		if err := json.Unmarshal(data, &ws); err != nil {
			continue
		}
		if ws.CreatedAt.Before(cutoff) {
			if err := s.client.Del(ctx, key).Err(); err == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan workspaces: %w", err)
	}
	if removed > 0 {
		s.logger.Info("Swept expired workspaces", zap.Int("count", removed))
		metrics.WorkspacesSwept.Add(float64(removed))
	}
	return removed, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
