// Package redisindex stores repository indexes in redis (or a compatible
// server such as KeyDB). Transactions use WATCH/MULTI/EXEC: every key read
// is watched, writes are queued and executed atomically, and an EXEC that
// fails because a watched key changed is retried.
package redisindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"keel/internal/config"
	"keel/internal/errors"
	"keel/internal/index"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Registry keeps the set of repositories under "<prefix>:repos" and the
// keys of repository r under "<prefix>:repo:<r>:".
type Registry struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
	logger     *zap.Logger
}

// Open connects to the server described by cfg.
func Open(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Registry, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Persistence(err, "connecting to redis at %s", addr)
	}
	return New(client, cfg.KeyPrefix, cfg.MaxRetries, logger), nil
}

// New serves repositories through client. Close closes the client.
func New(client redis.UniversalClient, prefix string, maxRetries int, logger *zap.Logger) *Registry {
	if prefix == "" {
		prefix = "keel"
	}
	if maxRetries <= 0 {
		maxRetries = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{client: client, prefix: prefix, maxRetries: maxRetries, logger: logger.Named("redisindex")}
}

func (r *Registry) reposKey() string {
	return r.prefix + ":repos"
}

func (r *Registry) repoPrefix(name string) string {
	return fmt.Sprintf("%s:repo:%s:", r.prefix, name)
}

func (r *Registry) index(name string) *Index {
	return &Index{name: name, registry: r, prefix: r.repoPrefix(name)}
}

func (r *Registry) CreateRepository(ctx context.Context, name string) (index.Index, error) {
	if err := index.ValidateRepositoryName(name); err != nil {
		return nil, err
	}
	added, err := r.client.SAdd(ctx, r.reposKey(), name).Result()
	if err != nil {
		return nil, errors.Persistence(err, "creating repository %s", name)
	}
	if added == 0 {
		return nil, errors.AlreadyExists("repository %s already exists", name)
	}
	r.logger.Info("repository created", zap.String("repository", name))
	return r.index(name), nil
}

func (r *Registry) LoadRepository(ctx context.Context, name string) (index.Index, error) {
	ok, err := r.client.SIsMember(ctx, r.reposKey(), name).Result()
	if err != nil {
		return nil, errors.Persistence(err, "loading repository %s", name)
	}
	if !ok {
		return nil, errors.NotFound("repository %s not found", name)
	}
	return r.index(name), nil
}

func (r *Registry) DestroyRepository(ctx context.Context, name string) error {
	removed, err := r.client.SRem(ctx, r.reposKey(), name).Result()
	if err != nil {
		return errors.Persistence(err, "destroying repository %s", name)
	}
	if removed == 0 {
		return errors.NotFound("repository %s not found", name)
	}

	iter := r.client.Scan(ctx, 0, r.repoPrefix(name)+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return errors.Persistence(err, "dropping repository %s", name)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Persistence(err, "scanning repository %s", name)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return errors.Persistence(err, "dropping repository %s", name)
		}
	}
	r.logger.Info("repository destroyed", zap.String("repository", name))
	return nil
}

func (r *Registry) ListRepositories(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.reposKey()).Result()
	if err != nil {
		return nil, errors.Persistence(err, "listing repositories")
	}
	sort.Strings(names)
	return names, nil
}

func (r *Registry) Close() error {
	return r.client.Close()
}

// Index is the redis index of one repository.
type Index struct {
	name     string
	registry *Registry
	prefix   string
}

func (i *Index) Name() string {
	return i.name
}

func (i *Index) View(ctx context.Context, fn func(index.Tx) error) error {
	return i.run(ctx, fn, false)
}

func (i *Index) Update(ctx context.Context, fn func(index.Tx) error) error {
	return i.run(ctx, fn, true)
}

func (i *Index) run(ctx context.Context, fn func(index.Tx) error, writable bool) error {
	client := i.registry.client
	for attempt := 0; attempt < i.registry.maxRetries; attempt++ {
		err := client.Watch(ctx, func(tx *redis.Tx) error {
			k := &kv{ctx: ctx, tx: tx, prefix: i.prefix, values: map[string]*string{}, sets: map[string]map[string]bool{}}
			if err := fn(index.NewTx(k)); err != nil {
				return err
			}
			if len(k.writes) == 0 {
				return nil
			}
			if !writable {
				return errors.Internal(nil, "write in a read-only transaction")
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, w := range k.writes {
					w(pipe)
				}
				return nil
			})
			return err
		})
		if errors.Is(err, redis.TxFailedErr) {
			i.registry.logger.Debug("transaction raced, retrying",
				zap.String("repository", i.name), zap.Int("attempt", attempt+1))
			continue
		}
		var typed *errors.Error
		if err != nil && !errors.As(err, &typed) {
			return errors.Persistence(err, "index transaction on %s", i.name)
		}
		return err
	}
	return errors.Conflict("index transaction on %s kept racing with concurrent updates", i.name)
}

// kv watches every key it reads and queues writes until EXEC. Pending
// writes are overlaid on reads so a transaction sees its own changes.
type kv struct {
	ctx    context.Context
	tx     *redis.Tx
	prefix string
	values map[string]*string
	sets   map[string]map[string]bool
	writes []func(redis.Pipeliner)
}

func (k *kv) watch(key string) error {
	if err := k.tx.Watch(k.ctx, key).Err(); err != nil {
		return errors.Persistence(err, "watching %s", key)
	}
	return nil
}

func (k *kv) Get(key string, v any) (bool, error) {
	full := k.prefix + key
	var raw []byte
	if pending, ok := k.values[full]; ok {
		if pending == nil {
			return false, nil
		}
		raw = []byte(*pending)
	} else {
		if err := k.watch(full); err != nil {
			return false, err
		}
		b, err := k.tx.Get(k.ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, errors.Persistence(err, "reading %s", key)
		}
		raw = b
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, errors.Internal(err, "decoding %s", key)
	}
	return true, nil
}

func (k *kv) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Internal(err, "encoding %s", key)
	}
	full := k.prefix + key
	s := string(data)
	k.values[full] = &s
	k.writes = append(k.writes, func(p redis.Pipeliner) {
		p.Set(k.ctx, full, data, 0)
	})
	return nil
}

func (k *kv) Delete(key string) error {
	full := k.prefix + key
	k.values[full] = nil
	k.writes = append(k.writes, func(p redis.Pipeliner) {
		p.Del(k.ctx, full)
	})
	return nil
}

func (k *kv) Members(set string) ([]string, error) {
	full := k.prefix + "set:" + set
	if err := k.watch(full); err != nil {
		return nil, err
	}
	members, err := k.tx.SMembers(k.ctx, full).Result()
	if err != nil {
		return nil, errors.Persistence(err, "reading set %s", set)
	}
	current := make(map[string]bool, len(members))
	for _, m := range members {
		current[m] = true
	}
	for m, present := range k.sets[full] {
		current[m] = present
	}
	out := make([]string, 0, len(current))
	for m, present := range current {
		if present {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (k *kv) pending(full string) map[string]bool {
	if k.sets[full] == nil {
		k.sets[full] = map[string]bool{}
	}
	return k.sets[full]
}

func (k *kv) AddMember(set, member string) error {
	full := k.prefix + "set:" + set
	k.pending(full)[member] = true
	k.writes = append(k.writes, func(p redis.Pipeliner) {
		p.SAdd(k.ctx, full, member)
	})
	return nil
}

func (k *kv) RemoveMember(set, member string) error {
	full := k.prefix + "set:" + set
	k.pending(full)[member] = false
	k.writes = append(k.writes, func(p redis.Pipeliner) {
		p.SRem(k.ctx, full, member)
	})
	return nil
}
