package localdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"zapstream-sync/internal/config"

	"github.com/nbd-wtf/go-nostr"
	"github.com/redis/go-redis/v9"
)

const (
	redisSeqKey   = "note:seq"
	redisNotesKey = "notes"
)

// Redis is a Store persisted in Redis. Events and their author and kind
// indexes live in Redis; subscriptions are local to the process and only
// see events inserted through it.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	subs   *subscriptionSet
}

func NewRedis(cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Host,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisWithClient(client, cfg.TTL), nil
}

// NewRedisWithClient wraps an existing client. A zero ttl keeps events forever.
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		ttl:    ttl,
		subs:   newSubscriptionSet(),
	}
}

func noteKey(key NoteKey) string {
	return fmt.Sprintf("note:%d", key)
}

func (r *Redis) Insert(ctx context.Context, ev *nostr.Event) (NoteKey, error) {
	if ev == nil || ev.ID == "" {
		return 0, fmt.Errorf("failed to insert event: missing id")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	seq, err := r.client.Incr(ctx, redisSeqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate note key: %w", err)
	}
	key := NoteKey(seq)

	// Claim the event id; a second insert of the same event loses the race
	idKey := fmt.Sprintf("noteid:%s", ev.ID)
	claimed, err := r.client.SetNX(ctx, idKey, uint64(key), r.ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to check event existence: %w", err)
	}
	if !claimed {
		existing, err := r.client.Get(ctx, idKey).Uint64()
		if err != nil {
			return 0, fmt.Errorf("failed to read existing note key: %w", err)
		}
		return NoteKey(existing), ErrDuplicate
	}

	member := strconv.FormatUint(uint64(key), 10)
	authorKey := fmt.Sprintf("author:%s", ev.PubKey)
	kindKey := fmt.Sprintf("kind:%d", ev.Kind)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, noteKey(key), data, r.ttl)
		pipe.ZAdd(ctx, redisNotesKey, redis.Z{Score: float64(ev.CreatedAt), Member: member})
		pipe.SAdd(ctx, authorKey, member)
		pipe.SAdd(ctx, kindKey, member)
		if r.ttl > 0 {
			pipe.Expire(ctx, authorKey, r.ttl)
			pipe.Expire(ctx, kindKey, r.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store event: %w", err)
	}

	stored := *ev
	r.subs.notify(key, &stored)
	return key, nil
}

func (r *Redis) Query(ctx context.Context, filters []nostr.Filter, max int) ([]Result, error) {
	if err := validateFilters(filters); err != nil {
		return nil, err
	}

	return selectResults(filters, max, func(f nostr.Filter) ([]Result, error) {
		members, err := r.candidateMembers(ctx, f)
		if err != nil {
			return nil, err
		}
		return r.loadMembers(ctx, members)
	})
}

// candidateMembers narrows the scan using the author or kind index, the
// same order of preference the relay cache used.
func (r *Redis) candidateMembers(ctx context.Context, f nostr.Filter) ([]string, error) {
	var keys []string
	switch {
	case len(f.Authors) > 0:
		for _, author := range f.Authors {
			keys = append(keys, fmt.Sprintf("author:%s", author))
		}
	case len(f.Kinds) > 0:
		for _, kind := range f.Kinds {
			keys = append(keys, fmt.Sprintf("kind:%d", kind))
		}
	default:
		members, err := r.client.ZRevRange(ctx, redisNotesKey, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list notes: %w", err)
		}
		return members, nil
	}

	members, err := r.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	return members, nil
}

func (r *Redis) loadMembers(ctx context.Context, members []string) ([]Result, error) {
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(members))
	noteKeys := make([]NoteKey, 0, len(members))
	for _, m := range members {
		k, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, noteKey(NoteKey(k)))
		noteKeys = append(noteKeys, NoteKey(k))
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load notes: %w", err)
	}

	out := make([]Result, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// expired or deleted since the index was read
			continue
		}
		var ev nostr.Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			continue
		}
		out = append(out, Result{Key: noteKeys[i], Event: &ev})
	}
	return out, nil
}

func (r *Redis) GetByKey(ctx context.Context, key NoteKey) (*nostr.Event, error) {
	data, err := r.client.Get(ctx, noteKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: key %d", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get note: %w", err)
	}

	var ev nostr.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &ev, nil
}

func (r *Redis) Subscribe(filters []nostr.Filter) (SubscriptionID, error) {
	return r.subs.open(filters)
}

func (r *Redis) Unsubscribe(id SubscriptionID) error {
	return r.subs.close(id)
}

func (r *Redis) Poll(id SubscriptionID, max int) []NoteKey {
	return r.subs.poll(id, max)
}

func (r *Redis) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stats := Stats{Backend: "redis", Events: -1}
	if n, err := r.client.ZCard(ctx, redisNotesKey).Result(); err == nil {
		stats.Events = n
	}
	stats.Subscriptions, stats.PendingKeys = r.subs.stats()
	return stats
}

func (r *Redis) Close() error {
	return r.client.Close()
}
