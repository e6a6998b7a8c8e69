package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/redis/go-redis/v9"
)

// redisSessionRecord is the JSON shape stored under each session's key.
type redisSessionRecord struct {
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	Initialized    bool           `json:"initialized"`
	ClientInfo     map[string]any `json:"clientInfo,omitempty"`
}

// RedisStore is a Store backed by Redis, for gateway deployments with
// multiple replicas sharing session state. Expiry is enforced by Redis's
// own key TTL rather than a local GC goroutine.
type RedisStore struct {
	client    *redis.Client
	ttl       time.Duration
	prefix    string
	broadcast *broadcastRegistry
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore constructs a RedisStore from config, defaulting prefix to
// "vgateway:session:" if unset.
func NewRedisStore(cfg RedisConfig, ttl time.Duration) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "vgateway:session:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client, ttl: ttl, prefix: prefix, broadcast: newBroadcastRegistry()}
}

// Subscribe registers sess as reachable for Broadcast on this replica.
func (r *RedisStore) Subscribe(sess *Session) func() { return r.broadcast.subscribe(sess) }

// Broadcast pushes n to every session locally subscribed on this replica.
// A RedisStore has no way to reach sessions held open by other replicas;
// each replica broadcasts only to the connections it itself is serving.
func (r *RedisStore) Broadcast(n mcp.JSONRPCNotification) { r.broadcast.broadcast(n) }

func (r *RedisStore) key(id string) string { return r.prefix + id }

// New creates and stores a fresh session.
func (r *RedisStore) New() *Session {
	sess := NewSession()
	r.put(sess)
	return sess
}

func (r *RedisStore) put(sess *Session) {
	rec := redisSessionRecord{
		ID:             sess.ID(),
		CreatedAt:      sess.CreatedAt(),
		LastActivityAt: sess.LastActivityAt(),
		Initialized:    sess.Initialized(),
		ClientInfo:     sess.ClientInfo(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.client.Set(ctx, r.key(sess.ID()), raw, r.ttl).Err()
}

// Get fetches and touches a session, refreshing its Redis TTL.
func (r *RedisStore) Get(id string) (*Session, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		return nil, false
	}
	var rec redisSessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}

	sess := &Session{
		id:             rec.ID,
		createdAt:      rec.CreatedAt,
		lastActivityAt: time.Now(),
		initialized:    rec.Initialized,
		clientInfo:     rec.ClientInfo,
		notifications:  make(chan mcp.JSONRPCNotification, notificationBuffer),
	}
	r.put(sess)
	return sess, true
}

// Delete removes a session's Redis key.
func (r *RedisStore) Delete(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.client.Del(ctx, r.key(id)).Err()
}

// Stop closes the underlying Redis client.
func (r *RedisStore) Stop() {
	_ = r.client.Close()
}
