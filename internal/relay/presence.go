package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence records which users hold at least one live connection.
// Connect and Disconnect report whether the user's status changed.
type Presence interface {
	Connect(ctx context.Context, userID string) (bool, error)
	Disconnect(ctx context.Context, userID string) (bool, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type MemoryPresence struct {
	mu    sync.Mutex
	conns map[string]int
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{conns: make(map[string]int)}
}

func (p *MemoryPresence) Connect(_ context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[userID]++
	return p.conns[userID] == 1, nil
}

func (p *MemoryPresence) Disconnect(_ context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.conns[userID]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(p.conns, userID)
		return true, nil
	}
	p.conns[userID] = n - 1
	return false, nil
}

func (p *MemoryPresence) IsOnline(_ context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[userID] > 0, nil
}

// RedisPresence shares presence between relay instances.
// Keys:
//   - <prefix>:conn:<user>: live connection count
//   - <prefix>:presence:<user>: json {status, last_seen}
type RedisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisPresence(client *redis.Client, prefix string, ttl time.Duration) *RedisPresence {
	if prefix == "" {
		prefix = "chatsync"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisPresence{client: client, prefix: prefix, ttl: ttl}
}

func (p *RedisPresence) connKey(userID string) string {
	return fmt.Sprintf("%s:conn:%s", p.prefix, userID)
}

func (p *RedisPresence) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", p.prefix, userID)
}

func (p *RedisPresence) Connect(ctx context.Context, userID string) (bool, error) {
	n, err := p.client.Incr(ctx, p.connKey(userID)).Result()
	if err != nil {
		return false, err
	}
	_ = p.client.Expire(ctx, p.connKey(userID), p.ttl).Err()
	if err := p.setStatus(ctx, userID, "online", p.ttl); err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *RedisPresence) Disconnect(ctx context.Context, userID string) (bool, error) {
	n, err := p.client.Decr(ctx, p.connKey(userID)).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	_ = p.client.Del(ctx, p.connKey(userID)).Err()
	return true, p.setStatus(ctx, userID, "offline", 0)
}

func (p *RedisPresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	b, err := p.client.Get(ctx, p.presenceKey(userID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var pres struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(b, &pres); err != nil {
		return false, err
	}
	return pres.Status == "online", nil
}

func (p *RedisPresence) setStatus(ctx context.Context, userID, status string, ttl time.Duration) error {
	pb, _ := json.Marshal(map[string]any{"status": status, "last_seen": time.Now().Unix()})
	return p.client.Set(ctx, p.presenceKey(userID), pb, ttl).Err()
}
