// Package session stores refresh sessions in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrSessionNotFound = errors.New("session not found or expired")

const defaultTTL = 30 * 24 * time.Hour

// Session is the state kept per refresh token. Role and display name are
// re-read from the user row on refresh so revoked privileges take effect.
type Session struct {
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore keeps one key per refresh token hash plus a set per user, so
// every session of a deactivated account can be dropped at once.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient shares an existing client, e.g. with the view cache.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "refresh:"}
}

func (s *RedisStore) tokenKey(tokenHash string) string {
	return s.prefix + "token:" + tokenHash
}

func (s *RedisStore) userKey(userID string) string {
	return s.prefix + "user:" + userID
}

func (s *RedisStore) Save(ctx context.Context, tokenHash string, sess Session, expiresAt time.Time) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = defaultTTL
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.tokenKey(tokenHash), payload, ttl)
	pipe.SAdd(ctx, s.userKey(sess.UserID), tokenHash)
	pipe.Expire(ctx, s.userKey(sess.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, tokenHash string) (Session, error) {
	raw, err := s.client.Get(ctx, s.tokenKey(tokenHash)).Bytes()
	return decode(raw, err)
}

// Consume returns the session and deletes it in one step; refresh tokens are
// single use and rotated on every refresh.
func (s *RedisStore) Consume(ctx context.Context, tokenHash string) (Session, error) {
	raw, err := s.client.GetDel(ctx, s.tokenKey(tokenHash)).Bytes()
	sess, err := decode(raw, err)
	if err != nil {
		return Session{}, err
	}
	if err := s.client.SRem(ctx, s.userKey(sess.UserID), tokenHash).Err(); err != nil {
		return Session{}, fmt.Errorf("unlink session: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) Revoke(ctx context.Context, tokenHash string) error {
	_, err := s.Consume(ctx, tokenHash)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// RevokeUser drops every session belonging to userID.
func (s *RedisStore) RevokeUser(ctx context.Context, userID string) error {
	hashes, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	keys := make([]string, 0, len(hashes)+1)
	for _, h := range hashes {
		keys = append(keys, s.tokenKey(h))
	}
	keys = append(keys, s.userKey(userID))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decode(raw []byte, err error) (Session, error) {
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}
