// Package session keeps refresh sessions and revoked access-token ids in
// Redis. Each user's refresh sessions are indexed so a ban or account
// deletion can sign the user out everywhere.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

var ErrSessionNotFound = errors.New("session not found or expired")

const (
	defaultRefreshTTL = 30 * 24 * time.Hour
	keyPrefix         = "tigerden:"
)

type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings before returning.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client is shared with the notice feed and the rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func refreshKey(tokenHash string) string { return keyPrefix + "refresh:" + tokenHash }
func userKey(userID string) string       { return keyPrefix + "user-sessions:" + userID }
func revokedKey(jti string) string       { return keyPrefix + "revoked:" + jti }

// SaveRefreshSession stores the session hash and adds it to the user's index.
// The index lives as long as the newest session in it.
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, refreshKey(tokenHash), "user_id", userID, "issued_at", time.Now().UTC().Unix())
		pipe.Expire(ctx, refreshKey(tokenHash), ttl)
		pipe.SAdd(ctx, userKey(userID), tokenHash)
		pipe.Expire(ctx, userKey(userID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	userID, err := s.client.HGet(ctx, refreshKey(tokenHash), "user_id").Result()
	if errors.Is(err, redis.Nil) || (err == nil && userID == "") {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup refresh session: %w", err)
	}
	return userID, nil
}

// RevokeRefreshSession is a no-op for an unknown hash.
func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	userID, err := s.client.HGet(ctx, refreshKey(tokenHash), "user_id").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, refreshKey(tokenHash))
		if userID != "" {
			pipe.SRem(ctx, userKey(userID), tokenHash)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// RevokeUserSessions drops every refresh session the user holds and reports
// how many were live.
func (s *RedisStore) RevokeUserSessions(ctx context.Context, userID string) (int64, error) {
	hashes, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list user sessions: %w", err)
	}
	keys := append(lo.Map(hashes, func(hash string, _ int) string { return refreshKey(hash) }), userKey(userID))
	removed, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	// The index key itself is counted by Del when it existed.
	if len(hashes) > 0 {
		removed--
	}
	return removed, nil
}

// RevokeAccessToken remembers jti until the token would have expired anyway.
func (s *RedisStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	ttl := time.Until(exp)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, revokedKey(jti), 1, ttl).Err(); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *RedisStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
