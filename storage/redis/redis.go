// Package redis provides a Redis implementation of the subsync.Store
// and subsync.SettingsStore interfaces. Activation runs as a Lua
// script so the upsert and the deactivation of competing rows execute
// atomically on the server.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andrevlopes/subsync/pkg/subsync"
)

// Storage implements subsync.Store and subsync.SettingsStore using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// SubscriptionTTL is the TTL for subscription keys (0 = no expiration)
	SubscriptionTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "subsync:",
		SubscriptionTTL: 0, // Projections don't expire
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Activate a subscription: store the new row, index it, and
	// rewrite every other active row for the same user to canceled.
	s.scripts["activate"] = redis.NewScript(`
		local userKey = KEYS[1]
		local newSubKey = KEYS[2]
		local usersKey = KEYS[3]
		local newSubID = ARGV[1]
		local data = ARGV[2]
		local subPrefix = ARGV[3]
		local updatedAt = ARGV[4]
		local userID = ARGV[5]
		local ttl = tonumber(ARGV[6])

		local deactivated = 0
		local members = redis.call('SMEMBERS', userKey)
		for _, id in ipairs(members) do
			if id ~= newSubID then
				local key = subPrefix .. id
				local raw = redis.call('GET', key)
				if raw then
					local ok, row = pcall(cjson.decode, raw)
					if ok and row and row.status == 'active' then
						row.status = 'canceled'
						row.cancel_at_period_end = true
						row.plan_type = 'free'
						row.plan_value = nil
						row.updated_at = updatedAt
						redis.call('SET', key, cjson.encode(row))
						deactivated = deactivated + 1
					end
				end
			end
		end

		redis.call('SET', newSubKey, data)
		if ttl > 0 then
			redis.call('EXPIRE', newSubKey, ttl)
		end
		redis.call('SADD', userKey, newSubID)
		redis.call('SADD', usersKey, userID)

		return deactivated
	`)
}

func (s *Storage) subKey(subscriptionID string) string {
	return s.config.KeyPrefix + "sub:" + subscriptionID
}

func (s *Storage) userKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

func (s *Storage) usersKey() string {
	return s.config.KeyPrefix + "users"
}

func (s *Storage) settingKey(key string) string {
	return s.config.KeyPrefix + "setting:" + key
}

// Get implements subsync.Store
func (s *Storage) Get(ctx context.Context, subscriptionID string) (*subsync.Projection, error) {
	raw, err := s.client.Get(ctx, s.subKey(subscriptionID)).Result()
	if err == redis.Nil {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var p subsync.Projection
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &p, nil
}

// Upsert implements subsync.Store
func (s *Storage) Upsert(ctx context.Context, p *subsync.Projection) error {
	if p == nil || p.SubscriptionID == "" || p.UserID == "" {
		return fmt.Errorf("invalid projection")
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.subKey(p.SubscriptionID), data, s.config.SubscriptionTTL)
	pipe.SAdd(ctx, s.userKey(p.UserID), p.SubscriptionID)
	pipe.SAdd(ctx, s.usersKey(), p.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// Activate implements subsync.Store via the activate Lua script
func (s *Storage) Activate(ctx context.Context, p *subsync.Projection) (int, error) {
	if p == nil || p.SubscriptionID == "" || p.UserID == "" {
		return 0, fmt.Errorf("invalid projection")
	}

	data, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal subscription: %w", err)
	}

	result, err := s.scripts["activate"].Run(ctx, s.client,
		[]string{s.userKey(p.UserID), s.subKey(p.SubscriptionID), s.usersKey()},
		p.SubscriptionID,
		string(data),
		s.config.KeyPrefix+"sub:",
		p.UpdatedAt.UTC().Format(time.RFC3339Nano),
		p.UserID,
		int(s.config.SubscriptionTTL.Seconds()),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to activate subscription: %w", err)
	}

	deactivated, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result type %T", result)
	}
	return int(deactivated), nil
}

// Cancel implements subsync.Store
func (s *Storage) Cancel(ctx context.Context, subscriptionID string, at time.Time) error {
	p, err := s.Get(ctx, subscriptionID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(subsync.Canceled(p, at))
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	if err := s.client.Set(ctx, s.subKey(subscriptionID), data, s.config.SubscriptionTTL).Err(); err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return nil
}

// listByUser loads every projection indexed for the user.
func (s *Storage) listByUser(ctx context.Context, userID string) ([]*subsync.Projection, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user subscriptions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.subKey(id)
	}

	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	var out []*subsync.Projection
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue // expired or deleted key
		}
		var p subsync.Projection
		if err := json.Unmarshal([]byte(str), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// ListActiveByUser implements subsync.Store
func (s *Storage) ListActiveByUser(ctx context.Context, userID string) ([]*subsync.Projection, error) {
	all, err := s.listByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out []*subsync.Projection
	for _, p := range all {
		if p.Status.Active() {
			out = append(out, p)
		}
	}
	return out, nil
}

// CurrentForUser implements subsync.Store
func (s *Storage) CurrentForUser(ctx context.Context, userID string) (*subsync.Projection, error) {
	all, err := s.listByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var current *subsync.Projection
	for _, p := range all {
		if p.Status.Active() {
			return p, nil
		}
		if current == nil || p.UpdatedAt.After(current.UpdatedAt) {
			current = p
		}
	}
	if current == nil {
		return nil, subsync.ErrUserNotFound
	}
	return current, nil
}

// ListCustomers implements subsync.Store
func (s *Storage) ListCustomers(ctx context.Context) ([]subsync.Customer, error) {
	userIDs, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	var out []subsync.Customer
	for _, userID := range userIDs {
		rows, err := s.listByUser(ctx, userID)
		if err != nil {
			return nil, err
		}

		var latest *subsync.Projection
		for _, p := range rows {
			if latest == nil || p.UpdatedAt.After(latest.UpdatedAt) {
				latest = p
			}
		}
		if latest != nil {
			out = append(out, subsync.Customer{UserID: userID, CustomerID: latest.CustomerID})
		}
	}
	return out, nil
}

// Ping implements subsync.Store
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// GetSetting implements subsync.SettingsStore
func (s *Storage) GetSetting(ctx context.Context, key string) (*subsync.Setting, error) {
	raw, err := s.client.Get(ctx, s.settingKey(key)).Result()
	if err == redis.Nil {
		return nil, subsync.ErrSettingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}

	var setting subsync.Setting
	if err := json.Unmarshal([]byte(raw), &setting); err != nil {
		return nil, fmt.Errorf("failed to unmarshal setting: %w", err)
	}
	return &setting, nil
}

// SetSetting stores a configuration entry
func (s *Storage) SetSetting(ctx context.Context, setting *subsync.Setting) error {
	if setting == nil || setting.Key == "" {
		return fmt.Errorf("invalid setting")
	}

	data, err := json.Marshal(setting)
	if err != nil {
		return fmt.Errorf("failed to marshal setting: %w", err)
	}
	if err := s.client.Set(ctx, s.settingKey(setting.Key), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}
