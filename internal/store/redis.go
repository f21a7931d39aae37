// Package store persists encrypted account records in Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Common errors
var (
	ErrNotFound    = errors.New("account not found")
	ErrStoreClosed = errors.New("store is closed")
)

// Config configures the Redis-backed store.
type Config struct {
	// URL is the Redis connection URL.
	URL string
	// Token overrides the password embedded in the URL when non-empty.
	Token string
	// Prefix optionally namespaces all keys. Empty keeps the bare
	// acc:/tenant: layout.
	Prefix string
}

// Client is a thin Redis wrapper owning the key layout:
//
//	acc:{accountId}              -> AccountRecord (JSON)
//	tenant:{tenantId}:accounts   -> set of account ids
type Client struct {
	rdb    *redis.Client
	prefix string
	closed int32 // atomic: 1 if closed
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid store URL: %w", err)
	}
	if cfg.Token != "" {
		opts.Password = cfg.Token
	}

	// Configure connection pool for reliability
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 1 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.ConnMaxIdleTime = 5 * time.Minute
	opts.PoolTimeout = 4 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	return &Client{rdb: rdb, prefix: cfg.Prefix}, nil
}

// Key helpers
func (c *Client) accountKey(id string) string {
	return c.key("acc:" + id)
}

func (c *Client) tenantKey(tenantID string) string {
	return c.key("tenant:" + tenantID + ":accounts")
}

func (c *Client) key(suffix string) string {
	if c.prefix == "" {
		return suffix
	}
	return c.prefix + ":" + suffix
}

func (c *Client) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// Ping reports whether the backing store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c.isClosed() {
		return ErrStoreClosed
	}
	return c.rdb.Ping(ctx).Err()
}

// GetRecord loads one raw account record.
func (c *Client) GetRecord(ctx context.Context, accountID string) (*AccountRecord, error) {
	if c.isClosed() {
		return nil, ErrStoreClosed
	}
	data, err := c.rdb.Get(ctx, c.accountKey(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read account record: %w", err)
	}

	var rec AccountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode account record: %w", err)
	}
	return &rec, nil
}

// PutRecord writes one account record.
func (c *Client) PutRecord(ctx context.Context, rec *AccountRecord) error {
	if c.isClosed() {
		return ErrStoreClosed
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode account record: %w", err)
	}
	if err := c.rdb.Set(ctx, c.accountKey(rec.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write account record: %w", err)
	}
	return nil
}

// CreateRecord writes a new record and registers it in the tenant index in
// one transaction.
func (c *Client) CreateRecord(ctx context.Context, rec *AccountRecord) error {
	if c.isClosed() {
		return ErrStoreClosed
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode account record: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, c.accountKey(rec.ID), data, 0)
	pipe.SAdd(ctx, c.tenantKey(rec.TenantID), rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		// Best-effort compensation: the record write may have landed even
		// though the pipeline failed as a whole.
		c.rdb.Del(context.WithoutCancel(ctx), c.accountKey(rec.ID))
		return fmt.Errorf("failed to create account record: %w", err)
	}
	return nil
}

// DeleteRecord removes a record and its tenant-index membership. Missing
// records are treated as success.
func (c *Client) DeleteRecord(ctx context.Context, accountID, tenantID string) error {
	if c.isClosed() {
		return ErrStoreClosed
	}
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, c.accountKey(accountID))
	pipe.SRem(ctx, c.tenantKey(tenantID), accountID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete account record: %w", err)
	}
	return nil
}

// TenantAccounts returns the ids registered for one tenant.
func (c *Client) TenantAccounts(ctx context.Context, tenantID string) ([]string, error) {
	if c.isClosed() {
		return nil, ErrStoreClosed
	}
	ids, err := c.rdb.SMembers(ctx, c.tenantKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant index: %w", err)
	}
	return ids, nil
}

// Close shuts down the Redis connection. Safe to call twice.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.rdb.Close()
}
