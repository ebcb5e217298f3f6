package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/wallet-provisioning-backend/interfaces"
)

const defaultRedisTimeout = 15 * time.Second

type redisOpts struct {
	masterName string
	password   string
	tlsConfig  *tls.Config
	timeout    time.Duration
}

// RedisOpt configures a RedisPassStore.
type RedisOpt func(opts *redisOpts)

// WithRedisMasterName selects a sentinel-backed failover client.
func WithRedisMasterName(masterName string) RedisOpt {
	return func(opts *redisOpts) {
		opts.masterName = masterName
	}
}

func WithRedisPassword(password string) RedisOpt {
	return func(opts *redisOpts) {
		opts.password = password
	}
}

func WithRedisTLSConfig(tlsConfig *tls.Config) RedisOpt {
	return func(opts *redisOpts) {
		opts.tlsConfig = tlsConfig
	}
}

func WithRedisTimeout(timeout time.Duration) RedisOpt {
	return func(opts *redisOpts) {
		opts.timeout = timeout
	}
}

// RedisPassStore implements a pass library in a single Redis hash keyed by serial number.
type RedisPassStore struct {
	client      redis.UniversalClient
	key         string
	timeout     time.Duration
	log         *slog.Logger
	locationURI string
}

// NewRedisPassStore creates a Redis pass store. Passes live in the hash
// "<prefix>:passes". Two or more addresses select a cluster client.
func NewRedisPassStore(addrs []string, prefix string, log *slog.Logger, opts ...RedisOpt) (*RedisPassStore, error) {
	if len(addrs) == 0 {
		return nil, errors.New("at least one redis address is required")
	}

	opt := &redisOpts{timeout: defaultRedisTimeout}
	for _, f := range opts {
		f(opt)
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   opt.masterName,
		Password:     opt.password,
		TLSConfig:    opt.tlsConfig,
		DialTimeout:  opt.timeout,
		ReadTimeout:  opt.timeout,
		WriteTimeout: opt.timeout,
	})

	if prefix == "" {
		prefix = "wallet"
	}

	return &RedisPassStore{
		client:      client,
		key:         prefix + ":passes",
		timeout:     opt.timeout,
		log:         log,
		locationURI: fmt.Sprintf("redis://%s/%s", addrs[0], prefix),
	}, nil
}

func (b *RedisPassStore) Put(ctx context.Context, pass interfaces.ProvisionedPass) error {
	data, err := encodePass(pass)
	if err != nil {
		return err
	}
	if err := b.client.HSet(ctx, b.key, pass.SerialNumber, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (b *RedisPassStore) List(ctx context.Context) ([]interfaces.ProvisionedPass, error) {
	values, err := b.client.HGetAll(ctx, b.key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	passes := make([]interfaces.ProvisionedPass, 0, len(values))
	for serial, value := range values {
		pass, err := decodePass([]byte(value))
		if err != nil {
			b.log.Warn("Skipping malformed pass in redis", slog.String("serialNumber", serial), "err", err)
			continue
		}
		passes = append(passes, pass)
	}
	return passes, nil
}

func (b *RedisPassStore) Delete(ctx context.Context, serialNumber string) error {
	removed, err := b.client.HDel(ctx, b.key, serialNumber).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if removed == 0 {
		return interfaces.ErrPassNotFound
	}
	return nil
}

func (b *RedisPassStore) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.client.Ping(ctx).Err(); err != nil {
		b.log.Debug("Redis backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *RedisPassStore) Name() string {
	return fmt.Sprintf("redis-%s", b.key)
}

func (b *RedisPassStore) LocationURI() string {
	return b.locationURI
}

// Close releases the underlying connections.
func (b *RedisPassStore) Close() error {
	return b.client.Close()
}
