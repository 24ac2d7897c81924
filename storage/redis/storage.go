// Package redis implements storage.PeerCache backed by Redis. Recently
// active addresses for an info-hash are kept in a sorted set keyed by
// PrefixKey+ih, scored by last-seen Unix nanoseconds, so Recent can
// return the freshest entries and a background sweep can expire anything
// older than PeerLifetime.
package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sot-tech/swarmd/pkg/conf"
	"github.com/sot-tech/swarmd/pkg/log"
	"github.com/sot-tech/swarmd/pkg/stop"
	"github.com/sot-tech/swarmd/pkg/timecache"
	"github.com/sot-tech/swarmd/storage"
)

const (
	// Name is the backend name this package registers with storage.
	Name = "redis"

	defaultAddress        = "127.0.0.1:6379"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultConnectTimeout  = 15 * time.Second
	defaultPeerLifetime    = 48 * time.Hour
	defaultGCInterval      = 30 * time.Minute
	defaultRecentLimit     = 64
	// PrefixKey prefixes every info-hash's sorted-set key.
	PrefixKey = "SWD_"
)

var (
	logger = log.NewLogger(Name)
	// errSentinelAndClusterSet mirrors the teacher's own config-conflict
	// sentinel (storage/redis/storage.go, errSentinelAndClusterChecked).
	errSentinelAndClusterSet = errors.New("redis: cannot use both cluster and sentinel mode")
)

func init() {
	storage.RegisterBuilder(Name, builder)
}

func builder(icfg conf.MapConfig) (storage.PeerCache, error) {
	var cfg Config
	if err := icfg.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return newStore(cfg)
}

// Config holds the configuration of a redis-backed PeerCache.
type Config struct {
	Addresses      []string
	DB             int
	PoolSize       int    `cfg:"pool_size"`
	Login          string
	Password       string
	Sentinel       bool
	SentinelMaster string        `cfg:"sentinel_master"`
	Cluster        bool
	ReadTimeout    time.Duration `cfg:"read_timeout"`
	WriteTimeout   time.Duration `cfg:"write_timeout"`
	ConnectTimeout time.Duration `cfg:"connect_timeout"`
	PeerLifetime   time.Duration `cfg:"peer_lifetime"`
	GCInterval     time.Duration `cfg:"gc_interval"`
	RecentLimit    int           `cfg:"recent_limit"`
}

// Validate sanity checks cfg and returns a copy with defaults substituted
// for anything invalid, logging a Warn per substitution, matching the
// teacher's own Config.Validate shape.
func (cfg Config) Validate() (Config, error) {
	if cfg.Sentinel && cfg.Cluster {
		return cfg, errSentinelAndClusterSet
	}

	valid := cfg

	addrs := make([]string, 0, len(cfg.Addresses))
	for _, a := range cfg.Addresses {
		if len(strings.TrimSpace(a)) > 0 {
			addrs = append(addrs, a)
		}
	}
	valid.Addresses = addrs
	if len(valid.Addresses) == 0 {
		valid.Addresses = []string{defaultAddress}
		logger.Warn().Str("name", "addresses").Strs("provided", cfg.Addresses).
			Strs("default", valid.Addresses).Msg("falling back to default configuration")
	}

	if cfg.ReadTimeout <= 0 {
		valid.ReadTimeout = defaultReadTimeout
		logger.Warn().Str("name", "readTimeout").Dur("provided", cfg.ReadTimeout).
			Dur("default", valid.ReadTimeout).Msg("falling back to default configuration")
	}
	if cfg.WriteTimeout <= 0 {
		valid.WriteTimeout = defaultWriteTimeout
		logger.Warn().Str("name", "writeTimeout").Dur("provided", cfg.WriteTimeout).
			Dur("default", valid.WriteTimeout).Msg("falling back to default configuration")
	}
	if cfg.ConnectTimeout <= 0 {
		valid.ConnectTimeout = defaultConnectTimeout
		logger.Warn().Str("name", "connectTimeout").Dur("provided", cfg.ConnectTimeout).
			Dur("default", valid.ConnectTimeout).Msg("falling back to default configuration")
	}
	if cfg.PeerLifetime <= 0 {
		valid.PeerLifetime = defaultPeerLifetime
		logger.Warn().Str("name", "peerLifetime").Dur("provided", cfg.PeerLifetime).
			Dur("default", valid.PeerLifetime).Msg("falling back to default configuration")
	}
	if cfg.GCInterval <= 0 {
		valid.GCInterval = defaultGCInterval
		logger.Warn().Str("name", "gcInterval").Dur("provided", cfg.GCInterval).
			Dur("default", valid.GCInterval).Msg("falling back to default configuration")
	}
	if cfg.RecentLimit <= 0 {
		valid.RecentLimit = defaultRecentLimit
	}

	return valid, nil
}

// Connect builds the redis.UniversalClient for cfg's topology (single,
// sentinel, or cluster) and verifies it with a Ping.
func (cfg Config) Connect() (goredis.UniversalClient, error) {
	var rs goredis.UniversalClient
	switch {
	case cfg.Cluster:
		rs = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Username:     cfg.Login,
			Password:     cfg.Password,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
		})
	case cfg.Sentinel:
		rs = goredis.NewFailoverClient(&goredis.FailoverOptions{
			SentinelAddrs:    cfg.Addresses,
			SentinelUsername: cfg.Login,
			SentinelPassword: cfg.Password,
			MasterName:       cfg.SentinelMaster,
			DialTimeout:      cfg.ConnectTimeout,
			ReadTimeout:      cfg.ReadTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			PoolSize:         cfg.PoolSize,
			DB:               cfg.DB,
		})
	default:
		rs = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Addresses[0],
			Username:     cfg.Login,
			Password:     cfg.Password,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			DB:           cfg.DB,
		})
	}
	if err := rs.Ping(context.Background()).Err(); err != nil {
		_ = rs.Close()
		return nil, err
	}
	return rs, nil
}

func newStore(cfg Config) (*store, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	rs, err := cfg.Connect()
	if err != nil {
		return nil, err
	}
	s := &store{
		client:  rs,
		limit:   cfg.RecentLimit,
		closing: make(chan struct{}),
	}
	s.scheduleGC(cfg.GCInterval, cfg.PeerLifetime)
	return s, nil
}

type store struct {
	client  goredis.UniversalClient
	limit   int
	closing chan struct{}
	closed  bool
}

func key(ih string) string {
	return PrefixKey + ih
}

// Remember implements storage.PeerCache: adds addr to ih's sorted set,
// scored by the current clock so Recent and gc can order/expire by it.
func (s *store) Remember(ctx context.Context, ih, addr string) error {
	return s.client.ZAdd(ctx, key(ih), goredis.Z{
		Score:  float64(timecache.NowUnixNano()),
		Member: addr,
	}).Err()
}

// Recent implements storage.PeerCache: the most recently remembered
// addresses for ih, highest score (most recent) first.
func (s *store) Recent(ctx context.Context, ih string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = s.limit
	}
	return s.client.ZRevRange(ctx, key(ih), 0, int64(limit)-1).Result()
}

// Forget implements storage.PeerCache.
func (s *store) Forget(ctx context.Context, ih, addr string) error {
	return s.client.ZRem(ctx, key(ih), addr).Err()
}

func (s *store) scheduleGC(interval, lifetime time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-s.closing:
				return
			case <-t.C:
				start := time.Now()
				s.gc(lifetime)
				storage.PromGCDurationMilliseconds.WithLabelValues(Name).
					Observe(float64(time.Since(start).Milliseconds()))
			}
		}
	}()
}

// gc removes every member scored before now-lifetime across every tracked
// info-hash, using a SCAN cursor so it never blocks the server on a large
// keyspace (the teacher's own ScheduleGC call shape,
// storage/redis/storage.go, applied here to a sorted-set schema).
func (s *store) gc(lifetime time.Duration) {
	ctx := context.Background()
	cutoff := strconv.FormatInt(timecache.NowUnixNano()-lifetime.Nanoseconds(), 10)

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, PrefixKey+"*", 256).Result()
		if err != nil {
			logger.Error().Err(err).Msg("gc scan failed")
			return
		}
		for _, k := range keys {
			if _, err := s.client.ZRemRangeByScore(ctx, k, "-inf", "("+cutoff).Result(); err != nil {
				logger.Error().Err(err).Str("key", k).Msg("gc expire failed")
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Stop implements stop.Stopper: halts the GC loop and closes the client.
func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		if !s.closed {
			s.closed = true
			close(s.closing)
		}
		c.Done(s.client.Close())
	}()
	return c.Result()
}
