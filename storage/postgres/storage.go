// Package postgres implements storage.PeerCache backed by PostgreSQL via
// pgx, an alternate backend registered alongside storage/redis under the
// same storage.RegisterBuilder registry so a deployment can pick either
// without the swarm core knowing the difference.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sot-tech/swarmd/pkg/conf"
	"github.com/sot-tech/swarmd/pkg/log"
	"github.com/sot-tech/swarmd/pkg/stop"
	"github.com/sot-tech/swarmd/pkg/timecache"
	"github.com/sot-tech/swarmd/storage"
)

// Name is the backend name this package registers with storage.
const Name = "postgres"

const (
	defaultConnectTimeout = 15 * time.Second
	defaultPeerLifetime   = 48 * time.Hour
	defaultGCInterval     = 30 * time.Minute
	defaultRecentLimit    = 64
	defaultMaxConns       = 10

	createTableSQL = `CREATE TABLE IF NOT EXISTS swarmd_peer_cache (
		info_hash  TEXT NOT NULL,
		addr       TEXT NOT NULL,
		last_seen  BIGINT NOT NULL,
		PRIMARY KEY (info_hash, addr)
	)`
)

var logger = log.NewLogger(Name)

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

// Config holds the configuration of a postgres-backed PeerCache.
type Config struct {
	DSN            string
	MaxConns       int32         `cfg:"max_conns"`
	ConnectTimeout time.Duration `cfg:"connect_timeout"`
	PeerLifetime   time.Duration `cfg:"peer_lifetime"`
	GCInterval     time.Duration `cfg:"gc_interval"`
	RecentLimit    int           `cfg:"recent_limit"`
}

// Validate fills in defaults for anything invalid, logging a Warn per
// substitution, matching the redis backend's own Config.Validate shape.
func (cfg Config) Validate() Config {
	valid := cfg
	if cfg.MaxConns <= 0 {
		valid.MaxConns = defaultMaxConns
		logger.Warn().Str("name", "maxConns").Int32("provided", cfg.MaxConns).
			Int32("default", valid.MaxConns).Msg("falling back to default configuration")
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
	return valid
}

func newStore(cfg Config) (*store, error) {
	cfg = cfg.Validate()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = cfg.MaxConns

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	s := &store{pool: pool, limit: cfg.RecentLimit, closing: make(chan struct{})}
	s.scheduleGC(cfg.GCInterval, cfg.PeerLifetime)
	return s, nil
}

type store struct {
	pool    *pgxpool.Pool
	limit   int
	closing chan struct{}
	closed  bool
}

// Remember implements storage.PeerCache via an upsert on (info_hash, addr).
func (s *store) Remember(ctx context.Context, ih, addr string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO swarmd_peer_cache (info_hash, addr, last_seen) VALUES ($1, $2, $3)
		 ON CONFLICT (info_hash, addr) DO UPDATE SET last_seen = EXCLUDED.last_seen`,
		ih, addr, timecache.NowUnixNano())
	return err
}

// Recent implements storage.PeerCache.
func (s *store) Recent(ctx context.Context, ih string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = s.limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT addr FROM swarmd_peer_cache WHERE info_hash = $1 ORDER BY last_seen DESC LIMIT $2`,
		ih, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// Forget implements storage.PeerCache.
func (s *store) Forget(ctx context.Context, ih, addr string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM swarmd_peer_cache WHERE info_hash = $1 AND addr = $2`, ih, addr)
	return err
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

func (s *store) gc(lifetime time.Duration) {
	cutoff := timecache.NowUnixNano() - lifetime.Nanoseconds()
	if _, err := s.pool.Exec(context.Background(),
		`DELETE FROM swarmd_peer_cache WHERE last_seen < $1`, cutoff); err != nil {
		if err != pgx.ErrNoRows {
			logger.Error().Err(err).Msg("gc delete failed")
		}
	}
}

// Stop implements stop.Stopper: halts the GC loop and closes the pool.
func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		if !s.closed {
			s.closed = true
			close(s.closing)
		}
		s.pool.Close()
		c.Done(nil)
	}()
	return c.Result()
}
