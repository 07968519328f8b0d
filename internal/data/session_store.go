package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"SessionGuard/internal/conf"
	"SessionGuard/internal/model"
	"SessionGuard/pkg/clock"
	"SessionGuard/pkg/crypto"

	"github.com/go-kratos/kratos/v2/log"
)

const defaultPersistedSessionTTL = 7 * 24 * time.Hour

// RedisSessionStore persists the signed-in session so a restart can resume
// it. Keys: sessionguard:session:{user_id} holds the session and
// sessionguard:session:current names the signed-in user.
type RedisSessionStore struct {
	cache  CacheClient
	sealer *crypto.TokenSealer
	ttl    time.Duration
	clock  clock.Clock
	logger *log.Helper
}

// NewTokenSealer creates the sealer for persisted tokens, or nil when no
// encryption key is configured.
func NewTokenSealer(c *conf.Data, logger log.Logger) (*crypto.TokenSealer, error) {
	if c == nil || c.Redis == nil || c.Redis.EncryptionKey == "" {
		log.NewHelper(logger).Warnw("msg", "data.redis.encryption_key not set, persisted session tokens are stored in plaintext")
		return nil, nil
	}
	key, err := crypto.ParseKey(c.Redis.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid data.redis.encryption_key: %w", err)
	}
	return crypto.NewTokenSealer(key)
}

// NewRedisSessionStore creates a session store on top of the Redis cache client.
// With a sealer the access and refresh tokens are encrypted at rest.
func NewRedisSessionStore(c *conf.Data, d *Data, sealer *crypto.TokenSealer, clk clock.Clock, logger log.Logger) *RedisSessionStore {
	ttl := defaultPersistedSessionTTL
	if c != nil && c.Redis != nil && c.Redis.SessionTTL > 0 {
		ttl = c.Redis.SessionTTL
	}
	cache := d.GetCache()
	if cache == nil {
		cache = NewCacheClient(nil)
	}
	return &RedisSessionStore{
		cache:  cache,
		sealer: sealer,
		ttl:    ttl,
		clock:  clk,
		logger: log.NewHelper(log.With(logger, "module", "data/session_store")),
	}
}

// Save persists session and marks it current.
// The entry lives for the configured TTL. When the access token has already
// expired the TTL counts from its expiry, so the refresh token stays usable
// for at most that long; a session past that window is not persisted.
func (s *RedisSessionStore) Save(ctx context.Context, session *model.Session) error {
	if session == nil || session.UserID == "" {
		return errors.New("session store: session without user id")
	}

	ttl := s.ttl
	if !session.ExpiresAt.IsZero() {
		if overdue := s.clock.Since(session.ExpiresAt); overdue > 0 {
			ttl -= overdue
		}
		if ttl <= 0 {
			return nil
		}
	}

	stored, err := s.seal(session)
	if err != nil {
		return err
	}

	key := namespaced(BuildCacheKey(CacheKeySession, session.UserID))
	if err := s.cache.Set(ctx, key, stored, ttl); err != nil {
		return fmt.Errorf("session store: failed to save session: %w", err)
	}
	if err := s.cache.Set(ctx, namespaced(BuildCacheKey(CacheKeySession, CacheKeyCurrent)), session.UserID, ttl); err != nil {
		return fmt.Errorf("session store: failed to save current pointer: %w", err)
	}

	s.logger.Debugw("msg", "session persisted", "user_id", session.UserID, "ttl", ttl)
	return nil
}

// Load returns the current persisted session, or nil when there is none.
func (s *RedisSessionStore) Load(ctx context.Context) (*model.Session, error) {
	var userID string
	if err := s.cache.Get(ctx, namespaced(BuildCacheKey(CacheKeySession, CacheKeyCurrent)), &userID); err != nil {
		if errors.Is(err, ErrCacheNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("session store: failed to load current pointer: %w", err)
	}

	var session model.Session
	if err := s.cache.Get(ctx, namespaced(BuildCacheKey(CacheKeySession, userID)), &session); err != nil {
		if errors.Is(err, ErrCacheNotFound) {
			s.logger.Warnw("msg", "current session pointer without session", "user_id", userID)
			return nil, nil
		}
		return nil, fmt.Errorf("session store: failed to load session: %w", err)
	}
	if err := s.open(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

// seal returns a copy of session with its tokens sealed to the user ID.
func (s *RedisSessionStore) seal(session *model.Session) (*model.Session, error) {
	if s.sealer == nil {
		return session, nil
	}
	out := session.Clone()
	var err error
	if out.Token, err = s.sealer.Seal(session.Token, session.UserID); err != nil {
		return nil, fmt.Errorf("session store: failed to seal token: %w", err)
	}
	if out.RefreshToken, err = s.sealer.Seal(session.RefreshToken, session.UserID); err != nil {
		return nil, fmt.Errorf("session store: failed to seal refresh token: %w", err)
	}
	return out, nil
}

// open unseals the tokens of session in place. Plaintext entries written
// before a key was configured are returned as they are.
func (s *RedisSessionStore) open(session *model.Session) error {
	for _, tok := range []*string{&session.Token, &session.RefreshToken} {
		if !crypto.IsSealed(*tok) {
			continue
		}
		if s.sealer == nil {
			return errors.New("session store: persisted session is sealed but no encryption key is configured")
		}
		plain, err := s.sealer.Open(*tok, session.UserID)
		if err != nil {
			return fmt.Errorf("session store: failed to open token: %w", err)
		}
		*tok = plain
	}
	return nil
}

// Delete removes the persisted session of userID and the current pointer
// when it names userID.
func (s *RedisSessionStore) Delete(ctx context.Context, userID string) error {
	if err := s.cache.Delete(ctx, namespaced(BuildCacheKey(CacheKeySession, userID))); err != nil {
		return fmt.Errorf("session store: failed to delete session: %w", err)
	}

	currentKey := namespaced(BuildCacheKey(CacheKeySession, CacheKeyCurrent))
	var current string
	err := s.cache.Get(ctx, currentKey, &current)
	switch {
	case errors.Is(err, ErrCacheNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("session store: failed to read current pointer: %w", err)
	case current == userID:
		if err := s.cache.Delete(ctx, currentKey); err != nil {
			return fmt.Errorf("session store: failed to delete current pointer: %w", err)
		}
	}
	return nil
}
