package biz

import (
	"context"

	"SessionGuard/internal/data"
	"SessionGuard/internal/model"
	"SessionGuard/pkg/token"
)

// Profile sync sources.
const (
	ProfileSourceRemote = "remote"
	ProfileSourceClaims = "claims"
)

// Profile returns the profile of the signed-in user, from the cache when
// fresh. Concurrent misses share one profile.fetch call.
func (v *SessionValidator) Profile(ctx context.Context) (*model.Profile, error) {
	s := v.Current()
	if s == nil {
		return nil, ErrNotAuthenticated
	}

	if cached, ok := v.cache.Get(data.BuildCacheKey(data.CacheKeyProfile, s.UserID)); ok {
		if p, ok := cached.(*model.Profile); ok {
			return p.Clone(), nil
		}
	}

	p, err := v.fetchProfile(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	v.cacheProfile(s.UserID, p)
	return p.Clone(), nil
}

// fetchProfile coalesces concurrent profile.fetch calls for userID. The
// shared call is detached from any single caller's ctx.
func (v *SessionValidator) fetchProfile(ctx context.Context, userID string) (*model.Profile, error) {
	detached := context.WithoutCancel(ctx)
	ch := v.profiles.DoChan(userID, func() (interface{}, error) {
		return Execute(detached, v.executor, CategoryProfileFetch, nil, func(ctx context.Context) (*model.Profile, error) {
			return v.auth.FetchProfile(ctx, userID)
		})
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.Profile), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EnsureProfileConsistency compares profile with the identity claims of the
// session token (sub, email, role, tenant_id).
//
// On divergence the authoritative profile is fetched through profile.fetch.
// When that fails the token claims are overlaid on profile instead. Either
// way the cache is updated and a ProfileSyncEvent is emitted. A nil profile
// counts as diverged. Returns the profile callers should use.
func (v *SessionValidator) EnsureProfileConsistency(ctx context.Context, profile *model.Profile) (*model.Profile, error) {
	s := v.Current()
	if s == nil {
		return nil, ErrNotAuthenticated
	}

	claims, err := v.tokens.Parse(s.Token)
	if err != nil {
		// opaque token, nothing to compare against
		v.logger.Debugw("msg", "session token carries no readable claims", "user_id", s.UserID, "error", err.Error())
		if profile == nil {
			return v.Profile(ctx)
		}
		return profile.Clone(), nil
	}

	diverged := divergedFields(profile, claims)
	if len(diverged) == 0 {
		return profile.Clone(), nil
	}

	v.logger.Warnw("msg", "profile diverged from session token",
		"user_id", s.UserID,
		"fields", diverged)

	userID := s.UserID
	if claims.Subject != "" {
		userID = claims.Subject
	}

	source := ProfileSourceRemote
	synced, ferr := v.fetchProfile(ctx, userID)
	if ferr == nil && len(divergedFields(synced, claims)) > 0 {
		// the auth service still disagrees with its own token; the token wins
		v.logger.Warnw("msg", "fetched profile disagrees with token claims", "user_id", userID)
		synced = overlayClaims(synced, claims)
		source = ProfileSourceClaims
	}
	if ferr != nil {
		v.logger.Warnw("msg", "profile fetch failed, overlaying token claims",
			"user_id", userID,
			"error", ferr.Error())
		synced = overlayClaims(profile, claims)
		source = ProfileSourceClaims
	}

	v.cacheProfile(s.UserID, synced)

	event := &model.ProfileSyncEvent{
		ID:             model.NewEventID(),
		UserID:         s.UserID,
		DivergedFields: diverged,
		Source:         source,
		SyncedAt:       v.clock.Now(),
	}
	v.audit.LogProfileSync(ctx, *event)
	if err := v.notifier.NotifyProfileSync(ctx, event); err != nil {
		v.logger.Warnw("msg", "failed to notify profile sync", "user_id", s.UserID, "error", err)
	}

	return synced.Clone(), nil
}

// cacheProfile stores p in the cache and on the session of userID.
func (v *SessionValidator) cacheProfile(userID string, p *model.Profile) {
	if p == nil {
		return
	}
	v.cache.Set(data.BuildCacheKey(data.CacheKeyProfile, userID), p.Clone(), v.profileTTL)

	v.mu.Lock()
	if v.session != nil && v.session.UserID == userID {
		v.session.Profile = p.Clone()
	}
	v.mu.Unlock()
}

// divergedFields lists the profile fields that disagree with non-empty claims.
func divergedFields(p *model.Profile, c *token.Claims) []string {
	if p == nil {
		return []string{"profile"}
	}
	var fields []string
	if c.Subject != "" && p.UserID != c.Subject {
		fields = append(fields, "user_id")
	}
	if c.Email != "" && p.Email != c.Email {
		fields = append(fields, "email")
	}
	if c.Role != "" && p.Role != c.Role {
		fields = append(fields, "role")
	}
	if c.TenantID != "" && p.TenantID != c.TenantID {
		fields = append(fields, "tenant_id")
	}
	return fields
}

// overlayClaims returns a copy of p with the non-empty claims applied.
func overlayClaims(p *model.Profile, c *token.Claims) *model.Profile {
	out := p.Clone()
	if out == nil {
		out = &model.Profile{}
	}
	if c.Subject != "" {
		out.UserID = c.Subject
	}
	if c.Email != "" {
		out.Email = c.Email
	}
	if c.Role != "" {
		out.Role = c.Role
	}
	if c.TenantID != "" {
		out.TenantID = c.TenantID
	}
	return out
}
