// Package credential produces a validated session from an ordered chain of
// acquisition strategies: live browser, direct token exchange, static fallback.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/snapetech/epgharvest/internal/browser"
	"github.com/snapetech/epgharvest/internal/log"
	"github.com/snapetech/epgharvest/internal/session"
)

var (
	// ErrDeclined is returned (possibly wrapped) by a strategy that does not
	// apply, e.g. because it has nothing configured.
	ErrDeclined = errors.New("strategy not applicable")
	// ErrNoSession means no strategy produced a session that validated.
	ErrNoSession = errors.New("credential: no valid session")
)

// Strategy is one way of obtaining a candidate session.
type Strategy interface {
	Name() string
	Acquire(ctx context.Context, h *Hints) (*session.Session, error)
}

// Hints carries what earlier strategies learned to later ones.
type Hints struct {
	Bearer  string
	Cookies map[string]string
	// Browser is a live browser handed over by a strategy. The resolver owns it.
	Browser browser.Driver
}

// Resolution is the outcome of a successful Resolve. Browser is non-nil when
// a live browser was kept open for in-page requests; the caller must close it.
type Resolution struct {
	Session *session.Session
	Browser browser.Driver
}

// Close releases the browser, if any.
func (r *Resolution) Close() error {
	if r == nil || r.Browser == nil {
		return nil
	}
	err := r.Browser.Close()
	r.Browser = nil
	return err
}

// Resolver tries strategies in order and returns the first candidate that
// validates.
type Resolver struct {
	Strategies []Strategy
	// Identity, if set, is asked to corroborate candidates that carry a bearer.
	// A failed corroboration is only logged.
	Identity *Identity
	// Store, if set, receives every accepted session not produced by Static.
	Store *session.Store
	Now   func() time.Time
}

// Resolve runs the strategy chain.
func (r *Resolver) Resolve(ctx context.Context) (*Resolution, error) {
	lg := log.FromContext(ctx, "credential")
	now := r.Now
	if now == nil {
		now = time.Now
	}

	h := &Hints{Cookies: map[string]string{}}
	var errs []error
	for _, s := range r.Strategies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		name := s.Name()
		sess, err := s.Acquire(ctx, h)
		if err != nil {
			if errors.Is(err, ErrDeclined) {
				lg.Debug().Str("strategy", name).Err(err).Msg("strategy declined")
			} else {
				lg.Warn().Str("strategy", name).Err(err).Msg("strategy failed")
			}
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if sess == nil {
			errs = append(errs, fmt.Errorf("%s: no session", name))
			continue
		}
		if sess.Source == "" {
			sess.Source = name
		}
		if sess.AcquiredAt.IsZero() {
			sess.AcquiredAt = now()
		}
		if err := sess.Validate(now()); err != nil {
			lg.Warn().Str("strategy", name).Err(err).Msg("candidate rejected")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		if r.Identity != nil && sess.Bearer != "" {
			if err := r.Identity.Corroborate(ctx, sess); err != nil {
				lg.Warn().Str("strategy", name).Err(err).Msg("identity not corroborated, continuing")
			} else {
				lg.Debug().Str("strategy", name).Msg("identity corroborated")
			}
		}
		if r.Store != nil && name != staticName {
			if err := r.Store.Save(ctx, sess); err != nil {
				lg.Warn().Err(err).Msg("save session")
			}
		}

		ev := lg.Info().Str("source", sess.Source).Str("cache_id", sess.CacheID).Int("cookies", len(sess.Cookies))
		if !sess.ExpiresAt.IsZero() {
			ev = ev.Time("expires_at", sess.ExpiresAt)
		}
		ev.Msg("session resolved")
		return &Resolution{Session: sess, Browser: h.Browser}, nil
	}

	if h.Browser != nil {
		_ = h.Browser.Close()
	}
	return nil, errors.Join(append([]error{ErrNoSession}, errs...)...)
}
