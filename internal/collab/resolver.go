package collab

import (
	"fmt"
	"time"
)

// SettingsSource looks up the configured settings of a session.
type SettingsSource interface {
	Settings(sessionID string) (Settings, bool)
}

// Merger combines the values of a conflict into one.
type Merger interface {
	Merge(conflict EditConflict) any
}

// MergeFunc adapts a function to Merger.
type MergeFunc func(conflict EditConflict) any

func (f MergeFunc) Merge(conflict EditConflict) any { return f(conflict) }

// LastValueMerger keeps the newest value. It is the default merge behaviour.
var LastValueMerger = MergeFunc(func(c EditConflict) any {
	latest, _ := c.Latest()
	return latest.NewValue
})

type Resolver struct {
	settings SettingsSource
	merger   Merger
	now      func() time.Time
}

type ResolverOption func(*Resolver)

func WithMerger(m Merger) ResolverOption {
	return func(r *Resolver) {
		if m != nil {
			r.merger = m
		}
	}
}

func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(settings SettingsSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{settings: settings, merger: LastValueMerger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve applies the session's conflict policy. Under the manual policy it
// returns a value-less manual resolution together with ErrConflictUnresolvable;
// the conflict then waits for ResolveManual.
func (r *Resolver) Resolve(sessionID string, conflict EditConflict) (ConflictResolution, error) {
	policy := PolicyLastWriteWins
	if s, ok := r.settings.Settings(sessionID); ok && s.ConflictResolution.Valid() {
		policy = s.ConflictResolution
	}

	res := ConflictResolution{ConflictID: conflict.ID, Timestamp: r.now()}
	switch policy {
	case PolicyLastWriteWins:
		latest, ok := conflict.Latest()
		if !ok {
			return res, fmt.Errorf("resolve %s: no changes", conflict.ID)
		}
		res.Resolution = ResolutionAcceptLocal
		res.ResolvedValue = latest.NewValue
		res.ResolvedBy = latest.UserID
	case PolicyMerge:
		res.Resolution = ResolutionMerge
		res.ResolvedValue = r.merger.Merge(conflict)
	case PolicyManual:
		res.Resolution = ResolutionManual
		return res, fmt.Errorf("resolve %s: %w", conflict.ID, ErrConflictUnresolvable)
	}
	return res, nil
}

// ResolveManual records a value chosen outside the broker for a conflict.
func (r *Resolver) ResolveManual(conflict EditConflict, value any, resolvedBy string) ConflictResolution {
	return ConflictResolution{
		ConflictID:    conflict.ID,
		Resolution:    ResolutionManual,
		ResolvedValue: value,
		ResolvedBy:    resolvedBy,
		Timestamp:     r.now(),
	}
}
