package checkout

import (
	"context"
	"errors"
)

// CleanupExpiredSessions moves every session whose window has passed to
// SESSION_EXPIRED and returns how many it changed. Completed sessions are
// never touched. Sessions whose lock is busy are skipped and picked up by the
// next sweep.
func (o *Orchestrator) CleanupExpiredSessions(ctx context.Context) (_ int, err error) {
	ctx, done := o.observe(ctx, "sweep", "")
	defer func() { done(err) }()

	now := o.now()
	candidates, err := o.store.FindExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	var (
		expired int
		errs    []error
	)
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		var changed *Session
		err := o.mutate(ctx, candidate.ID, func(ctx context.Context, current *Session) error {
			if current.State.Terminal() || !current.Expired(now) {
				return nil
			}
			next := current.Clone()
			if err := next.transition(StateExpired); err != nil {
				return err
			}
			next.Metadata.ExpiredAt = timePtr(now)
			if err := o.store.Update(ctx, next); err != nil {
				return err
			}
			changed = next
			return nil
		})
		switch {
		case err == nil:
		case errors.Is(err, ErrLockContention):
			o.logger.Debug("checkout.sweep.skip_locked", "session_id", candidate.ID)
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
			continue
		default:
			o.logger.Warn("checkout.sweep.expire_failed", "session_id", candidate.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if changed == nil {
			continue
		}
		expired++
		o.logger.Info("checkout.session.expired", "session_id", changed.ID, "expires_at", changed.ExpiresAt)
		o.publish(ctx, changed, "expired")
	}
	o.metrics.recordSweep(ctx, expired)
	if expired > 0 || len(candidates) > 0 {
		o.logger.Info("checkout.sweep.done", "candidates", len(candidates), "expired", expired)
	}
	return expired, errors.Join(errs...)
}
