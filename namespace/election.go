package namespace

import (
	"context"
	"errors"
	"time"

	"github.com/smileytechness/peerns/signaling"
)

// runLevel implements one pass of spec.md §4.4.2's election algorithm at a
// single level: attempt to claim the router endpoint; on success, serve as
// router until that role ends; on ErrAlreadyTaken, fall through to the
// join algorithm (spec.md §4.4.3).
func (e *Engine) runLevel(ctx context.Context, level int) levelResult {
	e.setRole(RoleJoining, level)
	routerID := e.cfg.RouterID(level)

	sess, err := e.adapter.Claim(ctx, routerID)
	if err == nil {
		return e.becomeRouter(ctx, level, sess)
	}
	if !errors.Is(err, signaling.ErrAlreadyTaken) {
		e.logger.Warn("claim failed, backing off", "routerID", routerID, "err", err)
		select {
		case <-time.After(JoinRetryDelay):
		case <-ctx.Done():
			return levelShutdown
		}
		return levelExhausted
	}

	return e.join(ctx, level, routerID)
}

// becomeRouter claims the router role: it starts the check-in accept
// loop, the peer-slot probe, and (for level > 1) the monitor goroutine,
// then blocks for the router's entire lifetime. It returns levelShutdown
// on context cancellation/explicit Shutdown, or levelRestart if the
// claim is lost out from under it (spec.md §4.4.4/§4.4.6).
func (e *Engine) becomeRouter(ctx context.Context, level int, sess signaling.Session) levelResult {
	e.routerSession = sess
	e.registry = newSelfRegistry(e.selfDiscoveryUUID, e.friendlyName(), e.publicKeyB64())
	e.setRole(RoleRouter, level)
	e.claimDiscoveryID(ctx)
	e.logger.Info("elected router", "level", level, "endpoint", sess.Endpoint())

	res := e.runRouter(ctx, level, sess)

	if e.routerSession != nil {
		e.routerSession.Release()
		e.routerSession = nil
	}
	for id, l := range e.links {
		l.channel.Close()
		delete(e.links, id)
	}
	return res
}
