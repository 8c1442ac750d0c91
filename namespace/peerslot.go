package namespace

import (
	"context"
	"errors"
	"time"

	"github.com/smileytechness/peerns/signaling"
)

// peerSlotRetryMin/Max bound the jittered retry when the reverse-connect
// slot is already held by another joiner (spec.md §4.4.5).
const (
	peerSlotRetryMin = 3 * time.Second
	peerSlotRetryMax = 5 * time.Second
)

// attemptPeerSlot implements the last-resort leg of spec.md §4.4.3/§4.4.5:
// claim this namespace's single reverse-connect slot (retrying on
// conflict), then wait up to PeerSlotTimeout for the router to reach in
// and welcome us. Failure here escalates the caller to the next level.
func (e *Engine) attemptPeerSlot(ctx context.Context, level int) levelResult {
	slotID := e.cfg.PeerSlotID()

	var sess signaling.Session
	deadline := time.Now().Add(PeerSlotTimeout)
	for {
		claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		s, err := e.adapter.Claim(claimCtx, slotID)
		cancel()
		if err == nil {
			sess = s
			break
		}
		if !errors.Is(err, signaling.ErrAlreadyTaken) {
			return levelExhausted
		}
		if time.Now().After(deadline) {
			return levelExhausted
		}
		wait := peerSlotRetryMin + e.jitter(peerSlotRetryMax-peerSlotRetryMin)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return levelShutdown
		}
	}
	e.peerSlotSession = sess
	defer func() {
		if e.peerSlotSession != nil {
			e.peerSlotSession.Release()
			e.peerSlotSession = nil
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, PeerSlotTimeout)
	defer cancel()

	select {
	case ch, ok := <-sess.Accept():
		if !ok {
			return levelExhausted
		}
		return e.servePeer(ctx, level, ch)
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return levelShutdown
		}
		return levelExhausted
	}
}
