package chirp

import (
	"context"
	"time"

	"github.com/valyala/fastrand"
)

// jitterDelay picks a reconnect delay uniformly in [min, max) (spec.md §9:
// 50-550ms by default), using fastrand instead of math/rand/v2 since it's
// already linked in transitively via VictoriaMetrics/metrics and is cheaper
// for this non-cryptographic, high-frequency use.
func jitterDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := uint32(max - min)
	return min + time.Duration(fastrand.Uint32n(span))
}

func (n *Chirp) gcLoop(ctx context.Context) {
	defer n.wg.Done()
	t := time.NewTicker(n.cfg.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.sweep()
		}
	}
}

// sweep drops remotes that have been idle for longer than ReuseTime and
// have no live connection or queued work (spec.md §9, REUSE_TIME-based GC).
// If a remote directory database is configured, every remote's last-seen
// time and serial high-water-mark are persisted (including remotes this
// sweep then drops), and stale
// rows older than 7x ReuseTime are pruned — diagnostics only, never
// consulted to recover queued messages.
func (n *Chirp) sweep() {
	for _, r := range n.registry.snapshot() {
		r.mu.Lock()
		idle := time.Since(r.timestamp) > n.cfg.ReuseTime
		empty := r.conn == nil && len(r.msgQueue) == 0 && len(r.cntlQueue) == 0 && r.waitAck == nil
		key, seen, serial := r.key, r.timestamp, r.serial
		r.mu.Unlock()

		if n.db != nil {
			if err := n.db.Touch(uint8(key.Proto), key.Addr, key.Port, seen, serial); err != nil {
				n.log.Debug().Err(err).Msg("persist remote directory entry")
			}
		}
		if idle && empty {
			n.registry.remove(r)
		}
	}
	if n.db != nil {
		if _, err := n.db.Prune(time.Now().Add(-7 * n.cfg.ReuseTime)); err != nil {
			n.log.Debug().Err(err).Msg("prune remote directory")
		}
	}
}

// reconnectLoop wakes on a jittered interval and redials every remote that
// was pushed onto the debounce stack by a prior connect/write/TLS failure
// and still has queued work waiting for it (spec.md §9).
func (n *Chirp) reconnectLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		delay := jitterDelay(n.cfg.ReconnectMinDelay, n.cfg.ReconnectMaxDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		for _, r := range n.registry.drainReconnect() {
			r.mu.Lock()
			hasWork := len(r.msgQueue) > 0 || len(r.cntlQueue) > 0
			already := r.conn != nil
			key := r.key
			r.mu.Unlock()
			if !hasWork || already {
				continue
			}
			go func(key remoteKey) {
				dctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
				defer cancel()
				if _, err := n.Dial(dctx, key.Proto, key.Addr, key.Port); err != nil {
					n.log.Debug().Err(err).Msg("reconnect failed")
				}
			}(key)
		}
	}
}
