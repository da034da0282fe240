// Package dispatch implements the hedged, parallel-race connection
// strategy: a client's prefix bytes are raced against several upstream
// candidates at once, the first to answer wins, and the rest are
// cancelled.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"hedgeproxy/internal/upstream"
)

// minAttemptTimeout is the floor on a single upstream attempt's
// deadline, per spec.md §5: "Per-upstream attempt: at least 3s; if the
// external monitor supplies a recent latency δ for that upstream, use
// max(3s, 2·δ)."
const minAttemptTimeout = 3 * time.Second

// attemptTimeout derives the per-attempt deadline for u from its most
// recently probed latency score; a never-probed upstream (Score()==0)
// gets minAttemptTimeout.
func attemptTimeout(u *upstream.Upstream) time.Duration {
	if ms := u.Score(); ms > 0 {
		if d := 2 * time.Duration(ms) * time.Millisecond; d > minAttemptTimeout {
			return d
		}
	}
	return minAttemptTimeout
}

// AllDownError reports that every upstream in a snapshot was attempted
// and none produced a usable tunnel.
type AllDownError struct {
	Attempts []error
}

func (e *AllDownError) Error() string {
	return fmt.Sprintf("dispatch: all %d upstream(s) failed", len(e.Attempts))
}

// Policy controls how many upstreams are raced in parallel and whether
// the dispatcher waits for a handshake acknowledgement before declaring
// a winner.
type Policy struct {
	// MaxParallel caps how many upstreams are dialed concurrently for
	// a single client. A value <= 0 means 1 (serial fallback only).
	MaxParallel int

	// WaitResponse is forwarded to the Dialer: when true, an attempt is
	// only declared a winner once the upstream acknowledges its
	// handshake; when false, the first successfully-dialed attempt
	// wins even if the upstream hasn't replied yet.
	//
	// Hedging more than one upstream with WaitResponse=false is unsafe:
	// the client's prefix would be replayed to multiple upstreams with
	// no way to tell afterward which one actually proxied it, so
	// effectiveParallel collapses to 1 in that case.
	WaitResponse bool
}

func (p Policy) effectiveParallel() int {
	if p.MaxParallel <= 0 {
		return 1
	}
	if !p.WaitResponse {
		return 1
	}
	return p.MaxParallel
}

// Result is a winning connection paired with the Upstream it came
// through, so the caller can account bytes and closure back onto the
// right counters.
type Result struct {
	Conn net.Conn
	Up   *upstream.Upstream
}

// Race attempts dest against the upstreams in list, in order, racing up
// to policy.effectiveParallel() of them at a time. prefix is replayed
// verbatim to every upstream attempted; callers must not mutate it
// concurrently, since every racer shares the same backing array.
//
// On success, every loser connection raced alongside the winner has
// already been closed before Race returns. On failure, Race returns an
// *AllDownError wrapping one error per attempted upstream.
func Race(ctx context.Context, list *upstream.List, dest upstream.Destination, prefix []byte, policy Policy) (Result, error) {
	ups := list.Snapshot()
	if len(ups) == 0 {
		return Result{}, &AllDownError{}
	}

	k := policy.effectiveParallel()
	if k > len(ups) {
		k = len(ups)
	}

	var errs []error
	for offset := 0; offset < len(ups); offset += k {
		batch := ups[offset:min(offset+k, len(ups))]
		res, batchErrs := raceBatch(ctx, batch, dest, prefix, policy.WaitResponse)
		errs = append(errs, batchErrs...)
		if res != nil {
			return *res, nil
		}
	}
	return Result{}, &AllDownError{Attempts: errs}
}

// raceBatch dials every upstream in batch concurrently and returns the
// first success, cancelling and closing the rest. A nil Result plus the
// collected errors means the whole batch failed.
func raceBatch(ctx context.Context, batch []*upstream.Upstream, dest upstream.Destination, prefix []byte, waitResponse bool) (*Result, []error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		conn net.Conn
		up   *upstream.Upstream
		err  error
	}
	outcomes := make(chan outcome, len(batch))

	var g errgroup.Group
	for _, u := range batch {
		u := u
		g.Go(func() error {
			attemptCtx, cancel := context.WithTimeout(raceCtx, attemptTimeout(u))
			defer cancel()
			dialer := upstream.DialerFor(u.Protocol)
			conn, err := dialer.Dial(attemptCtx, u, dest, prefix, waitResponse)
			if err != nil {
				u.RecordAttemptFailure()
				outcomes <- outcome{up: u, err: err}
				return nil
			}
			outcomes <- outcome{conn: conn, up: u}
			return nil
		})
	}
	go func() {
		g.Wait()
		close(outcomes)
	}()

	var winner *outcome
	var errs []error
	for o := range outcomes {
		if o.err != nil {
			errs = append(errs, o.err)
			continue
		}
		if winner == nil {
			winner = &o
			cancel() // stop any sibling still mid-dial
			continue
		}
		// a second success arrived after the winner was already
		// chosen; it did real work against a live upstream, so close
		// it rather than leaking the connection.
		o.conn.Close()
		o.up.RecordAttemptFailure()
	}

	if winner == nil {
		return nil, errs
	}
	winner.up.ConnOpen()
	return &Result{Conn: winner.conn, Up: winner.up}, errs
}
