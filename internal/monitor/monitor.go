// Package monitor implements the background health/latency prober that
// scores and orders the upstream list the connect core reads a
// snapshot of. It is the only writer of Upstream.Score and the only
// caller of List.Reorder.
package monitor

import (
	"context"
	"net"
	"sort"
	"time"

	"go.uber.org/zap"

	"hedgeproxy/internal/upstream"
)

// decay is the exponential-moving-average weight given to the
// previous score on each new probe: score = decay*old + (1-decay)*new.
const decay = 0.8

// Options tunes the prober.
type Options struct {
	// Interval is how often every upstream is re-probed.
	Interval time.Duration
	// Timeout bounds a single probe's TCP connect.
	Timeout time.Duration
}

// Prober periodically measures TCP connect latency against every
// upstream's probe destination and re-sorts list's snapshot by a
// decayed moving-average score plus each upstream's static ScoreBase.
type Prober struct {
	list *upstream.List
	opts Options
	log  *zap.Logger
}

// New builds a Prober over list. A zero Options.Interval defaults to
// 10s; a zero Options.Timeout defaults to 2s.
func New(list *upstream.List, opts Options, log *zap.Logger) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{list: list, opts: opts, log: log}
}

// Run probes every upstream once per Interval until ctx is cancelled.
// It never returns an error; probe failures are recorded per-upstream
// and logged, not surfaced to the caller.
func (p *Prober) Run(ctx context.Context) {
	p.probeAll(ctx)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	ups := p.list.Snapshot()
	for _, u := range ups {
		p.probeOne(ctx, u)
	}
	p.reorder(ups)
}

func (p *Prober) probeOne(ctx context.Context, u *upstream.Upstream) {
	addr := u.ProbeAddr
	if addr == "" {
		addr = u.Addr
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(probeCtx, "tcp", addr)
	latency := time.Since(start)
	if err != nil {
		u.RecordProbe(false)
		p.log.Info("upstream probe failed",
			zap.String("tag", u.Tag), zap.String("addr", addr), zap.Error(err))
		return
	}
	conn.Close()

	u.RecordProbe(true)
	old := u.Score()
	var next int64
	if old == 0 {
		next = latency.Milliseconds()
	} else {
		avg := old - int64(u.ScoreBase) // the stored score already carries ScoreBase
		next = int64(decay*float64(avg) + (1-decay)*float64(latency.Milliseconds()))
	}
	next += int64(u.ScoreBase)
	if next < 0 {
		// ScoreBase may be a negative bias; clamp so a heavily-favored
		// upstream still sorts ahead of everything without going
		// negative, which would otherwise invert comparisons with an
		// unprobed (zero) score.
		next = 0
	}
	u.SetScore(next)
	p.log.Debug("upstream probed",
		zap.String("tag", u.Tag), zap.Duration("latency", latency), zap.Int64("score", u.Score()))
}

// reorder re-sorts ups by ascending score and writes the result back
// to the list. Never-probed upstreams sort after every probed,
// currently-healthy upstream but ahead of upstreams whose last several
// probes all failed; the latter are never dropped, only sorted last,
// since the dispatcher's own AllDown is the sole removal signal for a
// connection attempt.
func (p *Prober) reorder(ups []*upstream.Upstream) {
	sorted := append([]*upstream.Upstream(nil), ups...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rank(sorted[i]) < rank(sorted[j]) ||
			(rank(sorted[i]) == rank(sorted[j]) && sorted[i].Score() < sorted[j].Score())
	})
	p.list.Reorder(sorted)
}

// rank buckets an upstream into {healthy-probed, unprobed, unhealthy}
// so that sort.SliceStable produces the three-tier ordering described
// in reorder's doc comment.
func rank(u *upstream.Upstream) int {
	const unhealthyAfter = 3
	switch {
	case u.Probed() && u.ConsecutiveProbeFailures() >= unhealthyAfter:
		return 2
	case !u.Probed():
		return 1
	default:
		return 0
	}
}
