// Package upstream owns the upstream proxy server descriptors, the
// live ordered list of them, and the per-protocol dial+handshake
// strategies used to open a tunnel through one of them.
package upstream

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
)

// Protocol identifies the upstream's handshake dialect.
type Protocol int

const (
	SOCKS5 Protocol = iota
	HTTPConnect
)

func (p Protocol) String() string {
	switch p {
	case SOCKS5:
		return "socks5"
	case HTTPConnect:
		return "http"
	default:
		return "unknown"
	}
}

// Upstream is a single configured proxy server. Upstream values are
// shared by reference across the list, in-flight connection attempts,
// and committed splices; everything on it except the counters is
// immutable after construction.
type Upstream struct {
	Tag      string
	Protocol Protocol
	Addr     string // host:port of the upstream itself
	ScoreBase int
	ProbeAddr string // host:port used by the monitor to measure latency

	// mutable, touched only by the I/O loop goroutine(s) that own a
	// connection plus the monitor goroutine for score updates; reads
	// from the status endpoint are snapshot reads of these atomics.
	openConns atomic.Int64
	txBytes   atomic.Int64
	rxBytes   atomic.Int64
	errors    atomic.Int64
	score     atomic.Int64 // milliseconds, lower is better; 0 = unprobed

	probed        atomic.Bool  // at least one probe round has completed
	consecutiveFails atomic.Int64 // probe failures in a row; reset on any success
}

// ConnOpen records that a tunnel through u has just been handed to the
// splice engine. Must be called exactly once per ConnectedClient.
func (u *Upstream) ConnOpen() {
	u.openConns.Add(1)
}

// ConnClose records that a tunnel through u has ended. Must be called
// exactly once per prior ConnOpen.
func (u *Upstream) ConnClose(failed bool, tx, rx int64) {
	u.openConns.Add(-1)
	u.txBytes.Add(tx)
	u.rxBytes.Add(rx)
	if failed {
		u.errors.Add(1)
	}
}

// RecordAttemptFailure counts a failed connect/handshake attempt that
// never reached ConnOpen (e.g. dial refused).
func (u *Upstream) RecordAttemptFailure() {
	u.errors.Add(1)
}

// SetScore is called only by the monitor goroutine.
func (u *Upstream) SetScore(ms int64) {
	u.score.Store(ms)
}

// Score reports u's current ordering key; lower is preferred, 0 means
// never probed.
func (u *Upstream) Score() int64 {
	return u.score.Load()
}

// RecordProbe is called only by the monitor goroutine after each health
// probe: ok reports whether the probe reached the upstream at all.
func (u *Upstream) RecordProbe(ok bool) {
	u.probed.Store(true)
	if ok {
		u.consecutiveFails.Store(0)
		return
	}
	u.consecutiveFails.Add(1)
}

// Probed reports whether the monitor has completed at least one probe
// round against u.
func (u *Upstream) Probed() bool {
	return u.probed.Load()
}

// ConsecutiveProbeFailures reports how many health probes have failed
// in a row since the last success.
func (u *Upstream) ConsecutiveProbeFailures() int64 {
	return u.consecutiveFails.Load()
}

// Snapshot is a read-only, allocation-free view of u's counters for
// the status endpoint and structured logs.
type Snapshot struct {
	Tag         string
	Protocol    string
	Addr        string
	OpenConns   int64
	TxBytes     int64
	RxBytes     int64
	Errors      int64
	ScoreMillis int64
	Healthy     bool
}

// unhealthyAfter is the number of consecutive failed health probes
// after which an upstream is reported unhealthy. It is still attempted
// by the dispatcher; only the status view and monitor ordering treat
// it as degraded.
const unhealthyAfter = 3

func (u *Upstream) Snapshot() Snapshot {
	return Snapshot{
		Tag:         u.Tag,
		Protocol:    u.Protocol.String(),
		Addr:        u.Addr,
		OpenConns:   u.openConns.Load(),
		TxBytes:     u.txBytes.Load(),
		RxBytes:     u.rxBytes.Load(),
		Errors:      u.errors.Load(),
		ScoreMillis: u.score.Load(),
		Healthy:     u.consecutiveFails.Load() < unhealthyAfter,
	}
}

// List holds the process-wide, shared upstream set. The dispatcher
// reads an immutable ordered snapshot at the time a client arrives and
// honors that ordering for the lifetime of the attempt, even if the
// monitor re-sorts concurrently; only the monitor ever calls Reorder.
type List struct {
	snapshot atomic.Pointer[[]*Upstream]
}

// NewList builds a List from the given upstreams, in the order given.
func NewList(ups []*Upstream) *List {
	l := &List{}
	cp := append([]*Upstream(nil), ups...)
	l.snapshot.Store(&cp)
	return l
}

// Snapshot returns the current ordered upstream slice. Callers must
// treat the returned slice as immutable.
func (l *List) Snapshot() []*Upstream {
	p := l.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Len reports how many upstreams are configured.
func (l *List) Len() int {
	return len(l.Snapshot())
}

// Reorder atomically replaces the snapshot with a re-sorted copy. Only
// the monitor calls this; the dispatcher never mutates the list.
func (l *List) Reorder(sorted []*Upstream) {
	cp := append([]*Upstream(nil), sorted...)
	l.snapshot.Store(&cp)
}

// Destination is the target the upstream handshake announces: either a
// literal IP or a hostname (produced only when SNI recovery succeeds),
// plus the port of the originally intercepted connection. Equality is
// by value.
type Destination struct {
	Host string // hostname or IP literal, never includes brackets/port
	Port int
}

func (d Destination) String() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Dialer opens a connection to an upstream and performs its handshake
// for dest, optionally replaying a shared prefix and optionally waiting
// for the handshake's acknowledgement.
type Dialer interface {
	// Dial opens the TCP connection, performs the protocol handshake
	// for dest, writes prefix (if non-nil) after the handshake request,
	// and — if waitResponse is true — waits for the upstream's
	// handshake acknowledgement before returning. The returned net.Conn
	// is the post-handshake tunnel, ready for the splice engine.
	Dial(ctx context.Context, u *Upstream, dest Destination, prefix []byte, waitResponse bool) (net.Conn, error)
}

// DialerFor returns the wire-format strategy for u's protocol.
func DialerFor(p Protocol) Dialer {
	switch p {
	case SOCKS5:
		return socks5Dialer{}
	case HTTPConnect:
		return httpConnectDialer{}
	default:
		return unsupportedDialer{proto: p}
	}
}

type unsupportedDialer struct{ proto Protocol }

func (d unsupportedDialer) Dial(context.Context, *Upstream, Destination, []byte, bool) (net.Conn, error) {
	return nil, &UnsupportedProtocolError{Protocol: d.proto}
}

// UnsupportedProtocolError is returned when an Upstream names a
// protocol this build does not implement a Dialer for.
type UnsupportedProtocolError struct{ Protocol Protocol }

func (e *UnsupportedProtocolError) Error() string {
	return "upstream: unsupported protocol " + e.Protocol.String()
}
