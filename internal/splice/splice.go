// Package splice implements the bidirectional copy loop that runs once
// a client has been matched to a winning upstream: bytes flow in both
// directions, half-closes are honored, and byte counts are reported to
// the upstream's accounting hooks exactly once.
package splice

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultKeepalive is the idle timer set on both sockets before
// copying begins, per the committed-pair keepalive contract. It is
// configurable by callers that want a different value (see Options).
const DefaultKeepalive = 300 * time.Second

// BufferSize is the size of each per-direction scratch buffer pooled
// by bufPool. It is a tunable, not a protocol constant.
const BufferSize = 32 * 1024

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, BufferSize)
		return &b
	},
}

// Accounting receives the outcome of a single spliced connection. It is
// satisfied by *upstream.Upstream (ConnClose has this exact shape);
// the interface keeps this package independent of the upstream package.
type Accounting interface {
	ConnClose(failed bool, tx, rx int64)
}

// Options tunes the splice loop. The zero value uses DefaultKeepalive and
// discards keepalive-setup warnings (see Logger).
type Options struct {
	Keepalive time.Duration

	// Logger receives warn-level diagnostics that don't abort the
	// connection, per spec.md §4.5: "Keepalive setup failure is logged
	// at warn-level and does not abort the connection." A nil Logger
	// discards them.
	Logger *zap.Logger
}

// Stats reports how many bytes moved in each direction, measured from
// the client's perspective: Tx is client-to-upstream, Rx is
// upstream-to-client.
type Stats struct {
	Tx int64
	Rx int64
}

// Copy bidirectionally copies bytes between client and upstream until
// both directions have seen EOF or either side errors, then reports the
// outcome to acct exactly once via ConnClose. The returned error, if
// non-nil, is the first I/O error observed on either side; Stats
// reflects whatever was successfully transferred even on error.
func Copy(client, upstream net.Conn, acct Accounting, opts Options) (Stats, error) {
	keepalive := opts.Keepalive
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	setKeepalive(log, "client", client, keepalive)
	setKeepalive(log, "upstream", upstream, keepalive)

	type result struct {
		n   int64
		err error
	}
	rxc := make(chan result, 1) // upstream -> client
	txc := make(chan result, 1) // client -> upstream

	// abort keeps the first I/O error and closes both sockets so the
	// other direction's blocked read returns instead of waiting for EOF.
	var abortOnce sync.Once
	var firstErr error
	abort := func(err error) {
		abortOnce.Do(func() { firstErr = err; client.Close(); upstream.Close() })
	}

	go func() {
		n, err := copyHalf(client, upstream)
		if err != nil {
			abort(err)
		}
		halfClose(client)
		rxc <- result{n, err}
	}()
	go func() {
		n, err := copyHalf(upstream, client)
		if err != nil {
			abort(err)
		}
		halfClose(upstream)
		txc <- result{n, err}
	}()

	rx := <-rxc
	tx := <-txc

	client.Close()
	upstream.Close()

	failed := rx.err != nil || tx.err != nil
	if acct != nil {
		acct.ConnClose(failed, tx.n, rx.n)
	}
	return Stats{Tx: tx.n, Rx: rx.n}, firstErr
}

// copyHalf copies from src to dst using a pooled scratch buffer,
// returning the number of bytes moved. io.EOF is not reported as an
// error; any other read/write error is.
func copyHalf(dst io.Writer, src io.Reader) (int64, error) {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	n, err := io.CopyBuffer(dst, src, *bp)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// halfClose shuts down the write half of conn once its read side has
// seen EOF, so the peer observes a clean FIN while the other direction
// keeps draining.
func halfClose(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		_ = wc.CloseWrite()
	}
}

// setKeepalive enables a d-second idle keepalive timer on conn. Failure
// to do so is logged at warn-level and does not abort the connection,
// per spec.md §4.5.
func setKeepalive(log *zap.Logger, side string, conn net.Conn, d time.Duration) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetKeepAlive(true); err != nil {
		log.Warn("splice: enabling keepalive failed", zap.String("side", side), zap.Error(err))
		return
	}
	if err := tc.SetKeepAlivePeriod(d); err != nil {
		log.Warn("splice: setting keepalive period failed", zap.String("side", side), zap.Error(err))
	}
}
