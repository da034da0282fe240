package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// httpConnectDialer implements Dialer for HTTP CONNECT (RFC 7231
// §4.3.6): a minimal request line plus a Host header and blank line,
// success is any 2xx status.
type httpConnectDialer struct{}

func (httpConnectDialer) Dial(ctx context.Context, u *Upstream, dest Destination, prefix []byte, waitResponse bool) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", u.Addr)
	if err != nil {
		return nil, &AttemptFailedError{Tag: u.Tag, Err: err}
	}

	var req bytes.Buffer
	target := dest.String()
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&req, "Host: %s\r\n", target)
	req.WriteString("\r\n")

	if _, err := conn.Write(req.Bytes()); err != nil {
		conn.Close()
		return nil, &AttemptFailedError{Tag: u.Tag, Err: err}
	}
	if len(prefix) > 0 {
		if _, err := conn.Write(prefix); err != nil {
			conn.Close()
			return nil, &AttemptFailedError{Tag: u.Tag, Err: err}
		}
	}

	if !waitResponse {
		return conn, nil
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	}
	// Cancellation (a sibling attempt won the race) unblocks the read.
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, &AttemptFailedError{Tag: u.Tag, Err: fmt.Errorf("http connect: reading response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		conn.Close()
		return nil, &AttemptFailedError{Tag: u.Tag, Err: fmt.Errorf("http connect: upstream replied %s", resp.Status)}
	}
	conn.SetReadDeadline(time.Time{})

	// bufio.Reader may hold buffered bytes belonging to the tunnel
	// (rare, but possible if the upstream pipelines its reply); wrap
	// conn so nothing already read off the wire is lost.
	if br.Buffered() > 0 {
		return &prefixedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// prefixedConn satisfies net.Conn while draining bytes already
// buffered in r before falling through to further reads on Conn.
type prefixedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *prefixedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
