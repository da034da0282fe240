// Package clienthello implements the bounded prefix read and the
// defensive TLS ClientHello parse that decide whether a connection's
// destination can be rewritten to a hostname and whether its initial
// bytes are safe to replay across hedged upstream attempts.
package clienthello

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// MaxPrefix is the capacity of the hello-peek buffer.
const MaxPrefix = 2048

// ReadTimeout is the hard deadline for the hello peek, measured from
// the start of the read.
const ReadTimeout = 500 * time.Millisecond

const (
	contentTypeHandshake = 0x16
	handshakeTypeClient  = 0x01

	extensionServerName = 0x0000
	extensionEarlyData  = 0x002a
	extensionALPN       = 0x0010

	nameTypeHost = 0x00

	minLegacyVersion = 0x0301 // TLS 1.0; anything below is rejected
)

// ErrParse reports a malformed or incomplete ClientHello prefix. It is
// never returned for a zero-byte read; that case is a distinct,
// non-error outcome handled by the caller (see Peek).
var ErrParse = errors.New("clienthello: parse error")

// Result is what the parser recovers from a ClientHello. When Parse
// returns a non-nil error the prefix is "not a valid ClientHello"; the
// caller must then disable hedging and leave the destination unchanged.
type Result struct {
	ServerName string   // hostname from the first host_name server_name entry, if any
	EarlyData  bool      // true iff the early_data extension is present
	ALPN       []string  // advertised ALPN protocols, log-only
	CipherCount int      // number of offered cipher suites, log-only
}

// Peek reads up to MaxPrefix bytes from conn with a 500ms deadline
// from the start of the read. A zero-byte result (including a timeout
// before any byte arrived) is not an error: it means "no prefix,
// proceed without hedging and without SNI". Any other read error
// propagates and the caller should close the connection.
//
// Peek restores conn's read deadline to the zero value (no deadline)
// before returning, whatever the outcome, so callers can immediately
// reuse conn without remembering to clear a stale deadline themselves.
func Peek(conn net.Conn) ([]byte, error) {
	defer conn.SetReadDeadline(time.Time{})

	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		return nil, fmt.Errorf("clienthello: set read deadline: %w", err)
	}

	buf := make([]byte, MaxPrefix)
	n, err := conn.Read(buf)
	if err != nil {
		if n == 0 && isTimeout(err) {
			return nil, nil
		}
		return buf[:n], err
	}
	return buf[:n], nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Parse attempts to decode data as a single TLS record of content type
// handshake carrying a ClientHello handshake message. It never reads
// past a declared length and never panics on malformed input; any
// structural problem yields Result{} and an error wrapping ErrParse.
//
// Parse only looks at the first record/handshake message in data; a
// ClientHello that spans multiple TLS records (fragmented handshake)
// is rejected as unsupported rather than reassembled, since data here
// is a bounded single read rather than a full reader.
func Parse(data []byte) (Result, error) {
	var res Result

	if len(data) < 5 {
		return res, fmt.Errorf("%w: record header truncated", ErrParse)
	}
	contentType := data[0]
	recordVersion := binary.BigEndian.Uint16(data[1:3])
	recordLen := int(binary.BigEndian.Uint16(data[3:5]))

	if contentType != contentTypeHandshake {
		return res, fmt.Errorf("%w: content type 0x%02x is not handshake", ErrParse, contentType)
	}
	if recordVersion < minLegacyVersion {
		return res, fmt.Errorf("%w: record version 0x%04x below TLS 1.0", ErrParse, recordVersion)
	}
	if recordLen <= 0 || recordLen > len(data)-5 {
		return res, fmt.Errorf("%w: record length %d exceeds available data", ErrParse, recordLen)
	}

	body := data[5 : 5+recordLen]
	if len(body) < 4 {
		return res, fmt.Errorf("%w: handshake header truncated", ErrParse)
	}
	if body[0] != handshakeTypeClient {
		return res, fmt.Errorf("%w: handshake type 0x%02x is not ClientHello", ErrParse, body[0])
	}
	hsLen := int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	if hsLen < 0 || hsLen > len(body)-4 {
		return res, fmt.Errorf("%w: handshake length %d exceeds record", ErrParse, hsLen)
	}
	ch := body[4 : 4+hsLen]

	if err := parseClientHelloBody(ch, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

func parseClientHelloBody(ch []byte, res *Result) error {
	off := 0
	// legacy_version(2) + random(32)
	if len(ch) < off+34 {
		return fmt.Errorf("%w: client version/random truncated", ErrParse)
	}
	off += 34

	// session_id: 1-byte length + data
	if len(ch) < off+1 {
		return fmt.Errorf("%w: session id length truncated", ErrParse)
	}
	sidLen := int(ch[off])
	off++
	if len(ch) < off+sidLen {
		return fmt.Errorf("%w: session id truncated", ErrParse)
	}
	off += sidLen

	// cipher_suites: 2-byte length + data
	if len(ch) < off+2 {
		return fmt.Errorf("%w: cipher suites length truncated", ErrParse)
	}
	csLen := int(binary.BigEndian.Uint16(ch[off : off+2]))
	off += 2
	if csLen%2 != 0 || len(ch) < off+csLen {
		return fmt.Errorf("%w: cipher suites truncated", ErrParse)
	}
	res.CipherCount = csLen / 2
	off += csLen

	// compression_methods: 1-byte length + data
	if len(ch) < off+1 {
		return fmt.Errorf("%w: compression methods length truncated", ErrParse)
	}
	compLen := int(ch[off])
	off++
	if len(ch) < off+compLen {
		return fmt.Errorf("%w: compression methods truncated", ErrParse)
	}
	off += compLen

	// extensions are optional; their absence is a well-formed (if
	// unusual) ClientHello, not a parse error.
	if len(ch) == off {
		return nil
	}
	if len(ch) < off+2 {
		return fmt.Errorf("%w: extensions length truncated", ErrParse)
	}
	extLen := int(binary.BigEndian.Uint16(ch[off : off+2]))
	off += 2
	if len(ch) < off+extLen {
		return fmt.Errorf("%w: extensions truncated", ErrParse)
	}
	extEnd := off + extLen

	for off+4 <= extEnd {
		etype := binary.BigEndian.Uint16(ch[off : off+2])
		elen := int(binary.BigEndian.Uint16(ch[off+2 : off+4]))
		off += 4
		if off+elen > extEnd {
			return fmt.Errorf("%w: extension %d truncated", ErrParse, etype)
		}
		edata := ch[off : off+elen]
		off += elen

		switch etype {
		case extensionServerName:
			name, err := parseServerName(edata)
			if err != nil {
				return err
			}
			if name != "" && res.ServerName == "" {
				res.ServerName = name
			}
		case extensionEarlyData:
			res.EarlyData = true
		case extensionALPN:
			protos, err := parseALPN(edata)
			if err != nil {
				return err
			}
			res.ALPN = protos
		}
	}
	return nil
}

func parseServerName(edata []byte) (string, error) {
	if len(edata) < 2 {
		return "", fmt.Errorf("%w: server_name list length truncated", ErrParse)
	}
	listLen := int(binary.BigEndian.Uint16(edata[:2]))
	if len(edata) < 2+listLen {
		return "", fmt.Errorf("%w: server_name list truncated", ErrParse)
	}
	p := 2
	end := 2 + listLen
	for p+3 <= end {
		nameType := edata[p]
		nameLen := int(binary.BigEndian.Uint16(edata[p+1 : p+3]))
		p += 3
		if p+nameLen > end {
			return "", fmt.Errorf("%w: server_name entry truncated", ErrParse)
		}
		if nameType == nameTypeHost {
			name := edata[p : p+nameLen]
			if !isASCII(name) {
				return "", fmt.Errorf("%w: server_name is not ASCII", ErrParse)
			}
			return strings.ToLower(string(name)), nil
		}
		p += nameLen
	}
	return "", nil
}

func parseALPN(edata []byte) ([]string, error) {
	if len(edata) < 2 {
		return nil, fmt.Errorf("%w: alpn list length truncated", ErrParse)
	}
	listLen := int(binary.BigEndian.Uint16(edata[:2]))
	if len(edata) < 2+listLen {
		return nil, fmt.Errorf("%w: alpn list truncated", ErrParse)
	}
	var protos []string
	p := 2
	end := 2 + listLen
	for p < end {
		l := int(edata[p])
		p++
		if p+l > end {
			return nil, fmt.Errorf("%w: alpn entry truncated", ErrParse)
		}
		protos = append(protos, string(edata[p:p+l]))
		p += l
	}
	return protos, nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}
