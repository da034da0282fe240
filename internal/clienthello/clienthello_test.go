package clienthello

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// buildClientHello assembles a single-record ClientHello with the given
// SNI and early-data flag, returning the raw bytes ready to feed to Parse.
func buildClientHello(t *testing.T, sni string, earlyData bool) []byte {
	t.Helper()
	var body bytes.Buffer
	body.Write([]byte{0x03, 0x03}) // legacy_version TLS1.2
	body.Write(bytes.Repeat([]byte{0x42}, 32)) // random
	body.WriteByte(0x00)                       // session_id length 0
	binary.Write(&body, binary.BigEndian, uint16(2))
	body.Write([]byte{0x13, 0x01}) // one cipher suite
	body.WriteByte(1)              // compression methods length
	body.WriteByte(0)              // null compression

	var exts bytes.Buffer
	if sni != "" {
		var sniBody bytes.Buffer
		var nameList bytes.Buffer
		nameList.WriteByte(0x00) // host_name
		binary.Write(&nameList, binary.BigEndian, uint16(len(sni)))
		nameList.WriteString(sni)
		binary.Write(&sniBody, binary.BigEndian, uint16(nameList.Len()))
		sniBody.Write(nameList.Bytes())

		binary.Write(&exts, binary.BigEndian, uint16(extensionServerName))
		binary.Write(&exts, binary.BigEndian, uint16(sniBody.Len()))
		exts.Write(sniBody.Bytes())
	}
	if earlyData {
		binary.Write(&exts, binary.BigEndian, uint16(extensionEarlyData))
		binary.Write(&exts, binary.BigEndian, uint16(0))
	}

	binary.Write(&body, binary.BigEndian, uint16(exts.Len()))
	body.Write(exts.Bytes())

	var hs bytes.Buffer
	hs.WriteByte(handshakeTypeClient)
	l := body.Len()
	hs.Write([]byte{byte(l >> 16), byte(l >> 8), byte(l)})
	hs.Write(body.Bytes())

	var rec bytes.Buffer
	rec.WriteByte(contentTypeHandshake)
	rec.Write([]byte{0x03, 0x01}) // record version
	binary.Write(&rec, binary.BigEndian, uint16(hs.Len()))
	rec.Write(hs.Bytes())
	return rec.Bytes()
}

func TestParse_SNIAndEarlyData(t *testing.T) {
	raw := buildClientHello(t, "example.com", true)
	res, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.ServerName != "example.com" {
		t.Errorf("ServerName = %q, want example.com", res.ServerName)
	}
	if !res.EarlyData {
		t.Errorf("EarlyData = false, want true")
	}
	if res.CipherCount != 1 {
		t.Errorf("CipherCount = %d, want 1", res.CipherCount)
	}
}

func TestParse_NoExtensions(t *testing.T) {
	raw := buildClientHello(t, "", false)
	res, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.ServerName != "" {
		t.Errorf("ServerName = %q, want empty", res.ServerName)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		sni   string
		early bool
	}{
		{"a.example", false},
		{"b.example", true},
		{"", true},
		{"", false},
	} {
		raw := buildClientHello(t, tc.sni, tc.early)
		res, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q,%v): %v", tc.sni, tc.early, err)
		}
		wantSNI := tc.sni
		if res.ServerName != wantSNI {
			t.Errorf("ServerName = %q, want %q", res.ServerName, wantSNI)
		}
		if res.EarlyData != tc.early {
			t.Errorf("EarlyData = %v, want %v", res.EarlyData, tc.early)
		}
	}
}

func TestParse_NotHandshakeContentType(t *testing.T) {
	data := []byte{0x17, 0x03, 0x03, 0x00, 0x01, 0x00} // application_data
	_, err := Parse(data)
	if err == nil {
		t.Fatal("expected parse error for non-handshake content type")
	}
}

func TestParse_TruncatedRecord(t *testing.T) {
	raw := buildClientHello(t, "example.com", false)
	truncated := raw[:len(raw)-5]
	_, err := Parse(truncated)
	if err == nil {
		t.Fatal("expected parse error for truncated record")
	}
}

func TestParse_OldRecordVersionRejected(t *testing.T) {
	raw := buildClientHello(t, "example.com", false)
	raw[1], raw[2] = 0x02, 0x00 // SSLv2-era, below 0x0301
	_, err := Parse(raw)
	if err == nil {
		t.Fatal("expected parse error for legacy record version below TLS 1.0")
	}
}

func TestParse_NonASCIIHostnameRejected(t *testing.T) {
	raw := buildClientHello(t, "example.com", false)
	// Flip a byte of the hostname into the high range.
	idx := bytes.LastIndex(raw, []byte("example.com"))
	if idx < 0 {
		t.Fatal("hostname not found in encoded record")
	}
	mutated := append([]byte(nil), raw...)
	mutated[idx] = 0xC3
	_, err := Parse(mutated)
	if err == nil {
		t.Fatal("expected parse error for non-ASCII hostname")
	}
}

func TestParse_Exactly2048BytesWithoutFullClientHello(t *testing.T) {
	data := make([]byte, MaxPrefix)
	data[0] = contentTypeHandshake
	data[1], data[2] = 0x03, 0x03
	binary.BigEndian.PutUint16(data[3:5], uint16(MaxPrefix-5+100)) // declares more than present
	_, err := Parse(data)
	if err == nil {
		t.Fatal("expected parse error for declared length exceeding buffer")
	}
}

func TestPeek_ZeroByteOnTimeoutIsNotAnError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	srv := <-accepted
	defer srv.Close()

	start := time.Now()
	data, err := Peek(srv)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected zero bytes, got %d", len(data))
	}
	if elapsed < ReadTimeout-50*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestPeek_ZeroByteNonTimeoutErrorPropagates(t *testing.T) {
	srv, client := net.Pipe()
	defer srv.Close()

	// An immediate FIN (client closes before sending anything) yields a
	// zero-byte, non-timeout error (io.EOF); unlike the timeout case this
	// must propagate so the caller closes the connection instead of
	// proceeding as if no prefix arrived.
	client.Close()

	data, err := Peek(srv)
	if err == nil {
		t.Fatal("expected a non-nil error for a zero-byte non-timeout read")
	}
	if isTimeout(err) {
		t.Fatalf("expected a non-timeout error, got %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected zero bytes, got %d", len(data))
	}
}

func TestPeek_ReturnsWhatArrivesBeforeDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	srv := <-accepted
	defer srv.Close()

	payload := []byte("hello")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := Peek(srv)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("data = %q, want %q", data, payload)
	}
}
