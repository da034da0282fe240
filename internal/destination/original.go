// Package destination recovers the pre-redirection destination of a
// socket that the host's packet filter transparently redirected to us.
package destination

import (
	"errors"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrNoRedirection is returned when neither the IPv4 nor the IPv6
// original-destination query succeeds on the given socket.
var ErrNoRedirection = errors.New("destination: socket carries no redirection record")

// soOriginalDst is the netfilter socket option used to recover the
// pre-DNAT address. The value is shared by SO_ORIGINAL_DST (IPv4,
// SOL_IP) and IP6T_SO_ORIGINAL_DST (IPv6, SOL_IPV6); it is not exposed
// by golang.org/x/sys/unix since it is a netfilter extension rather
// than a core socket option.
const soOriginalDst = 80

// sockaddrIn mirrors struct sockaddr_in.
type sockaddrIn struct {
	family uint16
	port   uint16 // network byte order
	addr   [4]byte
	zero   [8]byte
}

// sockaddrIn6 mirrors struct sockaddr_in6.
type sockaddrIn6 struct {
	family   uint16
	port     uint16 // network byte order
	flowinfo uint32
	addr     [16]byte
	scopeID  uint32
}

// Original returns the destination the client originally dialed before
// the host's NAT rewrote it to point at our listener. conn must wrap a
// *net.TCPConn (anything else is rejected outright, since the redirect
// table is keyed by an actual kernel socket's 4-tuple).
//
// The socket family used for the query is chosen by inspecting conn's
// local address, not tried unconditionally v4-then-v6: a v6 socket
// queried with the v4 option (or vice versa) reliably fails, so probing
// the wrong family first only wastes a syscall.
func Original(conn net.Conn) (*net.TCPAddr, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("destination: %w", ErrNoRedirection)
	}

	local, _ := conn.LocalAddr().(*net.TCPAddr)
	preferV4 := local == nil || local.IP.To4() != nil

	first, second := originalDest6, originalDest4
	if preferV4 {
		first, second = originalDest4, originalDest6
	}

	if addr, err := first(tc); err == nil {
		return addr, nil
	}
	if addr, err := second(tc); err == nil {
		return addr, nil
	}
	return nil, fmt.Errorf("destination: %w", ErrNoRedirection)
}

func withRawFd(tc *net.TCPConn, fn func(fd int) error) error {
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	ctlErr := raw.Control(func(fd uintptr) {
		opErr = fn(int(fd))
	})
	if ctlErr != nil {
		return ctlErr
	}
	return opErr
}

func getsockopt(fd, level, name int, val unsafe.Pointer, size *uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(size)),
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// originalDest4 issues the IPv4 SO_ORIGINAL_DST getsockopt.
func originalDest4(tc *net.TCPConn) (*net.TCPAddr, error) {
	var addr *net.TCPAddr
	err := withRawFd(tc, func(fd int) error {
		var sin sockaddrIn
		size := uint32(unsafe.Sizeof(sin))
		if err := getsockopt(fd, unix.IPPROTO_IP, soOriginalDst, unsafe.Pointer(&sin), &size); err != nil {
			return err
		}
		port := int(sin.port&0xFF)<<8 | int(sin.port&0xFF00)>>8
		addr = &net.TCPAddr{IP: net.IPv4(sin.addr[0], sin.addr[1], sin.addr[2], sin.addr[3]), Port: port}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return addr, nil
}

// originalDest6 issues the IPv6 IP6T_SO_ORIGINAL_DST getsockopt.
func originalDest6(tc *net.TCPConn) (*net.TCPAddr, error) {
	var addr *net.TCPAddr
	err := withRawFd(tc, func(fd int) error {
		var sin6 sockaddrIn6
		size := uint32(unsafe.Sizeof(sin6))
		if err := getsockopt(fd, unix.IPPROTO_IPV6, soOriginalDst, unsafe.Pointer(&sin6), &size); err != nil {
			return err
		}
		port := int(sin6.port&0xFF)<<8 | int(sin6.port&0xFF00)>>8
		ip := make(net.IP, net.IPv6len)
		copy(ip, sin6.addr[:])
		addr = &net.TCPAddr{IP: ip, Port: port, Zone: zoneForScope(sin6.scopeID)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return addr, nil
}

func zoneForScope(scopeID uint32) string {
	if scopeID == 0 {
		return ""
	}
	if ifi, err := net.InterfaceByIndex(int(scopeID)); err == nil {
		return ifi.Name
	}
	return ""
}
