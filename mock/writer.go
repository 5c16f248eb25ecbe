// Package mock provides an in-memory dns.ResponseWriter used by the DoH
// listener and by tests.
package mock

import (
	"net"
	"net/netip"

	"github.com/miekg/dns"
)

// Writer captures the message written to it.
type Writer struct {
	msg *dns.Msg

	proto string

	localAddr  net.Addr
	remoteAddr net.Addr
}

// NewWriter returns a writer for a client at addr ("ip:port"). proto is
// the transport reported to the chain: udp, tcp, dot or doh. Only udp
// answers are subject to truncation.
func NewWriter(proto, addr string) *Writer {
	w := &Writer{proto: proto}

	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		ap = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}

	if proto == "udp" {
		w.localAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53}
		w.remoteAddr = net.UDPAddrFromAddrPort(ap)
	} else {
		w.localAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53}
		w.remoteAddr = net.TCPAddrFromAddrPort(ap)
	}

	return w
}

// Rcode returns the rcode of the written message, SERVFAIL if none.
func (w *Writer) Rcode() int {
	if w.msg == nil {
		return dns.RcodeServerFailure
	}

	return w.msg.Rcode
}

// Msg returns the written message.
func (w *Writer) Msg() *dns.Msg {
	return w.msg
}

// Write unpacks b as the written message.
func (w *Writer) Write(b []byte) (int, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(b); err != nil {
		return 0, err
	}
	w.msg = msg
	return len(b), nil
}

// WriteMsg stores msg.
func (w *Writer) WriteMsg(msg *dns.Msg) error {
	w.msg = msg
	return nil
}

// Written reports whether a message was written.
func (w *Writer) Written() bool {
	return w.msg != nil
}

// RemoteIP returns the client address.
func (w *Writer) RemoteIP() net.IP {
	switch addr := w.remoteAddr.(type) {
	case *net.UDPAddr:
		return addr.IP
	case *net.TCPAddr:
		return addr.IP
	}
	return nil
}

// Proto returns the transport name.
func (w *Writer) Proto() string { return w.proto }

func (w *Writer) Close() error { return nil }

func (w *Writer) Hijack() {}

func (w *Writer) LocalAddr() net.Addr { return w.localAddr }

func (w *Writer) RemoteAddr() net.Addr { return w.remoteAddr }

func (w *Writer) TsigStatus() error { return nil }

func (w *Writer) TsigTimersOnly(bool) {}
