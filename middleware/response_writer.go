package middleware

import (
	"errors"
	"net"

	"github.com/miekg/dns"
)

// ResponseWriter is the dns.ResponseWriter seen by handlers. It records
// the written message and the client transport.
type ResponseWriter interface {
	dns.ResponseWriter
	Msg() *dns.Msg
	Rcode() int
	Written() bool
	Reset(dns.ResponseWriter)
	Proto() string
	RemoteIP() net.IP
}

type protoWriter interface {
	Proto() string
}

type responseWriter struct {
	dns.ResponseWriter
	msg      *dns.Msg
	size     int
	rcode    int
	proto    string
	remoteip net.IP
}

var _ ResponseWriter = &responseWriter{}

var errAlreadyWritten = errors.New("msg already written")

func (w *responseWriter) Msg() *dns.Msg {
	return w.msg
}

func (w *responseWriter) Reset(rw dns.ResponseWriter) {
	w.ResponseWriter = rw
	w.size = -1
	w.msg = nil
	w.rcode = dns.RcodeSuccess
	w.proto = ""
	w.remoteip = nil

	switch addr := rw.RemoteAddr().(type) {
	case *net.TCPAddr:
		w.proto = "tcp"
		w.remoteip = addr.IP
	case *net.UDPAddr:
		w.proto = "udp"
		w.remoteip = addr.IP
	}

	if pw, ok := rw.(protoWriter); ok {
		w.proto = pw.Proto()
	}
}

func (w *responseWriter) RemoteIP() net.IP {
	return w.remoteip
}

func (w *responseWriter) Proto() string {
	return w.proto
}

func (w *responseWriter) Rcode() int {
	return w.rcode
}

func (w *responseWriter) Written() bool {
	return w.size != -1
}

func (w *responseWriter) Write(m []byte) (int, error) {
	if w.Written() {
		return 0, errAlreadyWritten
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(m); err != nil {
		return 0, err
	}
	w.msg = msg
	w.rcode = msg.Rcode

	n, err := w.ResponseWriter.Write(m)
	w.size = n
	return n, err
}

func (w *responseWriter) WriteMsg(m *dns.Msg) error {
	if w.Written() {
		return errAlreadyWritten
	}

	w.msg = m
	w.rcode = m.Rcode
	w.size = 0

	return w.ResponseWriter.WriteMsg(m)
}
