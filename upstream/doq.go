package upstream

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/xlh001/oxide-wdns/view"
)

// doqALPN is the RFC 9250 protocol identifier.
const doqALPN = "doq"

// doqTransport sends one query per stream on a shared QUIC connection.
type doqTransport struct {
	addr string
	tls  *tls.Config
	conf *quic.Config

	mu   sync.Mutex
	conn *quic.Conn
}

func newDoQTransport(ep view.Endpoint, tlsConfig *tls.Config) *doqTransport {
	return &doqTransport{
		addr: ep.Address,
		tls:  tlsFor(tlsConfig, ep.ServerName, doqALPN),
		conf: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 15 * time.Second,
		},
	}
}

func (t *doqTransport) connection(ctx context.Context) (*quic.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		select {
		case <-t.conn.Context().Done():
			t.conn = nil
		default:
			return t.conn, nil
		}
	}

	conn, err := quic.DialAddr(ctx, t.addr, t.tls, t.conf)
	if err != nil {
		return nil, err
	}
	t.conn = conn

	return conn, nil
}

func (t *doqTransport) reset(conn *quic.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == conn {
		_ = conn.CloseWithError(0, "")
		t.conn = nil
	}
}

func (t *doqTransport) Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	conn, err := t.connection(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := t.exchange(ctx, conn, m)
	if err != nil && ctx.Err() == nil {
		// stale connection; the next attempt dials again
		t.reset(conn)
	}

	return resp, err
}

func (t *doqTransport) exchange(ctx context.Context, conn *quic.Conn, m *dns.Msg) (*dns.Msg, error) {
	id := m.Id
	m.Id = 0
	buf, err := m.Pack()
	m.Id = id
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.CancelRead(0)

	if err := stream.SetDeadline(deadline(ctx, 5*time.Second)); err != nil {
		return nil, err
	}

	out := make([]byte, 2+len(buf))
	binary.BigEndian.PutUint16(out, uint16(len(buf)))
	copy(out[2:], buf)

	if _, err := stream.Write(out); err != nil {
		return nil, err
	}
	// the client signals the end of the query by closing its side
	if err := stream.Close(); err != nil {
		return nil, err
	}

	var length uint16
	if err := binary.Read(stream, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("doq: read length: %w", err)
	}

	p := make([]byte, length)
	if _, err := io.ReadFull(stream, p); err != nil {
		return nil, fmt.Errorf("doq: read answer: %w", err)
	}

	r := new(dns.Msg)
	if err := r.Unpack(p); err != nil {
		return nil, fmt.Errorf("doq: bad answer: %w", err)
	}
	r.Id = id

	return r, nil
}

func (t *doqTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		err := t.conn.CloseWithError(0, "")
		t.conn = nil
		return err
	}
	return nil
}
