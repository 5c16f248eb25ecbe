package cache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
)

// snapshotMagic starts every snapshot file; the last byte is the format version.
var snapshotMagic = []byte("WDNSCACHE\x01")

// PersistError reports a failed snapshot save or load. It is never fatal:
// the cache stays usable.
type PersistError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// ErrCorrupt is wrapped by load errors on unreadable snapshots.
var ErrCorrupt = errors.New("corrupt snapshot")

type snapshotHeader struct {
	_     struct{} `cbor:",toarray"`
	Saved int64
	Count int
}

type record struct {
	_        struct{} `cbor:",toarray"`
	Name     string
	Qtype    uint16
	Qclass   uint16
	CD       bool
	Family   uint16
	Prefix   uint8
	Addr     []byte
	Msg      []byte
	Stored   int64
	TTL      int64
	Negative bool
	Group    string
	EDECode  uint16
	EDEText  string
	HasEDE   bool
}

func toRecord(e *entry) (record, error) {
	wire, err := e.msg.Pack()
	if err != nil {
		return record{}, err
	}

	r := record{
		Name:     e.key.Name,
		Qtype:    e.key.Qtype,
		Qclass:   e.key.Qclass,
		CD:       e.key.CD,
		Family:   e.key.Scope.Family,
		Prefix:   e.key.Scope.Prefix,
		Msg:      wire,
		Stored:   e.stored.UnixNano(),
		TTL:      int64(e.ttl),
		Negative: e.negative,
		Group:    e.group,
	}
	if e.key.Scope.Addr.IsValid() {
		r.Addr = e.key.Scope.Addr.AsSlice()
	}
	if e.ede != nil {
		r.HasEDE, r.EDECode, r.EDEText = true, e.ede.InfoCode, e.ede.ExtraText
	}

	return r, nil
}

func (r record) toEntry() (*entry, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(r.Msg); err != nil {
		return nil, err
	}

	key := Key{
		Name:   r.Name,
		Qtype:  r.Qtype,
		Qclass: r.Qclass,
		CD:     r.CD,
		Scope:  Scope{Family: r.Family, Prefix: r.Prefix},
	}
	if len(r.Addr) > 0 {
		addr, ok := netip.AddrFromSlice(r.Addr)
		if !ok {
			return nil, fmt.Errorf("bad scope address for %s", r.Name)
		}
		key.Scope.Addr = addr
	}

	e := &entry{
		key:      key,
		hash:     key.Hash(),
		msg:      msg,
		stored:   time.Unix(0, r.Stored),
		ttl:      time.Duration(r.TTL),
		negative: r.Negative,
		group:    r.Group,
	}
	if r.HasEDE {
		e.ede = &dns.EDNS0_EDE{InfoCode: r.EDECode, ExtraText: r.EDEText}
	}

	return e, nil
}

// Save writes up to maxItems entries, most recently used first, to path.
// A zero maxItems saves everything. The file is replaced atomically; a
// cancelled ctx aborts the save and leaves any previous snapshot intact.
func (c *Cache) Save(ctx context.Context, path string, maxItems int, skipExpired bool) (err error) {
	start := c.clock.Now()
	saved := 0

	defer func() {
		persistResult("save", err)
		if err != nil {
			err = &PersistError{Op: "save", Path: path, Err: err}
			return
		}
		zlog.Info("Cache snapshot saved", "path", path, "entries", saved, "duration", c.clock.Since(start).String())
	}()

	entries := c.entries()
	now := c.clock.Now()

	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if _, err = bw.Write(snapshotMagic); err != nil {
		return err
	}

	zw, err := zstd.NewWriter(bw)
	if err != nil {
		return err
	}

	records := make([]record, 0, len(entries))
	for _, e := range entries {
		if maxItems > 0 && len(records) >= maxItems {
			break
		}
		if skipExpired && now.Sub(e.stored) >= e.ttl {
			continue
		}

		r, perr := toRecord(e)
		if perr != nil {
			zlog.Debug("Cache entry not saved", "key", e.key.String(), "error", perr.Error())
			continue
		}
		records = append(records, r)
	}

	enc := cbor.NewEncoder(zw)
	if err = enc.Encode(snapshotHeader{Saved: now.UnixNano(), Count: len(records)}); err != nil {
		_ = zw.Close()
		return err
	}

	for i := range records {
		if err = ctx.Err(); err != nil {
			_ = zw.Close()
			return err
		}
		if err = enc.Encode(records[i]); err != nil {
			_ = zw.Close()
			return err
		}
	}

	if err = zw.Close(); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}

	saved = len(records)

	return nil
}

// Load reads a snapshot written by Save and returns the number of entries
// inserted. With skipExpired, entries whose lifetime ended before now are
// dropped. A missing or unreadable file leaves the cache unchanged.
func (c *Cache) Load(path string, skipExpired bool) (n int, err error) {
	defer func() {
		persistResult("load", err)
		if err != nil {
			err = &PersistError{Op: "load", Path: path, Err: err}
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	if !bytes.HasPrefix(data, snapshotMagic) {
		return 0, fmt.Errorf("%w: bad header", ErrCorrupt)
	}

	zr, err := zstd.NewReader(bytes.NewReader(data[len(snapshotMagic):]))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer zr.Close()

	dec := cbor.NewDecoder(zr)

	var hdr snapshotHeader
	if err = dec.Decode(&hdr); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	entries := make([]*entry, 0, hdr.Count)
	for {
		var r record
		if err = dec.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}

		e, terr := r.toEntry()
		if terr != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorrupt, terr)
		}
		entries = append(entries, e)
	}
	err = nil

	if len(entries) != hdr.Count {
		return 0, fmt.Errorf("%w: expected %d entries, found %d", ErrCorrupt, hdr.Count, len(entries))
	}

	now := c.clock.Now()

	// oldest first so the saved recency order is restored
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if skipExpired && now.Sub(e.stored) >= e.ttl {
			continue
		}
		c.insert(e)
		n++
	}

	zlog.Info("Cache snapshot loaded", "path", path, "entries", n, "saved", time.Unix(0, hdr.Saved).String())

	return n, nil
}
