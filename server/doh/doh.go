// Package doh serves DNS over HTTPS (RFC 8484) and the JSON query API.
package doh

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

const (
	minMsgHeaderSize = 12
	maxMsgSize       = dns.MaxMsgSize

	// MediaType is the RFC 8484 wire format content type.
	MediaType = "application/dns-message"
)

// Handle answers a query. A nil answer means the query was dropped.
type Handle func(*dns.Msg) *dns.Msg

// HandleWireFormat serves GET ?dns= and POST application/dns-message.
func HandleWireFormat(handle Handle) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			buf []byte
			err error
		)

		switch r.Method {
		case http.MethodGet:
			buf, err = base64.RawURLEncoding.DecodeString(r.URL.Query().Get("dns"))
			if len(buf) == 0 || err != nil {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
		case http.MethodPost:
			if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, MediaType) {
				http.Error(w, http.StatusText(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType)
				return
			}

			buf, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxMsgSize))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
					return
				}
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		if len(buf) < minMsgHeaderSize {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		req := new(dns.Msg)
		if err := req.Unpack(buf); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		msg := handle(req)
		if msg == nil {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		packed, err := msg.Pack()
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", MediaType)
		setCacheControl(w, msg)

		_, _ = w.Write(packed)
	}
}

// HandleJSON serves GET ?name=&type= in the dns-json format.
func HandleJSON(handle Handle) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		name := query.Get("name")
		if name == "" {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		name = dns.Fqdn(name)

		qtype := ParseQTYPE(query.Get("type"))
		if qtype == dns.TypeNone {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		req := new(dns.Msg)
		req.SetQuestion(name, qtype)
		req.AuthenticatedData = true
		req.CheckingDisabled = query.Get("cd") == "true" || query.Get("cd") == "1"
		req.SetEdns0(dns.DefaultMsgSize, query.Get("do") == "true" || query.Get("do") == "1")

		msg := handle(req)
		if msg == nil {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		data, err := json.Marshal(NewMsg(msg))
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		if strings.Contains(r.Header.Get("Accept"), "text/html") {
			w.Header().Set("Content-Type", "application/x-javascript")
		} else {
			w.Header().Set("Content-Type", "application/dns-json")
		}
		setCacheControl(w, msg)

		_, _ = w.Write(data)
	}
}

// Handler picks the JSON API for GET requests without a dns parameter.
func Handler(handle Handle) http.HandlerFunc {
	wire, js := HandleWireFormat(handle), HandleJSON(handle)

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Query().Get("dns") == "" && r.URL.Query().Get("name") != "" {
			js(w, r)
			return
		}
		wire(w, r)
	}
}

// setCacheControl advertises the smallest record TTL of the answer.
func setCacheControl(w http.ResponseWriter, msg *dns.Msg) {
	var (
		min   uint32
		found bool
	)

	for _, section := range [][]dns.RR{msg.Answer, msg.Ns} {
		for _, rr := range section {
			if ttl := rr.Header().Ttl; !found || ttl < min {
				min, found = ttl, true
			}
		}
	}

	if found {
		w.Header().Set("Cache-Control", "max-age="+strconv.FormatUint(uint64(min), 10))
	}
}

// ParseQTYPE parses a type mnemonic or number. Empty means A.
func ParseQTYPE(s string) uint16 {
	if s == "" {
		return dns.TypeA
	}

	if v, err := strconv.ParseUint(s, 10, 16); err == nil {
		return uint16(v)
	}

	s = strings.ToUpper(s)
	if v, ok := dns.StringToType[s]; ok {
		return v
	}

	if rest, ok := strings.CutPrefix(s, "TYPE"); ok {
		if v, err := strconv.ParseUint(rest, 10, 16); err == nil {
			return uint16(v)
		}
	}

	return dns.TypeNone
}
