package doh

import (
	"strings"

	"github.com/miekg/dns"
)

// Question of a JSON answer.
type Question struct {
	Name   string `json:"name"`
	Qtype  uint16 `json:"type"`
	Qclass uint16 `json:"-"`
}

// RR is one record of a JSON answer. Data is the presentation format
// of the record data.
type RR struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

// Msg is the dns-json representation of a message.
type Msg struct {
	Status    int
	TC        bool
	RD        bool
	RA        bool
	AD        bool
	CD        bool
	Question  []Question
	Answer    []RR `json:",omitempty"`
	Authority []RR `json:",omitempty"`
}

// NewMsg converts m, nil for nil.
func NewMsg(m *dns.Msg) *Msg {
	if m == nil {
		return nil
	}

	msg := &Msg{
		Status:    m.Rcode,
		TC:        m.Truncated,
		RD:        m.RecursionDesired,
		RA:        m.RecursionAvailable,
		AD:        m.AuthenticatedData,
		CD:        m.CheckingDisabled,
		Question:  make([]Question, len(m.Question)),
		Answer:    make([]RR, len(m.Answer)),
		Authority: make([]RR, len(m.Ns)),
	}

	for i, q := range m.Question {
		msg.Question[i] = Question(q)
	}

	for i, rr := range m.Answer {
		msg.Answer[i] = newRR(rr)
	}

	for i, rr := range m.Ns {
		msg.Authority[i] = newRR(rr)
	}

	return msg
}

func newRR(rr dns.RR) RR {
	h := rr.Header()
	return RR{
		Name: h.Name,
		Type: h.Rrtype,
		TTL:  h.Ttl,
		Data: strings.TrimPrefix(rr.String(), h.String()),
	}
}
