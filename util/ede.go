package util

import (
	"context"
	"errors"
	"net"

	"github.com/miekg/dns"
)

// SetEDE adds an Extended DNS Error to the response
func SetEDE(msg *dns.Msg, code uint16, extraText string) {
	opt := msg.IsEdns0()
	if opt == nil {
		return // No EDNS0 support, skip EDE
	}

	opt.Option = append(opt.Option, &dns.EDNS0_EDE{
		InfoCode:  code,
		ExtraText: extraText,
	})
}

// GetEDE extracts Extended DNS Error from a message if present
func GetEDE(msg *dns.Msg) *dns.EDNS0_EDE {
	opt := msg.IsEdns0()
	if opt == nil {
		return nil
	}

	for _, option := range opt.Option {
		if ede, ok := option.(*dns.EDNS0_EDE); ok {
			return ede
		}
	}
	return nil
}

// SetRcodeWithEDE returns message with specified rcode and Extended DNS Error
func SetRcodeWithEDE(req *dns.Msg, rcode int, do bool, edeCode uint16, extraText string) *dns.Msg {
	m := SetRcode(req, rcode, do)
	SetEDE(m, edeCode, extraText)
	return m
}

// ErrorToEDE maps an error to an Extended DNS Error code.
func ErrorToEDE(err error) (uint16, string) {
	if err == nil {
		return dns.ExtendedErrorCodeOther, ""
	}

	type eder interface {
		EDECode() uint16
	}

	var ve eder
	if errors.As(err, &ve) && ve.EDECode() != 0 {
		return ve.EDECode(), err.Error()
	}

	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &nerr):
		return dns.ExtendedErrorCodeNetworkError, "Network error"
	default:
		return dns.ExtendedErrorCodeOther, ""
	}
}
