package mock

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Writer(t *testing.T) {
	mw := NewWriter("udp", "127.0.0.1:0")

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	err := mw.WriteMsg(m)

	assert.NoError(t, err)
	assert.True(t, mw.Written())
	assert.Equal(t, dns.RcodeSuccess, mw.Rcode())
	assert.NotNil(t, mw.Msg())
	assert.Equal(t, "127.0.0.1:53", mw.LocalAddr().String())
	assert.Equal(t, "127.0.0.1:0", mw.RemoteAddr().String())
	assert.Nil(t, mw.Close())
	assert.Nil(t, mw.TsigStatus())

	mw = NewWriter("tcp", "127.0.0.1:0")
	assert.False(t, mw.Written())
	assert.Equal(t, dns.RcodeServerFailure, mw.Rcode())

	assert.Equal(t, "tcp", mw.Proto())
	assert.Equal(t, "127.0.0.1", mw.RemoteIP().String())

	_, err = mw.Write([]byte{})
	assert.Error(t, err)
	assert.False(t, mw.Written())

	data, err := m.Pack()
	require.NoError(t, err)
	_, err = mw.Write(data)
	assert.NoError(t, err)
	assert.True(t, mw.Written())
	assert.Equal(t, dns.RcodeSuccess, mw.Rcode())
}

func Test_WriterAddresses(t *testing.T) {
	mw := NewWriter("doh", "[2001:db8::1]:443")
	assert.Equal(t, "doh", mw.Proto())
	assert.Equal(t, "2001:db8::1", mw.RemoteIP().String())

	mw = NewWriter("udp", "not-an-address")
	assert.Equal(t, "0.0.0.0", mw.RemoteIP().String())
}
