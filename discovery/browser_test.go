package discovery

import (
	"net"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const instance = "AA:BB:CC:DD:EE:FF@fe80::1._apple-mobdev2._tcp.local."

func header(name string, rrtype uint16) dns.RR_Header {
	return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: 10}
}

func TestCollector(t *testing.T) {
	answer := new(dns.Msg)
	answer.Response = true
	answer.Answer = []dns.RR{
		&dns.PTR{Hdr: header(ServiceType, dns.TypePTR), Ptr: instance},
		&dns.PTR{Hdr: header("_services._dns-sd._udp.local.", dns.TypePTR), Ptr: ServiceType},
	}
	answer.Extra = []dns.RR{
		&dns.SRV{Hdr: header(instance, dns.TypeSRV), Port: 32498, Target: "iphone.local."},
		&dns.A{Hdr: header("iphone.local.", dns.TypeA), A: net.ParseIP("192.168.1.20").To4()},
		&dns.AAAA{Hdr: header("iphone.local.", dns.TypeAAAA), AAAA: net.ParseIP("fe80::1")},
	}

	// Round-trip through the wire format like a real response.
	packed, err := answer.Pack()
	require.NoError(t, err)
	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(packed))

	c := newCollector()
	c.add(msg)
	c.add(msg)

	services := c.services()
	require.Len(t, services, 1)
	svc := services[0]
	assert.True(t, strings.HasSuffix(svc.Instance, ServiceType))
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", svc.MAC)
	assert.Equal(t, "iphone.local.", svc.Host)
	assert.Equal(t, uint16(32498), svc.Port)
	require.Len(t, svc.Addrs, 2)
	assert.True(t, svc.Addrs[0].Equal(net.ParseIP("192.168.1.20")))
}

func TestCollector_PTROnly(t *testing.T) {
	msg := new(dns.Msg)
	msg.Answer = []dns.RR{
		&dns.PTR{Hdr: header(ServiceType, dns.TypePTR), Ptr: "other." + ServiceType},
	}

	c := newCollector()
	c.add(msg)

	services := c.services()
	require.Len(t, services, 1)
	assert.Empty(t, services[0].MAC)
	assert.Empty(t, services[0].Host)
	assert.Nil(t, services[0].Addrs)
}

func TestMACFromInstance(t *testing.T) {
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", macFromInstance(instance))
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", macFromInstance(`AA:BB:CC:DD:EE:FF\@fe80::1.`+ServiceType))
	assert.Empty(t, macFromInstance("nomac."+ServiceType))
	assert.Empty(t, macFromInstance("zz@fe80::1."+ServiceType))
}

func TestNewBrowser(t *testing.T) {
	b := NewBrowser(nil)
	assert.Equal(t, DefaultTimeout, b.Timeout)
	assert.NotNil(t, b.log)
}
