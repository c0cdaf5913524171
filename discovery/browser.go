package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/ruteri/supersign/common"
)

// ServiceType is the service network-reachable devices advertise.
const ServiceType = "_apple-mobdev2._tcp.local."

// DefaultTimeout bounds how long a browse collects answers.
const DefaultTimeout = 2 * time.Second

var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// Service is one advertised device. The instance name of these services starts with
// the device's Wi-Fi MAC address.
type Service struct {
	Instance string
	MAC      string
	Host     string
	Port     uint16
	Addrs    []net.IP
}

// Browser finds devices advertising ServiceType with multicast DNS.
type Browser struct {
	Timeout time.Duration
	log     *slog.Logger
}

func NewBrowser(log *slog.Logger) *Browser {
	if log == nil {
		log = common.DiscardLogger()
	}
	return &Browser{Timeout: DefaultTimeout, log: log}
}

// Browse sends one query and collects answers until the timeout or ctx expires.
func (b *Browser) Browse(ctx context.Context) ([]Service, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket: %w", err)
	}
	defer conn.Close()

	query := new(dns.Msg)
	query.SetQuestion(ServiceType, dns.TypePTR)
	query.RecursionDesired = false
	packed, err := query.Pack()
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP(packed, mdnsGroup); err != nil {
		return nil, fmt.Errorf("failed to send query: %w", err)
	}

	deadline := time.Now().Add(b.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	c := newCollector()
	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			return nil, err
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			b.log.Debug("Ignoring malformed response", "err", err)
			continue
		}
		c.add(msg)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.services(), nil
}

type collector struct {
	instances map[string]*Service
	targets   map[string][]net.IP
}

func newCollector() *collector {
	return &collector{
		instances: make(map[string]*Service),
		targets:   make(map[string][]net.IP),
	}
}

func (c *collector) instance(name string) *Service {
	s, ok := c.instances[name]
	if !ok {
		s = &Service{Instance: name, MAC: macFromInstance(name)}
		c.instances[name] = s
	}
	return s
}

func (c *collector) add(msg *dns.Msg) {
	records := append(append([]dns.RR{}, msg.Answer...), msg.Extra...)
	for _, rr := range records {
		switch rr := rr.(type) {
		case *dns.PTR:
			if strings.EqualFold(rr.Hdr.Name, ServiceType) {
				c.instance(rr.Ptr)
			}
		case *dns.SRV:
			if strings.HasSuffix(strings.ToLower(rr.Hdr.Name), ServiceType) {
				s := c.instance(rr.Hdr.Name)
				s.Host = rr.Target
				s.Port = rr.Port
			}
		case *dns.A:
			c.targets[rr.Hdr.Name] = appendIP(c.targets[rr.Hdr.Name], rr.A)
		case *dns.AAAA:
			c.targets[rr.Hdr.Name] = appendIP(c.targets[rr.Hdr.Name], rr.AAAA)
		}
	}
}

func appendIP(ips []net.IP, ip net.IP) []net.IP {
	for _, existing := range ips {
		if existing.Equal(ip) {
			return ips
		}
	}
	return append(ips, ip)
}

func (c *collector) services() []Service {
	out := make([]Service, 0, len(c.instances))
	for _, s := range c.instances {
		svc := *s
		svc.Addrs = c.targets[s.Host]
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// macFromInstance returns the MAC address an instance name starts with, for names
// of the form "aa:bb:cc:dd:ee:ff@fe80::1._apple-mobdev2._tcp.local.". Unpacked names
// carry the separator escaped as "\@".
func macFromInstance(instance string) string {
	label := strings.TrimSuffix(instance, "."+ServiceType)
	label = strings.ReplaceAll(label, `\@`, "@")
	mac, _, found := strings.Cut(label, "@")
	if !found {
		return ""
	}
	if _, err := net.ParseMAC(mac); err != nil {
		return ""
	}
	return strings.ToLower(mac)
}
