package rendezvous

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	mdnsService = "_schlopping._tcp"
	mdnsDomain  = "local."
)

// MDNSDialer registers this peer on the local network and browses for the
// rest of the room.
type MDNSDialer struct {
	service string
	log     zerolog.Logger
}

func NewMDNSDialer(log zerolog.Logger) *MDNSDialer {
	return &MDNSDialer{
		service: mdnsService,
		log:     log.With().Str("endpoint", MDNSEndpoint).Logger(),
	}
}

func (d *MDNSDialer) String() string { return MDNSEndpoint }

func (d *MDNSDialer) Dial(ctx context.Context, self Announcement) (Link, error) {
	port, err := advertisedPort(self.Addr)
	if err != nil {
		return nil, err
	}
	server, err := zeroconf.Register(self.Peer, d.service, mdnsDomain, port, txtRecords(self), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	browseCtx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(browseCtx, d.service, mdnsDomain, entries); err != nil {
		cancel()
		server.Shutdown()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	if err := ctx.Err(); err != nil {
		cancel()
		server.Shutdown()
		return nil, err
	}

	l := &mdnsLink{
		linkState: newLinkState(self),
		server:    server,
		cancel:    cancel,
		log:       d.log,
	}
	go l.consume(entries)
	d.log.Info().Str("service", d.service).Int("port", port).Msg("mdns registered")
	return l, nil
}

type mdnsLink struct {
	*linkState
	server *zeroconf.Server
	cancel context.CancelFunc
	log    zerolog.Logger
}

func (l *mdnsLink) Announce(_ context.Context, a Announcement) error {
	l.server.SetText(txtRecords(a))
	return nil
}

func (l *mdnsLink) Close() error {
	l.fail(errLinkClosed)
	l.cancel()
	l.server.Shutdown()
	return nil
}

func (l *mdnsLink) consume(entries <-chan *zeroconf.ServiceEntry) {
	for e := range entries {
		a, err := announcementFromEntry(e)
		if err != nil {
			l.log.Debug().Err(err).Str("instance", e.Instance).Msg("ignored mdns entry")
			continue
		}
		l.offer(a)
	}
	l.fail(errLinkClosed)
}

func txtRecords(a Announcement) []string {
	return []string{"room=" + a.Room, "peer=" + a.Peer, "addr=" + a.Addr}
}

func parseTXT(txt []string) Announcement {
	var a Announcement
	for _, kv := range txt {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "room":
			a.Room = v
		case "peer":
			a.Peer = v
		case "addr":
			a.Addr = v
		}
	}
	return a
}

// announcementFromEntry reads the TXT records. An advertised address on an
// unspecified or loopback host is replaced by the address the entry
// resolved to.
func announcementFromEntry(e *zeroconf.ServiceEntry) (Announcement, error) {
	a := parseTXT(e.Text)
	if err := a.validate(); err != nil {
		return a, err
	}
	var ip net.IP
	if len(e.AddrIPv4) > 0 {
		ip = e.AddrIPv4[0]
	} else if len(e.AddrIPv6) > 0 {
		ip = e.AddrIPv6[0]
	}
	a.Addr = reachableAddr(a.Addr, ip, e.Port)
	return a, nil
}

func reachableAddr(addr string, ip net.IP, port int) string {
	u, err := url.Parse(addr)
	if addr == "" || err != nil || u.Host == "" {
		if ip == nil {
			return addr
		}
		return (&url.URL{Scheme: "ws", Host: net.JoinHostPort(ip.String(), strconv.Itoa(port)), Path: "/peer"}).String()
	}
	host := u.Hostname()
	if ip != nil && (host == "" || host == "localhost" || net.ParseIP(host).IsUnspecified() || net.ParseIP(host).IsLoopback()) {
		p := u.Port()
		if p == "" {
			p = strconv.Itoa(port)
		}
		u.Host = net.JoinHostPort(ip.String(), p)
	}
	return u.String()
}

func advertisedPort(addr string) (int, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Port() == "" {
		return 0, fmt.Errorf("mdns needs an advertise address with a port, got %q", addr)
	}
	return strconv.Atoi(u.Port())
}
