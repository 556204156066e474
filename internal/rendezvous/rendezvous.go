// Package rendezvous finds the other peers of a room.
//
// A Dialer reaches one discovery endpoint. A Link is a live registration on
// that endpoint: it carries this peer's Announcement out and other peers'
// announcements in. Peers then open channels to each other directly using
// the advertised address.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Announcement tells a room where a peer accepts channels.
type Announcement struct {
	Peer string `json:"peer"`
	Room string `json:"room"`
	Addr string `json:"addr,omitempty"`
}

func (a Announcement) validate() error {
	if a.Peer == "" || a.Room == "" {
		return fmt.Errorf("%w: announcement needs peer and room", ErrMalformed)
	}
	return nil
}

func decodeAnnouncement(b []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(b, &a); err != nil {
		return Announcement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return a, a.validate()
}

var (
	ErrMalformed = errors.New("malformed announcement")
	// ErrUnreachable is returned by Policy.Connect when no endpoint answered.
	ErrUnreachable = errors.New("no rendezvous endpoint reachable")
	ErrBadEndpoint = errors.New("unsupported rendezvous endpoint")
	errLinkClosed  = errors.New("link closed")
)

// announceBacklog is how many unread announcements a link holds before it
// drops new ones. Peers re-announce on every heartbeat.
const announceBacklog = 32

// Link is a live registration with one endpoint.
type Link interface {
	// Announcements yields other peers of the room. It is closed when the
	// link goes down.
	Announcements() <-chan Announcement
	// Announce (re)publishes this peer.
	Announce(ctx context.Context, a Announcement) error
	// Done is closed when the link goes down; Err then reports why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens links to one endpoint.
type Dialer interface {
	Dial(ctx context.Context, self Announcement) (Link, error)
	String() string
}

// MDNSEndpoint selects LAN discovery instead of a signaling server.
const MDNSEndpoint = "mdns:"

// DefaultEndpoints is the fallback order used when none is configured: the
// public signaling servers first, then the local network.
var DefaultEndpoints = []string{
	"wss://signaling.yjs.dev",
	"wss://y-webrtc-signaling-eu.herokuapp.com",
	"wss://y-webrtc-signaling-us.herokuapp.com",
	MDNSEndpoint,
}

// ParseEndpoints builds dialers for endpoints, keeping their order.
func ParseEndpoints(endpoints []string, log zerolog.Logger) ([]Dialer, error) {
	dialers := make([]Dialer, 0, len(endpoints))
	for _, raw := range endpoints {
		raw = strings.TrimSpace(raw)
		if raw == MDNSEndpoint {
			dialers = append(dialers, NewMDNSDialer(log))
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadEndpoint, raw)
		}
		dialers = append(dialers, NewSignalingDialer(raw, log))
	}
	return dialers, nil
}

// Policy tries dialers in order until one links.
type Policy struct {
	Dialers []Dialer
	// EndpointTimeout bounds each attempt.
	EndpointTimeout time.Duration
	Log             zerolog.Logger
}

// Connect returns the first link that comes up, and the dialer that made
// it. When every endpoint fails the error wraps ErrUnreachable and each
// endpoint's error.
func (p Policy) Connect(ctx context.Context, self Announcement) (Link, Dialer, error) {
	if err := self.validate(); err != nil {
		return nil, nil, err
	}
	errs := []error{ErrUnreachable}
	for _, d := range p.Dialers {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		link, err := p.attempt(ctx, d, self)
		if err == nil {
			p.Log.Info().Str("endpoint", d.String()).Str("room", self.Room).Msg("rendezvous linked")
			return link, d, nil
		}
		p.Log.Debug().Err(err).Str("endpoint", d.String()).Msg("rendezvous endpoint failed")
		errs = append(errs, fmt.Errorf("%s: %w", d, err))
	}
	return nil, nil, errors.Join(errs...)
}

func (p Policy) attempt(ctx context.Context, d Dialer, self Announcement) (Link, error) {
	if p.EndpointTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.EndpointTimeout)
		defer cancel()
	}
	return d.Dial(ctx, self)
}
