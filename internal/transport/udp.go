// Package transport delivers encoded responses over UDP.
//
// Responses to requests that arrived through a forwarder are wrapped in a
// forwarding envelope and sent to the forwarder, which unwraps them and
// relays the payload to the original requester:
//
//	"CVFW" | ipLen(1) | ip(4 or 16) | port(2, big-endian) | payload
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logger"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

var envelopeMagic = []byte("CVFW")

// Errors returned by the sender.
var (
	ErrClosed           = errors.New("transport closed")
	ErrInvalidPort      = errors.New("invalid destination port")
	ErrMalformedForward = errors.New("malformed forwarding envelope")
)

// UDPSender implements types.Transport over a single unconnected UDP socket.
type UDPSender struct {
	mu        sync.Mutex
	conn      *net.UDPConn
	forwarder *net.UDPAddr
	resolver  *net.Resolver
	logger    types.Logger
}

var _ types.Transport = (*UDPSender)(nil)

// Option configures a UDPSender.
type Option func(*UDPSender)

// WithForwarder routes forwarded responses through host:port.
func WithForwarder(addr *net.UDPAddr) Option {
	return func(s *UDPSender) { s.forwarder = addr }
}

// WithLogger sets the sender logger.
func WithLogger(l types.Logger) Option {
	return func(s *UDPSender) { s.logger = l }
}

// NewUDPSender opens a UDP socket on an ephemeral local port.
//
// Example:
//
//	fwd, _ := net.ResolveUDPAddr("udp", "127.0.0.1:46761")
//	tr, err := transport.NewUDPSender(transport.WithForwarder(fwd))
//	defer tr.Close()
func NewUDPSender(opts ...Option) (*UDPSender, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open udp socket: %w", err)
	}

	s := &UDPSender{conn: conn, resolver: net.DefaultResolver}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrNop(s.logger)

	return s, nil
}

// Send delivers payload to host:port, or to the forwarder when viaForwarder
// is set and a forwarder is configured.
func (s *UDPSender) Send(ctx context.Context, host string, port int, payload []byte, viaForwarder bool) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	dest, err := s.resolve(ctx, host, port)
	if err != nil {
		return err
	}

	target := net.UDPAddrFromAddrPort(dest)
	packet := payload
	if viaForwarder && s.forwarder != nil {
		packet = WrapForward(dest, payload)
		target = s.forwarder
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}

	if _, err := conn.WriteToUDP(packet, target); err != nil {
		return fmt.Errorf("send to %s: %w", target, err)
	}

	s.logger.Debug("response sent", "target", target.String(), "bytes", len(packet), "forwarded", target == s.forwarder)

	return nil
}

// Close releases the socket.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil

	return err
}

func (s *UDPSender) resolve(ctx context.Context, host string, port int) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil //nolint:gosec // port range checked by caller
	}

	addrs, err := s.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: no addresses", host)
	}

	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(port)), nil //nolint:gosec // port range checked by caller
}

// WrapForward builds a forwarding envelope addressed to dest.
func WrapForward(dest netip.AddrPort, payload []byte) []byte {
	ip := dest.Addr().AsSlice()

	out := make([]byte, 0, len(envelopeMagic)+1+len(ip)+2+len(payload))
	out = append(out, envelopeMagic...)
	out = append(out, byte(len(ip)))
	out = append(out, ip...)
	out = binary.BigEndian.AppendUint16(out, dest.Port())
	out = append(out, payload...)

	return out
}

// UnwrapForward parses a forwarding envelope.
func UnwrapForward(packet []byte) (netip.AddrPort, []byte, error) {
	if len(packet) < len(envelopeMagic)+1 || string(packet[:len(envelopeMagic)]) != string(envelopeMagic) {
		return netip.AddrPort{}, nil, ErrMalformedForward
	}

	rest := packet[len(envelopeMagic):]
	ipLen := int(rest[0])
	if (ipLen != 4 && ipLen != 16) || len(rest) < 1+ipLen+2 {
		return netip.AddrPort{}, nil, ErrMalformedForward
	}

	addr, ok := netip.AddrFromSlice(rest[1 : 1+ipLen])
	if !ok {
		return netip.AddrPort{}, nil, ErrMalformedForward
	}
	port := binary.BigEndian.Uint16(rest[1+ipLen : 1+ipLen+2])

	return netip.AddrPortFrom(addr, port), rest[1+ipLen+2:], nil
}
