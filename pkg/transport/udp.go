// Package transport owns the UDP multicast sockets for the audio bus.
// Transmit and receive use separate sockets: the sender disables multicast
// loopback so the hub never hears its own packets, and the receiver joins the
// group with an enlarged buffer to absorb bursts.
package transport

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	// DefaultRecvBuffer holds roughly 300 frames of burst.
	DefaultRecvBuffer = 64 * 1024

	multicastTTL = 1
)

// Sender transmits audio packets to the multicast group or, for targeted
// streams, unicast to a specific device IP on the same port.
type Sender struct {
	conn  *net.UDPConn
	group *net.UDPAddr
	port  int
}

func NewSender(group string, port int) (*Sender, error) {
	groupIP := net.ParseIP(group)
	if groupIP == nil {
		return nil, fmt.Errorf("transport: invalid multicast group %q", group)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("transport: open tx socket: %w", err)
	}

	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastTTL(multicastTTL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set multicast ttl: %w", err)
	}
	// Loopback off: the receive socket is on the same group and must not
	// see our own transmissions.
	if err := p.SetMulticastLoopback(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: disable multicast loopback: %w", err)
	}

	return &Sender{
		conn:  conn,
		group: &net.UDPAddr{IP: groupIP, Port: port},
		port:  port,
	}, nil
}

// SendMulticast sends one packet to the whole group.
func (s *Sender) SendMulticast(b []byte) error {
	_, err := s.conn.WriteToUDP(b, s.group)
	return err
}

// SendUnicast sends one packet to a single device.
func (s *Sender) SendUnicast(b []byte, ip string) error {
	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("transport: invalid unicast address %q", ip)
	}
	_, err := s.conn.WriteToUDP(b, &net.UDPAddr{IP: addr, Port: s.port})
	return err
}

// Send routes to unicast when ip is set, multicast otherwise.
func (s *Sender) Send(b []byte, ip string) error {
	if ip != "" {
		return s.SendUnicast(b, ip)
	}
	return s.SendMulticast(b)
}

func (s *Sender) Close() error {
	return s.conn.Close()
}

// Receiver reads audio packets from the multicast group. Reads are bounded by
// a deadline set by the caller so the receive loop can drive idle detection.
type Receiver struct {
	conn *net.UDPConn
	p    *ipv4.PacketConn
}

func NewReceiver(group string, port int, recvBuffer int) (*Receiver, error) {
	groupIP := net.ParseIP(group)
	if groupIP == nil {
		return nil, fmt.Errorf("transport: invalid multicast group %q", group)
	}
	if recvBuffer <= 0 {
		recvBuffer = DefaultRecvBuffer
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: open rx socket: %w", err)
	}

	if err := conn.SetReadBuffer(recvBuffer); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set receive buffer: %w", err)
	}

	p := ipv4.NewPacketConn(conn)
	// nil interface lets the kernel pick; in containers the bridge routing
	// chooses correctly where an explicit interface would not.
	if err := p.JoinGroup(nil, &net.UDPAddr{IP: groupIP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: join group %s: %w", group, err)
	}

	return &Receiver{conn: conn, p: p}, nil
}

// ReadDeadline reads one packet, giving up at the deadline. Timeout errors
// are reported via IsTimeout so the caller can run its idle check.
func (r *Receiver) ReadDeadline(buf []byte, deadline time.Time) (int, *net.UDPAddr, error) {
	if err := r.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, err
	}
	return r.conn.ReadFromUDP(buf)
}

func (r *Receiver) Close() error {
	return r.conn.Close()
}

// IsTimeout reports whether err is a read-deadline expiry.
func IsTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}
