package transport

import (
	"net"
	"testing"
	"time"
)

func TestNewSenderRejectsBadGroup(t *testing.T) {
	if _, err := NewSender("not-an-ip", 5005); err == nil {
		t.Error("NewSender() with invalid group: want error")
	}
}

func TestNewReceiverRejectsBadGroup(t *testing.T) {
	if _, err := NewReceiver("", 5005, 0); err == nil {
		t.Error("NewReceiver() with invalid group: want error")
	}
}

func TestSendUnicastRejectsBadAddress(t *testing.T) {
	s, err := NewSender("239.255.0.100", 0)
	if err != nil {
		t.Skipf("cannot open udp socket: %v", err)
	}
	defer s.Close()
	if err := s.SendUnicast([]byte{1}, "bogus"); err == nil {
		t.Error("SendUnicast() with invalid address: want error")
	}
}

func TestUnicastDelivery(t *testing.T) {
	rx, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Skipf("cannot open udp socket: %v", err)
	}
	defer rx.Close()
	port := rx.LocalAddr().(*net.UDPAddr).Port

	s, err := NewSender("239.255.0.100", port)
	if err != nil {
		t.Skipf("cannot open tx socket: %v", err)
	}
	defer s.Close()

	payload := []byte("hello")
	if err := s.SendUnicast(payload, "127.0.0.1"); err != nil {
		t.Fatalf("SendUnicast() error = %v", err)
	}

	rx.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, _, err := rx.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP() error = %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("received %q, want %q", buf[:n], "hello")
	}
}

func TestIsTimeout(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Skipf("cannot open udp socket: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	_, _, err = conn.ReadFromUDP(make([]byte, 16))
	if !IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false, want true", err)
	}
	if IsTimeout(nil) {
		t.Error("IsTimeout(nil) = true, want false")
	}
}
