package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/fallwatch/internal/monitoring"
)

// DatagramHandler consumes one UDP payload.
type DatagramHandler interface {
	HandleDatagram(payload []byte) error
}

// UDPListenerConfig configures a UDPListener.
type UDPListenerConfig struct {
	Address string
	RcvBuf  int
	// MaxDatagram bounds a single message. Colour frames need the most.
	MaxDatagram int
	Handler     DatagramHandler
}

// UDPListener receives bridge messages sent as datagrams.
type UDPListener struct {
	cfg  UDPListenerConfig
	conn *net.UDPConn
	// ready is closed once the socket is bound.
	ready chan struct{}
}

func NewUDPListener(cfg UDPListenerConfig) *UDPListener {
	if cfg.MaxDatagram <= 0 {
		cfg.MaxDatagram = 65507
	}
	return &UDPListener{cfg: cfg, ready: make(chan struct{})}
}

// Ready is closed when the listener is bound.
func (l *UDPListener) Ready() <-chan struct{} { return l.ready }

// LocalAddr returns the bound address, or nil before Ready.
func (l *UDPListener) LocalAddr() net.Addr {
	select {
	case <-l.ready:
		return l.conn.LocalAddr()
	default:
		return nil
	}
}

// Start receives datagrams until ctx is cancelled.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()
	l.conn = conn
	close(l.ready)

	if l.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			monitoring.Logf("feed: failed to set UDP receive buffer to %d: %v", l.cfg.RcvBuf, err)
		}
	}
	monitoring.Logf("feed: UDP listener started on %s", conn.LocalAddr())

	buffer := make([]byte, l.cfg.MaxDatagram)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Short deadline so cancellation is noticed.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			monitoring.Logf("feed: UDP read error: %v", err)
			continue
		}
		if err := l.cfg.Handler.HandleDatagram(buffer[:n]); err != nil {
			monitoring.Logf("feed: bad datagram from %v: %v", from, err)
		}
	}
}
