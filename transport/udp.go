package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTransportError indicates a socket-level send or receive failure.
var ErrTransportError = errors.New("transport error")

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// PacketHandler processes one inbound packet. Handlers run on the read
// goroutine and must hand heavy work off themselves; the demultiplexer in
// the core funnels all state changes through the owning session.
type PacketHandler func(packet *Packet, addr net.Addr)

// maxDatagramSize bounds inbound datagrams. Certificates dominate the
// handshake packets and DNIe certificates stay well under 4 KiB.
const maxDatagramSize = 8192

// sendQueueDepth bounds the outbound queue feeding the single writer
// goroutine.
const sendQueueDepth = 256

type outbound struct {
	data []byte
	addr net.Addr
}

// UDPTransport owns the single UDP socket all sessions share. Inbound
// datagrams are parsed and dispatched to the handler registered for their
// packet type; outbound sends are serialized through one writer goroutine.
type UDPTransport struct {
	conn     net.PacketConn
	handlers map[PacketType]PacketHandler
	mu       sync.RWMutex
	sendCh   chan outbound
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// onMalformed is invoked for datagrams that fail parsing, so the core
	// can count them without the codec depending on telemetry.
	onMalformed func(addr net.Addr, size int)
}

// NewUDPTransport binds a UDP socket on listenAddr and starts the read and
// write loops. The transport is ready to send and dispatch immediately.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:     conn,
		handlers: make(map[PacketType]PacketHandler),
		sendCh:   make(chan outbound, sendQueueDepth),
		ctx:      ctx,
		cancel:   cancel,
	}

	t.wg.Add(2)
	go t.readLoop()
	go t.writeLoop()

	logrus.WithFields(logrus.Fields{
		"function":    "NewUDPTransport",
		"listen_addr": conn.LocalAddr().String(),
	}).Info("UDP transport bound")

	return t, nil
}

// RegisterHandler registers the handler for a packet type. A later
// registration for the same type replaces the earlier one.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

// SetMalformedCallback installs a callback observing dropped undecodable
// datagrams.
func (t *UDPTransport) SetMalformedCallback(cb func(addr net.Addr, size int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMalformed = cb
}

// Send queues a packet for transmission. The enqueue is non-blocking with
// a brief grace period so a full OS buffer is treated as transient; a
// queue that stays full yields ErrTransportError.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data := packet.Serialize()

	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}

	select {
	case <-t.ctx.Done():
		return ErrTransportClosed
	case t.sendCh <- outbound{data: data, addr: addr}:
		return nil
	case <-time.After(250 * time.Millisecond):
		logrus.WithFields(logrus.Fields{
			"function":    "Send",
			"packet_type": packet.Type.String(),
			"remote_addr": addr.String(),
		}).Warn("Outbound queue full, dropping packet")
		return ErrTransportError
	}
}

// Close stops the read and write loops and closes the socket.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// LocalAddr returns the bound socket address, including the actual port
// when the transport was bound to ":0".
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// readLoop reads datagrams until the context is cancelled, parsing each
// and dispatching to the registered handler. Malformed datagrams are
// dropped silently per the protocol's silence policy.
func (t *UDPTransport) readLoop() {
	defer t.wg.Done()
	buffer := make([]byte, maxDatagramSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := t.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if t.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Debug("UDP read error, continuing")
			continue
		}

		packet, err := ParsePacket(buffer[:n])
		if err != nil {
			t.mu.RLock()
			cb := t.onMalformed
			t.mu.RUnlock()
			if cb != nil {
				cb(addr, n)
			}
			continue
		}

		t.mu.RLock()
		handler := t.handlers[packet.Type]
		t.mu.RUnlock()

		if handler != nil {
			handler(packet, addr)
		}
	}
}

// writeLoop serializes all socket writes through one goroutine.
func (t *UDPTransport) writeLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case out := <-t.sendCh:
			if _, err := t.conn.WriteTo(out.data, out.addr); err != nil {
				if t.ctx.Err() != nil {
					return
				}
				logrus.WithFields(logrus.Fields{
					"function":    "writeLoop",
					"remote_addr": out.addr.String(),
					"size":        len(out.data),
					"error":       err.Error(),
				}).Debug("UDP write failed")
			}
		}
	}
}
