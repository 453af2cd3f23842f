// Package loopback creates the UDP sockets that glue the gateway's
// RTP path to the per-session media pipelines.
//
// Every socket lives on 127.0.0.1 and draws its port from a shared
// portpool.Pool. Server sockets bind and are later adopted by a
// pipeline's named sources; client sockets connect to a server
// socket's port and carry traffic from the gateway side. A socket is
// owned by exactly one side: the owner closes it, the pipeline only
// ever receives a non-owning borrowed view.
package loopback

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/idilia/sourcebridge/portpool"
)

// ReadFunc is invoked for every datagram received on a socket with an
// attached reader. Returning false detaches the reader.
type ReadFunc func(data []byte) bool

// Socket is a loopback UDP endpoint tied to a pooled port.
type Socket struct {
	Port     int
	IsClient bool

	conn *net.UDPConn
	pool *portpool.Pool

	mu         sync.Mutex
	readCancel context.CancelFunc
	readDone   chan struct{}
	closed     bool
}

// Factory opens loopback sockets against a port pool.
type Factory struct {
	pool *portpool.Pool
}

// NewFactory creates a factory drawing ports from pool.
func NewFactory(pool *portpool.Pool) *Factory {
	return &Factory{pool: pool}
}

// OpenServer binds a datagram socket to loopback on a pooled port.
func (f *Factory) OpenServer() (*Socket, error) {
	return f.open(false, 0)
}

// OpenClient opens a datagram socket on a pooled local port connected
// to loopback:peerPort.
func (f *Factory) OpenClient(peerPort int) (*Socket, error) {
	return f.open(true, peerPort)
}

// open acquires a port and binds or connects. A bind/connect failure
// releases the port and retries with a different one; the number of
// attempts is bounded by pool capacity.
func (f *Factory) open(isClient bool, peerPort int) (*Socket, error) {
	var lastErr error

	for attempt := 0; attempt < f.pool.Capacity(); attempt++ {
		port, err := f.pool.Acquire(0)
		if err != nil {
			return nil, err
		}

		local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}

		var conn *net.UDPConn
		if isClient {
			remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: peerPort}
			conn, err = net.DialUDP("udp4", local, remote)
		} else {
			conn, err = net.ListenUDP("udp4", local)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"port":   port,
				"client": isClient,
				"error":  err,
			}).Warn("loopback socket open failed, retrying on another port")
			f.pool.Release(port)
			lastErr = err
			continue
		}

		return &Socket{
			Port:     port,
			IsClient: isClient,
			conn:     conn,
			pool:     f.pool,
		}, nil
	}

	return nil, fmt.Errorf("loopback: open failed after exhausting pool: %w", lastErr)
}

// Conn exposes the underlying connection for a borrower. The borrower
// must not close it; ownership stays with the Socket.
func (s *Socket) Conn() *net.UDPConn {
	return s.conn
}

// Send writes one datagram on a connected (client) socket. Send errors
// are returned but the media path treats them as best effort.
func (s *Socket) Send(data []byte) error {
	_, err := s.conn.Write(data)
	return err
}

// AttachReader starts delivering inbound datagrams to fn, one call per
// datagram, from a dedicated goroutine. fn returning false detaches
// the reader. Attaching twice replaces the previous reader.
func (s *Socket) AttachReader(fn ReadFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.detachLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.readCancel = cancel
	s.readDone = done

	go s.readLoop(ctx, fn, done)
}

// DetachReader stops the reader goroutine, if any. Idempotent.
func (s *Socket) DetachReader() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked()
}

func (s *Socket) detachLocked() {
	if s.readCancel == nil {
		return
	}
	s.readCancel()
	<-s.readDone
	s.readCancel = nil
	s.readDone = nil
}

func (s *Socket) readLoop(ctx context.Context, fn ReadFunc, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 1500)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := s.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}
		if !fn(buf[:n]) {
			return
		}
	}
}

// Close detaches any reader, closes the endpoint and returns the port
// to the pool. Safe to call more than once; the port is released
// exactly once.
func (s *Socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.detachLocked()
	_ = s.conn.Close()
	s.pool.Release(s.Port)
}
