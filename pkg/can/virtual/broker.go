package virtual

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samsamfire/gocandriver/pkg/can"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultClientQueueSize = 1024
	defaultBrokerWriteTO   = time.Second
)

type client struct {
	conn      net.Conn
	out       chan can.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// Broker forwards every frame received from one client to all the other clients.
// A client that does not keep up loses frames, it is never kicked.
type Broker struct {
	logger    *log.Entry
	queueSize int
	mu        sync.RWMutex
	clients   map[*client]struct{}
	listener  net.Listener
	wg        sync.WaitGroup
	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

type BrokerOption func(b *Broker)

// WithClientQueueSize sets the number of frames buffered per client
func WithClientQueueSize(size int) BrokerOption {
	return func(b *Broker) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		logger:    log.StandardLogger().WithField("service", "[BROKER]"),
		queueSize: DefaultClientQueueSize,
		clients:   map[*client]struct{}{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Listen starts accepting clients on addr e.g. "localhost:18888" or ":0"
func (b *Broker) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()
	b.logger.Infof("listening on %v", listener.Addr())
	b.wg.Add(1)
	go b.accept(listener)
	return nil
}

// Addr returns the listening address or nil if not listening
func (b *Broker) Addr() net.Addr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Serve listens on addr until ctx is done
func (b *Broker) Serve(ctx context.Context, addr string) error {
	if err := b.Listen(addr); err != nil {
		return err
	}
	<-ctx.Done()
	return b.Close()
}

// Close stops accepting clients and disconnects all of them
func (b *Broker) Close() error {
	b.mu.Lock()
	listener := b.listener
	b.listener = nil
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, c := range clients {
		c.close()
	}
	b.wg.Wait()
	return err
}

// Clients returns the number of connected clients
func (b *Broker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stats returns the number of frames forwarded and dropped since start
func (b *Broker) Stats() (forwarded uint64, dropped uint64) {
	return b.forwarded.Load(), b.dropped.Load()
}

func (b *Broker) accept(listener net.Listener) {
	defer b.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.logger.Errorf("accept failed : %v", err)
			}
			return
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		c := &client{conn: conn, out: make(chan can.Frame, b.queueSize), closed: make(chan struct{})}
		b.mu.Lock()
		b.clients[c] = struct{}{}
		b.mu.Unlock()
		b.logger.Infof("client connected %v", conn.RemoteAddr())
		b.wg.Add(2)
		go b.read(c)
		go b.write(c)
	}
}

func (b *Broker) remove(c *client) {
	b.mu.Lock()
	_, existed := b.clients[c]
	delete(b.clients, c)
	b.mu.Unlock()
	c.close()
	if existed {
		b.logger.Infof("client disconnected %v", c.conn.RemoteAddr())
	}
}

func (b *Broker) read(c *client) {
	defer b.wg.Done()
	defer b.remove(c)
	reader := bufio.NewReader(c.conn)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			return
		}
		b.broadcast(c, frame)
	}
}

func (b *Broker) write(c *client) {
	defer b.wg.Done()
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.out:
			frameBytes, err := serializeFrame(frame)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(defaultBrokerWriteTO))
			if _, err := c.conn.Write(frameBytes); err != nil {
				b.logger.Warnf("write to %v failed : %v", c.conn.RemoteAddr(), err)
				b.remove(c)
				return
			}
		}
	}
}

func (b *Broker) broadcast(from *client, frame can.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		if c == from {
			continue
		}
		select {
		case c.out <- frame:
			b.forwarded.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}
