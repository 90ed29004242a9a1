package slcan

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samsamfire/gocandriver/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort is an in-memory serial port
type fakePort struct {
	mu      sync.Mutex
	written strings.Builder
	rx      chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{rx: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *fakePort) Read(buf []byte) (int, error) {
	select {
	case data := <-p.rx:
		return copy(buf, data), nil
	case <-p.closed:
		return 0, errors.New("port closed")
	case <-time.After(5 * time.Millisecond):
		return 0, io.EOF
	}
}

func (p *fakePort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written.Write(buf)
	return len(buf), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

type collector struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (c *collector) Handle(frame can.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
}

func (c *collector) Frames() []can.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]can.Frame(nil), c.frames...)
}

func newSlcanTest(t *testing.T, bitrate int) (*Bus, *fakePort) {
	t.Helper()
	port := newFakePort()
	previous := openPort
	openPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
		assert.Equal(t, "/dev/ttyTEST", name)
		assert.Equal(t, DefaultBaud, baud)
		return port, nil
	}
	t.Cleanup(func() { openPort = previous })
	bus, err := can.NewBus("slcan", "/dev/ttyTEST", bitrate)
	require.Nil(t, err)
	require.Nil(t, bus.Connect())
	t.Cleanup(func() { _ = bus.Disconnect() })
	return bus.(*Bus), port
}

func TestConnect(t *testing.T) {
	_, port := newSlcanTest(t, 0)
	assert.Equal(t, "C\rS6\rO\r", port.Written())

	_, err := NewSlcanBus("/dev/ttyTEST", 12345)
	assert.NotNil(t, err)
}

func TestSend(t *testing.T) {
	bus, port := newSlcanTest(t, 125000)
	frame := can.NewFrame(0x181, 0, 2)
	frame.Data[0] = 0x10
	frame.Data[1] = 0x20
	assert.Nil(t, bus.Send(context.Background(), frame))
	assert.Equal(t, "C\rS4\rO\rt18121020\r", port.Written())

	assert.Nil(t, bus.Disconnect())
	assert.True(t, strings.HasSuffix(port.Written(), "C\r"))
	assert.ErrorIs(t, bus.Send(context.Background(), frame), can.ErrClosed)
}

func TestReceive(t *testing.T) {
	bus, port := newSlcanTest(t, 0)
	c := &collector{}
	assert.Nil(t, bus.Subscribe(c))
	// Frames split across reads, acknowledges and errors in between
	port.rx <- []byte("\rt1812AB")
	port.rx <- []byte("CD\rz\r\at70")
	port.rx <- []byte("10\rtZZZ\rr7020\r")
	assert.Eventually(t, func() bool { return len(c.Frames()) == 3 }, time.Second, time.Millisecond)
	frames := c.Frames()
	assert.Equal(t, can.Frame{ID: 0x181, DLC: 2, Data: [8]byte{0xAB, 0xCD}}, frames[0])
	assert.Equal(t, can.Frame{ID: 0x701, DLC: 0}, frames[1])
	assert.Equal(t, can.Frame{ID: 0x702 | can.CanRtrFlag, DLC: 0}, frames[2])
}

func TestErrorCounters(t *testing.T) {
	bus, port := newSlcanTest(t, 0)
	counters, err := bus.ErrorCounters()
	assert.Nil(t, err)
	assert.Equal(t, can.Counters{}, counters)
	assert.True(t, strings.HasSuffix(port.Written(), "F\r"))

	port.rx <- []byte("F28\r")
	assert.Eventually(t, func() bool {
		counters, _ := bus.ErrorCounters()
		return counters == can.Counters{TxErrors: 128, RxErrors: 128, RxOverflow: 1}
	}, time.Second, time.Millisecond)
}
