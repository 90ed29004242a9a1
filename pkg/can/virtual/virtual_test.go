package virtual

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/samsamfire/gocandriver/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type FrameReceiver struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (frameReceiver *FrameReceiver) Handle(frame can.Frame) {
	frameReceiver.mu.Lock()
	defer frameReceiver.mu.Unlock()
	frameReceiver.frames = append(frameReceiver.frames, frame)
}

func (frameReceiver *FrameReceiver) Frames() []can.Frame {
	frameReceiver.mu.Lock()
	defer frameReceiver.mu.Unlock()
	return append([]can.Frame(nil), frameReceiver.frames...)
}

func newBroker(t *testing.T) *Broker {
	t.Helper()
	broker := NewBroker()
	require.Nil(t, broker.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func newVcan(t *testing.T, broker *Broker) *Bus {
	t.Helper()
	canBus, err := can.NewBus("virtualcan", broker.Addr().String(), 0)
	require.Nil(t, err)
	vcan := canBus.(*Bus)
	require.Nil(t, vcan.Connect())
	t.Cleanup(func() { _ = vcan.Disconnect() })
	return vcan
}

func TestSerialization(t *testing.T) {
	frame := can.Frame{ID: 0x111, Flags: 1, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	raw, err := serializeFrame(frame)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0, 0, 0, 14, 0, 0, 0x01, 0x11, 1, 8, 0, 1, 2, 3, 4, 5, 6, 7}, raw)
	decoded, err := readFrame(bytes.NewReader(raw))
	assert.Nil(t, err)
	assert.Equal(t, frame, decoded)

	_, err = readFrame(bytes.NewReader([]byte{0, 0, 1, 0}))
	assert.NotNil(t, err)
	_, err = readFrame(bytes.NewReader(raw[:10]))
	assert.NotNil(t, err)
}

func TestSendAndSubscribe(t *testing.T) {
	broker := newBroker(t)
	vcan1 := newVcan(t, broker)
	vcan2 := newVcan(t, broker)
	frameReceiver := &FrameReceiver{}
	assert.Nil(t, vcan2.Subscribe(frameReceiver))
	assert.Eventually(t, func() bool { return broker.Clients() == 2 }, time.Second, time.Millisecond)

	// Send 10 frames from vcan 1 && read 10 frames from vcan2
	// Check order and value
	frame := can.Frame{ID: 0x111, Flags: 0, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	for i := range 10 {
		frame.Data[0] = uint8(i)
		assert.Nil(t, vcan1.Send(context.Background(), frame))
	}
	assert.Eventually(t, func() bool { return len(frameReceiver.Frames()) == 10 }, time.Second, 5*time.Millisecond)
	for i, frame := range frameReceiver.Frames() {
		assert.Equal(t, uint8(i), frame.Data[0])
	}
	forwarded, dropped := broker.Stats()
	assert.EqualValues(t, 10, forwarded)
	assert.EqualValues(t, 0, dropped)
}

func TestReceiveOwn(t *testing.T) {
	broker := newBroker(t)
	vcan := newVcan(t, broker)
	frameReceiver := &FrameReceiver{}
	assert.Nil(t, vcan.Subscribe(frameReceiver))
	vcan.SetReceiveOwn(true)
	assert.Nil(t, vcan.Send(context.Background(), can.NewFrame(0x222, 0, 0)))
	assert.Len(t, frameReceiver.Frames(), 1)
}

func TestSendClosed(t *testing.T) {
	broker := newBroker(t)
	vcan := newVcan(t, broker)
	assert.Nil(t, vcan.Disconnect())
	assert.Nil(t, vcan.Disconnect())
	assert.ErrorIs(t, vcan.Send(context.Background(), can.Frame{}), can.ErrClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, vcan.Send(ctx, can.Frame{}), context.Canceled)
}

func TestConnectFailure(t *testing.T) {
	broker := newBroker(t)
	addr := broker.Addr().String()
	assert.Nil(t, broker.Close())
	bus, err := NewVirtualCanBus(addr, 0)
	assert.Nil(t, err)
	assert.NotNil(t, bus.Connect())
}

func TestBrokerClose(t *testing.T) {
	broker := NewBroker(WithClientQueueSize(4))
	require.Nil(t, broker.Listen("127.0.0.1:0"))
	vcan1 := newVcan(t, broker)
	_ = newVcan(t, broker)
	assert.Eventually(t, func() bool { return broker.Clients() == 2 }, time.Second, time.Millisecond)
	assert.Nil(t, broker.Close())
	assert.Equal(t, 0, broker.Clients())
	assert.Nil(t, broker.Addr())
	// Clients notice the broker is gone
	assert.Eventually(t, func() bool {
		return vcan1.Send(context.Background(), can.Frame{}) != nil
	}, time.Second, 5*time.Millisecond)
}
