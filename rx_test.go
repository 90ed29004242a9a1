package candriver

import (
	"testing"
	"time"

	"github.com/samsamfire/gocandriver/pkg/can"
	"github.com/samsamfire/gocandriver/pkg/can/loopback"
	"github.com/stretchr/testify/assert"
)

func TestReceiveScenario(t *testing.T) {
	m, _ := newModuleTest(t, 4, 2)
	collector := &frameCollector{}
	err := m.RegisterReceiveFilter(0, 0x180, 0x7FF, false, collector)
	assert.Nil(t, err)

	m.Handle(can.NewFrame(0x180, 0, 8))
	assert.Equal(t, 1, collector.Count())
	m.Handle(can.NewFrame(0x181, 0, 8))
	assert.Equal(t, 1, collector.Count())
}

func TestRegisterReceiveFilterRejected(t *testing.T) {
	m, _ := newModuleTest(t, 4, 2)
	collector := &frameCollector{}
	assert.Nil(t, m.RegisterReceiveFilter(2, 0x300, 0x7FF, false, collector))
	before := append([]RxBuffer(nil), m.rx...)

	for _, index := range []int{4, 5, 100, -1} {
		err := m.RegisterReceiveFilter(index, 0x180, 0x7FF, false, collector)
		assert.ErrorIs(t, err, ErrIllegalArgument)
		assert.Equal(t, before, m.rx)
	}
	err := m.RegisterReceiveFilter(0, 0x180, 0x7FF, false, nil)
	assert.ErrorIs(t, err, ErrIllegalArgument)
	assert.Equal(t, before, m.rx)

	var nilModule *Module
	assert.ErrorIs(t, nilModule.RegisterReceiveFilter(0, 0x180, 0x7FF, false, collector), ErrIllegalArgument)
}

func TestRegisterReceiveFilterEncoding(t *testing.T) {
	m, _ := newModuleTest(t, 3, 0)
	collector := &frameCollector{}
	assert.Nil(t, m.RegisterReceiveFilter(0, 0x980, 0xFFFF, false, collector))
	assert.EqualValues(t, 0x180, m.rx[0].Ident())
	assert.EqualValues(t, 0xFFF, m.rx[0].Mask())

	assert.Nil(t, m.RegisterReceiveFilter(1, 0x701, 0x780, true, collector))
	assert.EqualValues(t, 0xF01, m.rx[1].Ident())
	assert.EqualValues(t, 0xF80, m.rx[1].Mask())

	// Overwrite
	assert.Nil(t, m.RegisterReceiveFilter(1, 0x702, 0x7FF, false, collector))
	assert.EqualValues(t, 0x702, m.rx[1].Ident())
	assert.EqualValues(t, 0xFFF, m.rx[1].Mask())
}

func TestDispatchLastSlotWins(t *testing.T) {
	m, _ := newModuleTest(t, 4, 0)
	wide := &frameCollector{}
	narrow := &frameCollector{}
	// 0x180 - 0x1FF
	assert.Nil(t, m.RegisterReceiveFilter(0, 0x180, 0x780, false, wide))
	assert.Nil(t, m.RegisterReceiveFilter(2, 0x185, 0x7FF, false, narrow))

	m.Handle(can.NewFrame(0x185, 0, 0))
	assert.Equal(t, 0, wide.Count())
	assert.Equal(t, 1, narrow.Count())

	m.Handle(can.NewFrame(0x186, 0, 0))
	m.Handle(can.NewFrame(0x1FF, 0, 0))
	assert.Equal(t, 2, wide.Count())
	assert.Equal(t, 1, narrow.Count())

	m.Handle(can.NewFrame(0x200, 0, 0))
	assert.Equal(t, 2, wide.Count())
}

func TestDispatchRtr(t *testing.T) {
	m, _ := newModuleTest(t, 2, 0)
	data := &frameCollector{}
	remote := &frameCollector{}
	assert.Nil(t, m.RegisterReceiveFilter(0, 0x701, 0x7FF, false, data))
	assert.Nil(t, m.RegisterReceiveFilter(1, 0x702, 0x7FF, true, remote))

	m.Handle(can.NewFrame(0x701|can.CanRtrFlag, 0, 0))
	m.Handle(can.NewFrame(0x702, 0, 0))
	assert.Equal(t, 0, data.Count())
	assert.Equal(t, 0, remote.Count())

	m.Handle(can.NewFrame(0x701, 0, 1))
	m.Handle(can.NewFrame(0x702|can.CanRtrFlag, 0, 0))
	assert.Equal(t, 1, data.Count())
	assert.Equal(t, 1, remote.Count())
}

func TestDispatchIgnoresExtendedAndErrorFrames(t *testing.T) {
	m, _ := newModuleTest(t, 1, 0)
	collector := &frameCollector{}
	assert.Nil(t, m.RegisterReceiveFilter(0, 0x100, 0, false, collector))
	m.Handle(can.NewFrame(0x100|can.CanEffFlag, 0, 0))
	m.Handle(can.NewFrame(0x100|can.CanErrFlag, 0, 8))
	assert.Equal(t, 0, collector.Count())
	m.Handle(can.NewFrame(0x100, 0, 0))
	m.Handle(can.NewFrame(0x555, 0, 0))
	assert.Equal(t, 2, collector.Count())
}

func TestDispatchUnconfiguredSlots(t *testing.T) {
	m, _ := newModuleTest(t, 4, 0)
	nmt := &frameCollector{}
	assert.Nil(t, m.RegisterReceiveFilter(0, 0x000, 0x7FF, false, nmt))
	m.Handle(can.NewFrame(0x000, 0, 2))
	assert.Equal(t, 1, nmt.Count())
}

func TestDispatchListenerFunc(t *testing.T) {
	m, _ := newModuleTest(t, 1, 0)
	received := []uint32{}
	listener := can.FrameListenerFunc(func(frame can.Frame) {
		received = append(received, frame.ID)
	})
	assert.Nil(t, m.RegisterReceiveFilter(0, 0x80, 0x7FF, false, listener))
	m.Handle(can.NewFrame(0x80, 0, 0))
	assert.Equal(t, []uint32{0x80}, received)
}

func TestDispatchListenerMayRegister(t *testing.T) {
	m, _ := newModuleTest(t, 2, 0)
	collector := &frameCollector{}
	var listener can.FrameListenerFunc
	listener = func(frame can.Frame) {
		// Re-registering from inside a listener should not deadlock
		_ = m.RegisterReceiveFilter(1, 0x200, 0x7FF, false, collector)
	}
	assert.Nil(t, m.RegisterReceiveFilter(0, 0x100, 0x7FF, false, listener))
	m.Handle(can.NewFrame(0x100, 0, 0))
	m.Handle(can.NewFrame(0x200, 0, 0))
	assert.Equal(t, 1, collector.Count())
}

func TestDispatchWithRxFilters(t *testing.T) {
	scanModule, _ := newModuleTest(t, 6, 0)
	tableModule, bus := newModuleTest(t, 6, 0, WithRxFilters(true))
	scanCollectors := make([]*frameCollector, 6)
	tableCollectors := make([]*frameCollector, 6)
	filters := []struct {
		index int
		ident uint16
		mask  uint16
		rtr   bool
	}{
		{0, 0x000, 0x7FF, false},
		{1, 0x180, 0x780, false},
		{2, 0x185, 0x7FF, false},
		{3, 0x700, 0x780, true},
		{5, 0x600, 0x700, false},
	}
	for i := range scanCollectors {
		scanCollectors[i] = &frameCollector{}
		tableCollectors[i] = &frameCollector{}
	}
	for _, f := range filters {
		assert.Nil(t, scanModule.RegisterReceiveFilter(f.index, f.ident, f.mask, f.rtr, scanCollectors[f.index]))
		assert.Nil(t, tableModule.RegisterReceiveFilter(f.index, f.ident, f.mask, f.rtr, tableCollectors[f.index]))
	}
	assert.Nil(t, tableModule.SetNormalMode())
	assert.Len(t, bus.Filters(), len(filters))
	assert.Equal(t,
		can.Filter{Ident: 0x700 | can.CanRtrFlag, Mask: 0x780 | can.CanRtrFlag | can.CanEffFlag},
		bus.Filters()[3],
	)

	for id := uint32(0); id <= can.CanSffMask; id++ {
		for _, flag := range []uint32{0, can.CanRtrFlag} {
			scanModule.Handle(can.NewFrame(id|flag, 0, 0))
			tableModule.Handle(can.NewFrame(id|flag, 0, 0))
		}
	}
	for i := range scanCollectors {
		assert.Equal(t, scanCollectors[i].Frames(), tableCollectors[i].Frames(), "slot %v", i)
	}
	assert.Equal(t, 1, tableCollectors[2].Count())
	assert.Equal(t, 0x80, tableCollectors[3].Count())

	// Reconfiguring while running updates lookup and filters
	assert.Nil(t, tableModule.RegisterReceiveFilter(4, 0x7E5, 0x7FF, false, tableCollectors[4]))
	assert.Len(t, bus.Filters(), len(filters)+1)
	tableModule.Handle(can.NewFrame(0x7E5, 0, 0))
	assert.Equal(t, 1, tableCollectors[4].Count())
}

func TestDispatchFromBus(t *testing.T) {
	network := loopback.NewNetwork()
	local := network.Open()
	remote := network.Open()
	assert.Nil(t, local.Connect())
	assert.Nil(t, remote.Connect())
	defer local.Disconnect()
	defer remote.Disconnect()

	m, err := NewModule(local, make([]RxBuffer, 2), make([]TxBuffer, 1))
	assert.Nil(t, err)
	collector := &frameCollector{}
	assert.Nil(t, m.RegisterReceiveFilter(0, 0x580, 0x7F0, false, collector))
	assert.Nil(t, local.Subscribe(m))
	assert.Nil(t, m.SetNormalMode())

	sender, err := NewModule(remote, make([]RxBuffer, 0), make([]TxBuffer, 1))
	assert.Nil(t, err)
	buffer := sender.RegisterTransmitSlot(0, 0x581, false, 8, false)
	for i := range 10 {
		buffer.Data[0] = uint8(i)
		assert.Nil(t, sender.Send(buffer))
	}
	assert.Eventually(t, func() bool { return collector.Count() == 10 }, time.Second, 5*time.Millisecond)
	for i, frame := range collector.Frames() {
		assert.EqualValues(t, 0x581, frame.ID)
		assert.EqualValues(t, i, frame.Data[0])
	}
}
