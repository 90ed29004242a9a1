package can

import (
	"context"
	"errors"
	"fmt"
)

const CanRtrFlag uint32 = 0x40000000
const CanEffFlag uint32 = 0x80000000
const CanErrFlag uint32 = 0x20000000
const CanSffMask uint32 = 0x000007FF
const CanEffMask uint32 = 0x1FFFFFFF

// CAN bus errors
const (
	CanErrorTxWarning   = 0x0001 // CAN transmitter warning
	CanErrorTxPassive   = 0x0002 // CAN transmitter passive
	CanErrorTxBusOff    = 0x0004 // CAN transmitter bus off
	CanErrorTxOverflow  = 0x0008 // CAN transmitter overflow
	CanErrorPdoLate     = 0x0080 // TPDO is outside sync window
	CanErrorRxWarning   = 0x0100 // CAN receiver warning
	CanErrorRxPassive   = 0x0200 // CAN receiver passive
	CanErrorRxOverflow  = 0x0800 // CAN receiver overflow
	CanErrorWarnPassive = 0x0303 // Combination
)

var (
	ErrBusy   = errors.New("transmit rejected because controller is busy, try again")
	ErrClosed = errors.New("bus is closed")
)

// A CAN frame
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// IsRemote reports whether the frame is a remote transmission request.
func (f Frame) IsRemote() bool {
	return f.ID&CanRtrFlag != 0
}

// IsExtended reports whether the frame uses a 29 bit identifier.
func (f Frame) IsExtended() bool {
	return f.ID&CanEffFlag != 0
}

// IsError reports whether the frame is a controller error frame.
func (f Frame) IsError() bool {
	return f.ID&CanErrFlag != 0
}

func (f Frame) String() string {
	flags := ""
	if f.IsRemote() {
		flags = " rtr"
	}
	dlc := f.DLC
	if dlc > 8 {
		dlc = 8
	}
	return fmt.Sprintf("x%03X [%d]%s % X", f.ID&CanEffMask, f.DLC, flags, f.Data[:dlc])
}

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// FrameListenerFunc adapts a plain function to a FrameListener
type FrameListenerFunc func(frame Frame)

func (f FrameListenerFunc) Handle(frame Frame) {
	f(frame)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                       // Connect to the CAN bus
	Disconnect() error                          // Disconnect from CAN bus
	Send(ctx context.Context, frame Frame) error // Send a frame on the bus, waiting at most until ctx is done
	Subscribe(listener FrameListener) error     // Subscribe to all received CAN frames
}

// Raw error counters of a CAN controller
type Counters struct {
	RxErrors   uint32
	TxErrors   uint32
	RxOverflow uint32
}

// ErrorCounter is implemented by buses able to report controller error counters
type ErrorCounter interface {
	ErrorCounters() (Counters, error)
}

// TxQueueClearer is implemented by buses that can abort frames latched for transmission
type TxQueueClearer interface {
	ClearTxQueue() error
}

// An acceptance filter, a frame is accepted if (ID & Mask) == (Ident & Mask)
type Filter struct {
	Ident uint32
	Mask  uint32
}

// Filterer is implemented by buses able to filter frames before they reach the host
type Filterer interface {
	SetFilters(filters []Filter) error
}

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

type NewInterfaceFunc func(channel string, bitrate int) (Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// Create a new CAN bus with given interface
// Interfaces have to be registered first, by importing the corresponding package
func NewBus(canInterface string, channel string, bitrate int) (Bus, error) {
	createInterface, ok := interfaceRegistry[canInterface]
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", canInterface)
	}
	return createInterface(channel, bitrate)
}

// Interfaces returns the names of all registered interfaces
func Interfaces() []string {
	names := make([]string, 0, len(interfaceRegistry))
	for name := range interfaceRegistry {
		names = append(names, name)
	}
	return names
}
