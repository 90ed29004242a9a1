package socketcanv2

import "github.com/samsamfire/gocandriver/pkg/can"

// Error classes of linux/can/error.h, carried in the identifier of error frames
const (
	canErrTxTimeout = 0x0001
	canErrLostArb   = 0x0002
	canErrCrtl      = 0x0004
	canErrProt      = 0x0008
	canErrTrx       = 0x0010
	canErrAck       = 0x0020
	canErrBusOff    = 0x0040
	canErrBusError  = 0x0080
	canErrRestarted = 0x0100
	canErrCnt       = 0x0200
)

// Controller status, data[1] of error frames
const (
	canErrCrtlRxOverflow = 0x01
	canErrCrtlTxOverflow = 0x02
	canErrCrtlRxWarning  = 0x04
	canErrCrtlTxWarning  = 0x08
	canErrCrtlRxPassive  = 0x10
	canErrCrtlTxPassive  = 0x20
	canErrCrtlActive     = 0x40
)

// Error classes requested from the kernel
const errFilter = canErrCrtl | canErrBusOff | canErrRestarted | canErrCnt | canErrTxTimeout

// decodeErrorFrame updates counters with the content of an error frame.
// Recent kernels report the exact counters in data[6] (tx) and data[7] (rx),
// otherwise they are estimated from the controller state.
func decodeErrorFrame(counters can.Counters, frame can.Frame) can.Counters {
	class := frame.ID & can.CanEffMask

	if class&canErrCnt != 0 {
		counters.TxErrors = uint32(frame.Data[6])
		counters.RxErrors = uint32(frame.Data[7])
	}
	if class&canErrCrtl != 0 {
		state := frame.Data[1]
		if state&canErrCrtlRxOverflow != 0 {
			counters.RxOverflow++
		}
		if class&canErrCnt == 0 {
			counters.TxErrors = estimate(counters.TxErrors, state&canErrCrtlTxWarning != 0, state&canErrCrtlTxPassive != 0)
			counters.RxErrors = estimate(counters.RxErrors, state&canErrCrtlRxWarning != 0, state&canErrCrtlRxPassive != 0)
		}
		if state&canErrCrtlActive != 0 && class&canErrCnt == 0 {
			counters.TxErrors = 0
			counters.RxErrors = 0
		}
	}
	if class&canErrBusOff != 0 {
		counters.TxErrors = 256
	}
	if class&canErrRestarted != 0 && class&canErrCnt == 0 {
		counters.TxErrors = 0
	}
	return counters
}

func estimate(current uint32, warning bool, passive bool) uint32 {
	switch {
	case passive && current < 128:
		return 128
	case warning && current < 96:
		return 96
	}
	return current
}
