package slcan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/samsamfire/gocandriver/pkg/can"
)

var ErrMalformed = errors.New("malformed slcan frame")

// Bitrates supported by the "Sn" command, n is the index
var bitrates = []int{10000, 20000, 50000, 100000, 125000, 250000, 500000, 800000, 1000000}

// Status flags returned by the "F" command
const (
	statusRxFifoFull  = 0x01
	statusTxFifoFull  = 0x02
	statusWarning     = 0x04
	statusOverrun     = 0x08
	statusPassive     = 0x20
	statusArbLost     = 0x40
	statusBusError    = 0x80
	cmdTerminator     = '\r'
	errorResponseBell = 0x07
)

// bitrateCommand returns the "Sn" command for bitrate
func bitrateCommand(bitrate int) (string, error) {
	for i, b := range bitrates {
		if b == bitrate {
			return fmt.Sprintf("S%d\r", i), nil
		}
	}
	return "", fmt.Errorf("unsupported bitrate %v", bitrate)
}

// EncodeFrame converts a frame into its ASCII representation, terminated by '\r'
func EncodeFrame(frame can.Frame) string {
	var builder strings.Builder
	extended := frame.IsExtended()
	remote := frame.IsRemote()
	switch {
	case remote && extended:
		builder.WriteByte('R')
	case remote:
		builder.WriteByte('r')
	case extended:
		builder.WriteByte('T')
	default:
		builder.WriteByte('t')
	}
	if extended {
		builder.WriteString(fmt.Sprintf("%08X", frame.ID&can.CanEffMask))
	} else {
		builder.WriteString(fmt.Sprintf("%03X", frame.ID&can.CanSffMask))
	}
	dlc := frame.DLC
	if dlc > 8 {
		dlc = 8
	}
	builder.WriteByte('0' + dlc)
	if !remote {
		for i := uint8(0); i < dlc; i++ {
			builder.WriteString(fmt.Sprintf("%02X", frame.Data[i]))
		}
	}
	builder.WriteByte(cmdTerminator)
	return builder.String()
}

// DecodeFrame parses a "t", "T", "r" or "R" line, without terminator.
// An optional timestamp after the data is ignored.
func DecodeFrame(line string) (can.Frame, error) {
	if len(line) == 0 {
		return can.Frame{}, ErrMalformed
	}
	var frame can.Frame
	idLength := 3
	switch line[0] {
	case 't':
	case 'r':
		frame.ID |= can.CanRtrFlag
	case 'T':
		frame.ID |= can.CanEffFlag
		idLength = 8
	case 'R':
		frame.ID |= can.CanEffFlag | can.CanRtrFlag
		idLength = 8
	default:
		return can.Frame{}, fmt.Errorf("%w : unknown type %q", ErrMalformed, line[0])
	}
	if len(line) < 1+idLength+1 {
		return can.Frame{}, ErrMalformed
	}
	id, err := strconv.ParseUint(line[1:1+idLength], 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w : %v", ErrMalformed, err)
	}
	if idLength == 3 && id > uint64(can.CanSffMask) {
		return can.Frame{}, fmt.Errorf("%w : identifier x%x", ErrMalformed, id)
	}
	frame.ID |= uint32(id) & can.CanEffMask
	dlc := line[1+idLength]
	if dlc < '0' || dlc > '8' {
		return can.Frame{}, fmt.Errorf("%w : dlc %q", ErrMalformed, dlc)
	}
	frame.DLC = dlc - '0'
	if frame.IsRemote() {
		return frame, nil
	}
	data := line[2+idLength:]
	if len(data) < int(frame.DLC)*2 {
		return can.Frame{}, fmt.Errorf("%w : expected %v data bytes", ErrMalformed, frame.DLC)
	}
	for i := 0; i < int(frame.DLC); i++ {
		b, err := strconv.ParseUint(data[2*i:2*i+2], 16, 8)
		if err != nil {
			return can.Frame{}, fmt.Errorf("%w : %v", ErrMalformed, err)
		}
		frame.Data[i] = uint8(b)
	}
	return frame, nil
}

// decodeStatus updates counters from the flags of a "Fxx" response
func decodeStatus(counters can.Counters, flags uint8) can.Counters {
	if flags&(statusRxFifoFull|statusOverrun) != 0 {
		counters.RxOverflow++
	}
	switch {
	case flags&statusPassive != 0:
		counters.TxErrors = max(counters.TxErrors, 128)
		counters.RxErrors = max(counters.RxErrors, 128)
	case flags&statusWarning != 0:
		counters.TxErrors = max(min(counters.TxErrors, 127), 96)
		counters.RxErrors = max(min(counters.RxErrors, 127), 96)
	default:
		counters.TxErrors = 0
		counters.RxErrors = 0
	}
	return counters
}
