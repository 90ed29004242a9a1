package virtual

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/samsamfire/gocandriver/pkg/can"
)

// Wire format used by virtualcan brokers : a 4 byte big endian length
// followed by the frame fields in big endian order.
const (
	headerSize = 4
	frameSize  = 14
	// Upper bound on the announced length, anything above is a corrupted stream
	maxPayloadSize = 64
)

// Helper function for serializing a CAN frame into the expected binary format
func serializeFrame(frame can.Frame) ([]byte, error) {
	buffer := bytes.NewBuffer(make([]byte, 0, headerSize+frameSize))
	_ = binary.Write(buffer, binary.BigEndian, uint32(frameSize))
	err := binary.Write(buffer, binary.BigEndian, frame)
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Helper function for deserializing a CAN frame from expected binary format
func deserializeFrame(buffer []byte) (can.Frame, error) {
	var frame can.Frame
	err := binary.Read(bytes.NewReader(buffer), binary.BigEndian, &frame)
	return frame, err
}

// readFrame reads exactly one length prefixed frame from r
func readFrame(r io.Reader) (can.Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return can.Frame{}, err
	}
	length := binary.BigEndian.Uint32(header)
	if length < frameSize || length > maxPayloadSize {
		return can.Frame{}, fmt.Errorf("invalid frame length %v", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return can.Frame{}, err
	}
	return deserializeFrame(payload)
}
