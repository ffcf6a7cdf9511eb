package power

import (
	"fmt"
	"time"
)

// PZEM-004T protocol constants.
const (
	pzemAddr       = 0xF8 // broadcast address, single module per port
	pzemFnReadIn   = 0x04
	pzemRegCount   = 10
	pzemRespLen    = 25
	pzemReadWindow = 600 * time.Millisecond
)

// PZEM drives a PZEM-004T AC energy meter over its Modbus-RTU serial
// protocol.
type PZEM struct {
	port SerialPort
}

// NewPZEM wraps a configured serial port.
func NewPZEM(port SerialPort) *PZEM {
	return &PZEM{port: port}
}

// pzemRequest builds the read-input-registers frame for regs 0..9 with
// the CRC appended low byte first.
func pzemRequest() []byte {
	frame := []byte{pzemAddr, pzemFnReadIn, 0x00, 0x00, 0x00, pzemRegCount}
	crc := crc16Modbus(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

// Read polls the meter once. The receive buffer is flushed first so a
// stale partial response cannot shift the frame.
func (s *PZEM) Read() (Reading, error) {
	if err := s.port.Flush(); err != nil {
		return Reading{}, fmt.Errorf("flushing port: %w", err)
	}
	if _, err := s.port.Write(pzemRequest()); err != nil {
		return Reading{}, fmt.Errorf("sending request: %w", err)
	}

	resp, err := s.receive()
	if err != nil {
		return Reading{}, err
	}
	return decodePZEM(resp)
}

// receive accumulates the fixed-length response within the read window.
func (s *PZEM) receive() ([]byte, error) {
	buf := make([]byte, pzemRespLen)
	got := 0
	deadline := time.Now().Add(pzemReadWindow)

	for got < pzemRespLen {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %d of %d bytes before timeout", ErrBadFrame, got, pzemRespLen)
		}
		n, err := s.port.Read(buf[got:])
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		got += n
	}
	return buf, nil
}

// decodePZEM validates and unpacks a 25-byte response frame.
func decodePZEM(resp []byte) (Reading, error) {
	if len(resp) != pzemRespLen {
		return Reading{}, fmt.Errorf("%w: length %d", ErrBadFrame, len(resp))
	}
	if resp[0] != pzemAddr || resp[1] != pzemFnReadIn || resp[2] != 2*pzemRegCount {
		return Reading{}, fmt.Errorf("%w: header % x", ErrBadFrame, resp[:3])
	}

	crc := crc16Modbus(resp[:23])
	if resp[23] != byte(crc) || resp[24] != byte(crc>>8) {
		return Reading{}, fmt.Errorf("%w: got %02x %02x want %02x %02x",
			ErrBadCRC, resp[23], resp[24], byte(crc), byte(crc>>8))
	}

	// Registers are big-endian 16-bit; 32-bit values send the low word
	// first.
	voltage := float64(be16(resp[3:])) * 100                       // 0.1 V units to mV
	current := float64(uint32(be16(resp[5:])) | uint32(be16(resp[7:]))<<16) // mA
	power := float64(uint32(be16(resp[9:]))|uint32(be16(resp[11:]))<<16) * 100 // 0.1 W units to mW

	return Reading{
		Voltage:   voltage,
		Current:   current,
		Power:     power,
		Timestamp: time.Now(),
	}, nil
}

func be16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
