package hal

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// i2cSlave is the i2c-dev ioctl selecting the target device address.
const i2cSlave = 0x0703

// I2CDevice is one addressed device on an I2C bus. Not safe for
// concurrent use; callers serialise access per bus.
type I2CDevice struct {
	f    *os.File
	addr uint8
}

// OpenI2C opens an i2c-dev node ("/dev/i2c-1") and binds it to a
// 7-bit device address.
func OpenI2C(device string, addr uint8) (*I2CDevice, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), i2cSlave, int(addr)); err != nil {
		f.Close() //nolint:errcheck,gosec // open failed, close is best effort
		return nil, fmt.Errorf("selecting address 0x%02x on %s: %w", addr, device, err)
	}
	return &I2CDevice{f: f, addr: addr}, nil
}

// Addr returns the bound 7-bit device address.
func (d *I2CDevice) Addr() uint8 { return d.addr }

// ReadReg16 reads a big-endian 16-bit register.
func (d *I2CDevice) ReadReg16(reg uint8) (uint16, error) {
	if _, err := d.f.Write([]byte{reg}); err != nil {
		return 0, fmt.Errorf("selecting register 0x%02x: %w", reg, err)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(d.f, buf); err != nil {
		return 0, fmt.Errorf("reading register 0x%02x: %w", reg, err)
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

// WriteReg16 writes a big-endian 16-bit register.
func (d *I2CDevice) WriteReg16(reg uint8, value uint16) error {
	if _, err := d.f.Write([]byte{reg, byte(value >> 8), byte(value)}); err != nil {
		return fmt.Errorf("writing register 0x%02x: %w", reg, err)
	}
	return nil
}

// Close releases the device node.
func (d *I2CDevice) Close() error {
	return d.f.Close()
}
