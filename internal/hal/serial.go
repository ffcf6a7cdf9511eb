package hal

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// baudFlags maps supported baud rates to termios speed constants.
var baudFlags = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// SerialPort is a raw 8N1 serial port with a 500 ms read timeout,
// matching the metering module's response deadline.
type SerialPort struct {
	f *os.File
}

// OpenSerial opens a tty ("/dev/ttyS2") in raw mode at the given baud
// rate.
func OpenSerial(device string, baud int) (*SerialPort, error) {
	speed, ok := baudFlags[baud]
	if !ok {
		return nil, fmt.Errorf("unsupported baud rate %d", baud)
	}

	f, err := os.OpenFile(device, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}

	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		f.Close() //nolint:errcheck,gosec // setup failed, close is best effort
		return nil, fmt.Errorf("reading termios for %s: %w", device, err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed

	// VMIN=0 VTIME=5: reads return whatever arrived within 500 ms.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 5

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		f.Close() //nolint:errcheck,gosec // setup failed, close is best effort
		return nil, fmt.Errorf("configuring %s: %w", device, err)
	}

	return &SerialPort{f: f}, nil
}

// Read reads available bytes, returning after at most 500 ms.
func (p *SerialPort) Read(buf []byte) (int, error) {
	return p.f.Read(buf)
}

// Write sends bytes to the port.
func (p *SerialPort) Write(buf []byte) (int, error) {
	return p.f.Write(buf)
}

// Flush discards any unread input. Called before a request so stale
// response bytes cannot shift the frame.
func (p *SerialPort) Flush() error {
	if err := unix.IoctlSetInt(int(p.f.Fd()), unix.TCFLSH, unix.TCIFLUSH); err != nil {
		return fmt.Errorf("flushing input: %w", err)
	}
	return nil
}

// Close releases the port.
func (p *SerialPort) Close() error {
	return p.f.Close()
}
