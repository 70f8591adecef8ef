package machine

import (
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const ttyDev = "/dev/tty"

// RawTTY holds the host terminal in raw mode. ISIG is deliberately
// left enabled: ^C and ^Z must still be able to kill the VMM, at the
// cost of no termios restore on a signal death.
type RawTTY struct {
	f    *os.File
	orig unix.Termios
}

func OpenRawTTY() (*RawTTY, error) {
	f, err := os.OpenFile(ttyDev, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	t, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &RawTTY{f: f, orig: *t}

	t.Lflag &^= unix.ECHO | unix.ICANON | unix.IEXTEN
	t.Iflag &^= unix.IXON | unix.ICRNL | unix.BRKINT | unix.INPCK | unix.ISTRIP
	t.Cflag &^= unix.CSIZE
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, t); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Restore puts the terminal back and closes it. Safe to call exactly
// once on every exit path short of a fatal signal.
func (r *RawTTY) Restore() {
	_ = unix.IoctlSetTermios(int(r.f.Fd()), unix.TCSETS, &r.orig)
	_ = r.f.Close()
}

// Pump moves host key presses into the UART RX slot until stop is
// closed. VMIN=0/VTIME=0 makes Read non-blocking, so the loop polls;
// a full RX slot means the guest has not drained the last byte yet
// and the offer is retried.
func (r *RawTTY) Pump(s *Serial, stop <-chan struct{}) {
	buf := make([]byte, 256)

	for {
		select {
		case <-stop:
			return
		default:
		}

		// os.File reports an empty non-blocking read as io.EOF.
		n, err := r.f.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for i := 0; i < n; {
			select {
			case <-stop:
				return
			default:
			}
			if s.Input(buf[i]) == 0 {
				time.Sleep(time.Millisecond)
				continue
			}
			i++
			time.Sleep(time.Millisecond)
		}
	}
}
