package machine_test

import (
	"testing"

	"github.com/set-io/vmm/machine"
)

type fakeIRQ struct {
	count int
}

func (f *fakeIRQ) InjectSerialIRQ() error {
	f.count++
	return nil
}

func serialIn(t *testing.T, s *machine.Serial, off uint64) byte {
	t.Helper()

	b := []byte{0}
	if err := s.In(machine.COM1Addr+off, b); err != nil {
		t.Fatalf("In(%d): %v", off, err)
	}
	return b[0]
}

func serialOut(t *testing.T, s *machine.Serial, off uint64, v byte) {
	t.Helper()

	if err := s.Out(machine.COM1Addr+off, []byte{v}); err != nil {
		t.Fatalf("Out(%d, %#x): %v", off, v, err)
	}
}

func TestSerialInputRBRCycle(t *testing.T) {
	irq := &fakeIRQ{}
	s, err := machine.NewSerial(irq)
	if err != nil {
		t.Fatal(err)
	}

	if got := s.Input('x'); got != 1 {
		t.Errorf("Input accepted %d bytes, want 1", got)
	}
	if irq.count != 1 {
		t.Errorf("irq injected %d times, want 1", irq.count)
	}
	if got := s.Input('y'); got != 0 {
		t.Errorf("Input on full slot accepted %d bytes, want 0", got)
	}

	if lsr := serialIn(t, s, 5); lsr&0x1 == 0 {
		t.Errorf("LSR.DR not set with pending byte: %#x", lsr)
	}
	if got := serialIn(t, s, 0); got != 'x' {
		t.Errorf("RBR = %#x, want %#x", got, 'x')
	}
	if lsr := serialIn(t, s, 5); lsr&0x1 != 0 {
		t.Errorf("LSR.DR still set after RBR read: %#x", lsr)
	}
	if got := serialIn(t, s, 0); got != 0 {
		t.Errorf("empty RBR = %#x, want 0", got)
	}

	// Slot drained, next byte is accepted again.
	if got := s.Input('y'); got != 1 {
		t.Errorf("Input after drain accepted %d bytes, want 1", got)
	}
	if got := serialIn(t, s, 0); got != 'y' {
		t.Errorf("RBR = %#x, want %#x", got, 'y')
	}
}

func TestSerialIERWriteInjects(t *testing.T) {
	irq := &fakeIRQ{}
	s, _ := machine.NewSerial(irq)

	serialOut(t, s, 1, 0x00)
	if irq.count != 0 {
		t.Errorf("irq injected on IER=0 write")
	}
	serialOut(t, s, 1, 0x01)
	if irq.count != 1 {
		t.Errorf("irq injected %d times on IER erdai write, want 1", irq.count)
	}
	if got := serialIn(t, s, 1); got != 0x01 {
		t.Errorf("IER = %#x, want 0x01", got)
	}
}

func TestSerialLCRPassThrough(t *testing.T) {
	s, _ := machine.NewSerial(&fakeIRQ{})

	serialOut(t, s, 3, 0b10110100)
	if got := serialIn(t, s, 3); got != 0b10110100 {
		t.Errorf("LCR = %#b, want 0b10110100", got)
	}

	lcr := machine.LCR(0b10110100)
	if got := lcr.WordLength(); got != 0b00 {
		t.Errorf("WordLength = %#b, want 0b00", got)
	}
	if got := lcr.StopBits(); got != 1 {
		t.Errorf("StopBits = %d, want 1", got)
	}
	if got := lcr.Parity(); got != 0b110 {
		t.Errorf("Parity = %#b, want 0b110", got)
	}
	if lcr.BreakEnabled() {
		t.Error("BreakEnabled = true, want false")
	}
	if !lcr.DLAB() {
		t.Error("DLAB = false, want true")
	}
}

func TestSerialDLABBanking(t *testing.T) {
	s, _ := machine.NewSerial(&fakeIRQ{})

	// DLAB on: offsets 0/1 are the divisor latch. Default is 9600
	// baud, divisor 12.
	serialOut(t, s, 3, 0x80)
	if got := serialIn(t, s, 0); got != 12 {
		t.Errorf("DLL = %d, want 12", got)
	}
	if got := serialIn(t, s, 1); got != 0 {
		t.Errorf("DLH = %d, want 0", got)
	}

	serialOut(t, s, 0, 0x23)
	serialOut(t, s, 1, 0x01)
	if got := serialIn(t, s, 0); got != 0x23 {
		t.Errorf("DLL = %#x, want 0x23", got)
	}
	if got := serialIn(t, s, 1); got != 0x01 {
		t.Errorf("DLH = %#x, want 0x01", got)
	}

	// DLAB off: offset 0 banks back to RBR.
	serialOut(t, s, 3, 0x00)
	if got := serialIn(t, s, 0); got != 0 {
		t.Errorf("RBR = %#x, want 0", got)
	}
}

func TestSerialLSRReadOnly(t *testing.T) {
	s, _ := machine.NewSerial(&fakeIRQ{})

	if err := s.Out(machine.COM1Addr+5, []byte{0xff}); err == nil {
		t.Error("LSR write succeeded, want error")
	}

	// THRE and transmitter-empty always read set; no TX FIFO exists.
	if lsr := serialIn(t, s, 5); lsr&0x60 != 0x60 {
		t.Errorf("LSR = %#x, want THRE|TEMT set", lsr)
	}
}
