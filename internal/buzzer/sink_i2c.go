package buzzer

import (
	"fmt"

	"buzzerd/internal/i2c"
)

// i2cSink programs the PCF85063 COF field directly over the I2C bus, for
// systems where the rtc driver does not expose the clkout_freq attribute.
const (
	pcf85063RegControl2 = 0x01
	pcf85063COFMask     = 0x07
)

// cofForHz maps a clkout frequency to the Control_2 COF[2:0] encoding.
// 0b110 (1 Hz) is deliberately unmapped; it is below the audible set.
func cofForHz(hz int) (byte, error) {
	switch hz {
	case 32768:
		return 0b000, nil
	case 16384:
		return 0b001, nil
	case 8192:
		return 0b010, nil
	case 4096:
		return 0b011, nil
	case 2048:
		return 0b100, nil
	case 1024:
		return 0b101, nil
	case OffHz:
		return 0b111, nil
	}
	return 0, fmt.Errorf("buzzer: clkout frequency %d Hz not supported", hz)
}

// regDev is the slice of i2c.Dev the sink needs; narrowed for tests.
type regDev interface {
	ReadRegU8(reg byte) (byte, error)
	WriteReg(reg, value byte) error
}

type i2cSink struct {
	busPath string
	addr    uint16

	bus *i2c.Bus
	dev regDev
}

func openI2CSink(busNum int, addr uint16) (Sink, error) {
	s := &i2cSink{busPath: fmt.Sprintf("/dev/i2c-%d", busNum), addr: addr}
	if err := s.reopen(); err != nil {
		return nil, fmt.Errorf("buzzer: open %s: %w", s.busPath, err)
	}
	return s, nil
}

func (s *i2cSink) reopen() error {
	if s.bus != nil {
		_ = s.bus.Close()
		s.bus = nil
		s.dev = nil
	}
	bus, err := i2c.Open(s.busPath)
	if err != nil {
		return err
	}
	s.bus = bus
	s.dev = bus.Dev(s.addr)
	return nil
}

func (s *i2cSink) setCOF(cof byte) error {
	v, err := s.dev.ReadRegU8(pcf85063RegControl2)
	if err != nil {
		return err
	}
	return s.dev.WriteReg(pcf85063RegControl2, (v&^pcf85063COFMask)|cof)
}

func (s *i2cSink) SetFrequencyHz(hz int) error {
	cof, err := cofForHz(hz)
	if err != nil {
		return err
	}
	ferr := s.setCOF(cof)
	if ferr == nil {
		return nil
	}
	// A failed transfer may be a stale bus handle; reopen once and retry.
	if err := s.reopen(); err != nil {
		return fmt.Errorf("buzzer: i2c write failed (%v) and bus reopen failed: %w", ferr, err)
	}
	if err := s.setCOF(cof); err != nil {
		return fmt.Errorf("buzzer: i2c set clkout %d Hz: %w", hz, err)
	}
	return nil
}

func (s *i2cSink) Close() error {
	if s.bus == nil {
		return nil
	}
	// Best-effort: silence the pin before releasing the bus.
	if cof, err := cofForHz(OffHz); err == nil {
		_ = s.setCOF(cof)
	}
	err := s.bus.Close()
	s.bus = nil
	s.dev = nil
	return err
}
