package buzzer

import "fmt"

// OffHz is the frequency written to silence the clkout pin.
const OffHz = 0

// Sink is the hardware surface that physically drives the buzzer.
//
// SetFrequencyHz must be callable repeatedly; a returned error means the
// physical output state is unknown and the caller must treat it as fatal.
type Sink interface {
	SetFrequencyHz(hz int) error
	Close() error
}

// supportedHz are the clkout frequencies the PCF85063 COF field can produce.
var supportedHz = []int{1024, 2048, 4096, 8192, 16384, 32768}

func SupportedFrequencyHz(hz int) bool {
	for _, f := range supportedHz {
		if hz == f {
			return true
		}
	}
	return false
}

var openSinkFn = openSink

func openSink(cfg Config) (Sink, error) {
	switch cfg.Backend {
	case "", "sysfs":
		return newSysfsSink(cfg.SysfsPath), nil
	case "i2c":
		return openI2CSink(cfg.I2CBus, cfg.I2CAddr)
	case "gpio":
		return openGPIOSink(cfg.GPIOPin)
	default:
		return nil, fmt.Errorf("buzzer: unknown clkout backend %q", cfg.Backend)
	}
}
