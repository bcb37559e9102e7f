//go:build !linux

package buzzer

import "fmt"

func openGPIOSink(pin int) (Sink, error) {
	return nil, fmt.Errorf("buzzer: gpio clkout backend requires linux")
}
