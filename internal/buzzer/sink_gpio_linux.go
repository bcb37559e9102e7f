//go:build linux

package buzzer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// openGPIOSink drives an active (self-oscillating) buzzer through a GPIO
// line via the Linux GPIO character device. Any supported frequency maps to
// line high and OffHz to line low; active buzzers pick their own tone.
func openGPIOSink(pin int) (Sink, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("buzzer: invalid gpio pin %d", pin)
	}

	// On Pi, line names are commonly "GPIO13", etc.
	lineName := fmt.Sprintf("GPIO%d", pin)

	chipCandidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "gpiochip") {
			chipCandidates = append(chipCandidates, filepath.Join("/dev", name))
		}
	}

	for _, chipPath := range chipCandidates {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("buzzerd"))
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &gpioSink{chip: chip, line: line}, nil
	}

	return nil, fmt.Errorf("buzzer: gpio line %q not found (or busy)", lineName)
}

type gpioSink struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpioSink) SetFrequencyHz(hz int) error {
	if g == nil || g.line == nil {
		return fmt.Errorf("buzzer: gpio sink not initialized")
	}
	if hz != OffHz && !SupportedFrequencyHz(hz) {
		return fmt.Errorf("buzzer: clkout frequency %d Hz not supported", hz)
	}
	v := 0
	if hz != OffHz {
		v = 1
	}
	if err := g.line.SetValue(v); err != nil {
		return fmt.Errorf("buzzer: gpio set value: %w", err)
	}
	return nil
}

func (g *gpioSink) Close() error {
	if g == nil || g.line == nil {
		return nil
	}
	// Graceful shutdown: buzzer off.
	_ = g.line.SetValue(0)
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}
