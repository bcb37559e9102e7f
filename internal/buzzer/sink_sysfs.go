package buzzer

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"
)

// sysfsSink writes the clkout frequency through the rtc-pcf85063 kernel
// driver attribute. The kernel validates the value against the hardware, so
// the sink only gates on the supported set to keep rejects local.
type sysfsSink struct {
	path string
}

func newSysfsSink(path string) *sysfsSink {
	return &sysfsSink{path: path}
}

func (s *sysfsSink) SetFrequencyHz(hz int) error {
	if hz != OffHz && !SupportedFrequencyHz(hz) {
		return fmt.Errorf("buzzer: clkout frequency %d Hz not supported", hz)
	}
	if err := writeClkoutAttr(s.path, strconv.Itoa(hz)); err != nil {
		return fmt.Errorf("buzzer: write %s: %w", s.path, err)
	}
	return nil
}

func (s *sysfsSink) Close() error {
	// Best-effort: leave the pin silent.
	return writeClkoutAttr(s.path, strconv.Itoa(OffHz))
}

// writeClkoutAttr opens the attribute per write with O_WRONLY and no
// truncation flags; sysfs attributes can reject O_TRUNC/O_CREATE at open()
// even when mode bits allow writes. One retry on a retryable errno covers the
// short udev permission window after driver bind, then the error stands.
func writeClkoutAttr(path, value string) error {
	err := writeOnce(path, value)
	if err == nil || !isRetryableSysfsErr(err) {
		return err
	}
	time.Sleep(25 * time.Millisecond)
	return writeOnce(path, value)
}

func writeOnce(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(value)
	cerr := f.Close()
	if werr != nil && cerr != nil {
		return errors.Join(werr, cerr)
	}
	if werr != nil {
		return werr
	}
	return cerr
}

func isRetryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) ||
		errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}
