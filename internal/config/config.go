package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Buzzer BuzzerConfig `yaml:"buzzer"`
	Clkout ClkoutConfig `yaml:"clkout"`
	Hub    HubConfig    `yaml:"hub"`
	Web    WebConfig    `yaml:"web"`
}

type BuzzerConfig struct {
	// FrequencyHz is the startup clkout frequency; must be one of the
	// PCF85063-supported set.
	FrequencyHz int `yaml:"frequency_hz"`
	// PeriodS is the startup full on+off cycle length in seconds.
	PeriodS float64 `yaml:"period_s"`
	// DutyPercent is the startup on fraction (0 = silent, 100 = continuous).
	// Pointer so an explicit 0 is distinguishable from "not set".
	DutyPercent *int `yaml:"duty_percent"`

	MinPeriodS float64 `yaml:"min_period_s"`
	MaxPeriodS float64 `yaml:"max_period_s"`
}

type ClkoutConfig struct {
	Backend   string `yaml:"backend"`
	SysfsPath string `yaml:"sysfs_path"`
	I2CBus    int    `yaml:"i2c_bus"`
	I2CAddr   int    `yaml:"i2c_addr"`
	GPIOPin   int    `yaml:"gpio_pin"`
}

type HubConfig struct {
	Enable         bool          `yaml:"enable"`
	Addr           string        `yaml:"addr"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

// Frequencies the PCF85063 clkout pin can produce (COF field).
var supportedFrequenciesHz = []int{1024, 2048, 4096, 8192, 16384, 32768}

const defaultSysfsPath = "/sys/bus/i2c/drivers/rtc-pcf85063/8-0051/clkout_freq"

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	// Unknown keys are a config mistake, not something to silently ignore.
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := defaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultAndValidate(cfg *Config) error {
	if cfg.Buzzer.FrequencyHz == 0 {
		cfg.Buzzer.FrequencyHz = 2048
	}
	if !frequencySupported(cfg.Buzzer.FrequencyHz) {
		return fmt.Errorf("buzzer.frequency_hz must be one of 1024, 2048, 4096, 8192, 16384, 32768")
	}
	if cfg.Buzzer.MinPeriodS == 0 {
		cfg.Buzzer.MinPeriodS = 0.1
	}
	if cfg.Buzzer.MaxPeriodS == 0 {
		cfg.Buzzer.MaxPeriodS = 3600
	}
	if cfg.Buzzer.MinPeriodS <= 0 {
		return fmt.Errorf("buzzer.min_period_s must be > 0")
	}
	if cfg.Buzzer.MaxPeriodS < cfg.Buzzer.MinPeriodS {
		return fmt.Errorf("buzzer.max_period_s must be >= buzzer.min_period_s")
	}
	if cfg.Buzzer.PeriodS == 0 {
		cfg.Buzzer.PeriodS = 1.0
	}
	if cfg.Buzzer.PeriodS < cfg.Buzzer.MinPeriodS || cfg.Buzzer.PeriodS > cfg.Buzzer.MaxPeriodS {
		return fmt.Errorf("buzzer.period_s must be within [buzzer.min_period_s, buzzer.max_period_s]")
	}
	if cfg.Buzzer.DutyPercent == nil {
		d := 50
		cfg.Buzzer.DutyPercent = &d
	}
	if *cfg.Buzzer.DutyPercent < 0 || *cfg.Buzzer.DutyPercent > 100 {
		return fmt.Errorf("buzzer.duty_percent must be within [0, 100]")
	}

	if cfg.Clkout.Backend == "" {
		cfg.Clkout.Backend = "sysfs"
	}
	switch cfg.Clkout.Backend {
	case "sysfs", "i2c", "gpio":
	default:
		return fmt.Errorf("clkout.backend must be one of 'sysfs', 'i2c', 'gpio'")
	}
	if cfg.Clkout.SysfsPath == "" {
		cfg.Clkout.SysfsPath = defaultSysfsPath
	}
	if cfg.Clkout.I2CBus == 0 {
		cfg.Clkout.I2CBus = 8
	}
	if cfg.Clkout.I2CBus < 0 {
		return fmt.Errorf("clkout.i2c_bus must be >= 0")
	}
	if cfg.Clkout.I2CAddr == 0 {
		cfg.Clkout.I2CAddr = 0x51
	}
	if cfg.Clkout.I2CAddr < 0x03 || cfg.Clkout.I2CAddr > 0x77 {
		return fmt.Errorf("clkout.i2c_addr must be a 7-bit address in [0x03, 0x77]")
	}
	if cfg.Clkout.GPIOPin == 0 {
		cfg.Clkout.GPIOPin = 13
	}
	if cfg.Clkout.GPIOPin < 0 {
		return fmt.Errorf("clkout.gpio_pin must be > 0")
	}

	if cfg.Hub.Addr == "" {
		cfg.Hub.Addr = "127.0.0.1:5680"
	}
	if cfg.Hub.ReconnectDelay == 0 {
		cfg.Hub.ReconnectDelay = 1 * time.Second
	}
	if cfg.Hub.ReconnectDelay < 0 {
		return fmt.Errorf("hub.reconnect_delay must be > 0")
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	return nil
}

func frequencySupported(hz int) bool {
	for _, f := range supportedFrequenciesHz {
		if hz == f {
			return true
		}
	}
	return false
}
