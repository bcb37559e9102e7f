package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"buzzerd/internal/buzzer"
	"buzzerd/internal/config"
	"buzzerd/internal/hub"
	"buzzerd/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./buzzerd.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	// Tee process logs into the ring buffer served at /api/logs.
	logBuf := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc := buzzer.New(buzzer.Config{
		FrequencyHz: cfg.Buzzer.FrequencyHz,
		PeriodS:     cfg.Buzzer.PeriodS,
		DutyPercent: *cfg.Buzzer.DutyPercent,
		MinPeriodS:  cfg.Buzzer.MinPeriodS,
		MaxPeriodS:  cfg.Buzzer.MaxPeriodS,
		Backend:     cfg.Clkout.Backend,
		SysfsPath:   cfg.Clkout.SysfsPath,
		I2CBus:      cfg.Clkout.I2CBus,
		I2CAddr:     uint16(cfg.Clkout.I2CAddr),
		GPIOPin:     cfg.Clkout.GPIOPin,
	})

	log.Printf("buzzerd starting")
	log.Printf("clkout backend=%s frequency=%dHz period=%gs duty=%d%%",
		cfg.Clkout.Backend, cfg.Buzzer.FrequencyHz, cfg.Buzzer.PeriodS, *cfg.Buzzer.DutyPercent)

	var fatal atomic.Bool
	go func() {
		if err := svc.Run(ctx); err != nil {
			log.Printf("buzzer service stopped: %v", err)
			fatal.Store(true)
			cancel()
		}
	}()

	var hubClient *hub.Client
	if cfg.Hub.Enable {
		hubClient, err = hub.NewClient(hub.ClientConfig{
			Addr:           cfg.Hub.Addr,
			ReconnectDelay: cfg.Hub.ReconnectDelay,
		}, setpointResources(svc))
		if err != nil {
			log.Fatalf("hub client init failed: %v", err)
		}
		if err := hubClient.Start(ctx); err != nil {
			log.Fatalf("hub client start failed: %v", err)
		}
		log.Printf("hub addr=%s", cfg.Hub.Addr)
	}

	status := web.NewStatus(cfg.Clkout.Backend, svc, hubClient)
	go func() {
		if err := web.Serve(ctx, cfg.Web.Listen, status, svc, logBuf); err != nil && ctx.Err() == nil {
			log.Printf("web server stopped: %v", err)
			cancel()
		}
	}()
	log.Printf("web listen=%s", cfg.Web.Listen)

	<-ctx.Done()
	log.Printf("buzzerd stopping")

	// Hub first so the unregister messages go out on the live session.
	if hubClient != nil {
		hubClient.Close()
	}

	if fatal.Load() {
		os.Exit(1)
	}
}

// setpointResources maps the hub resources onto the service setters. The
// enable switch has no companion echo path; the numeric resources echo
// accepted values for observers.
func setpointResources(svc *buzzer.Service) []hub.Descriptor {
	return []hub.Descriptor{
		{
			Path: "buzzerenable", Units: "1/0", Kind: hub.KindBoolean,
			Apply: func(_ time.Time, v hub.Value) error { return svc.SetEnable(v.Bool) },
		},
		{
			Path: "frequency", EchoPath: "frequency/value", Units: "Hz", Kind: hub.KindNumeric,
			Apply: func(_ time.Time, v hub.Value) error { return svc.SetFrequencyHz(int(v.Num)) },
		},
		{
			Path: "buzzerperiod", EchoPath: "buzzerperiod/value", Units: "s", Kind: hub.KindNumeric,
			Apply: func(_ time.Time, v hub.Value) error { return svc.SetPeriodSeconds(v.Num) },
		},
		{
			Path: "duty-cycle-on-interval", EchoPath: "duty-cycle-on-interval/value", Units: "%", Kind: hub.KindNumeric,
			Apply: func(_ time.Time, v hub.Value) error { return svc.SetDutyPercent(int(v.Num)) },
		},
	}
}
