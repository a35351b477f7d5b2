package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"pumpctl.org/internal/config"
	"pumpctl.org/internal/device"
	"pumpctl.org/internal/devicesim"
	"pumpctl.org/internal/obs"
	"pumpctl.org/internal/transport/dialer"
)

func main() {
	cfg := config.Load()
	var (
		devices   = flag.String("devices", strings.Join(cfg.KnownDevices, ","), "Comma separated device ids to emulate")
		heartbeat = flag.Duration("heartbeat", 10*time.Second, "Heartbeat interval")
		silent    = flag.Bool("silent", false, "Never answer status requests")
		pumpOn    = flag.Bool("pump-on", false, "Initial pump state")
	)
	flag.Parse()
	obs.SetLevel(cfg.LogLevel)

	if cfg.Transport == config.TransportMemory {
		fmt.Fprintln(os.Stderr, "devicesim needs a broker: set PUMPCTL_TRANSPORT to mqtt, nats or redis")
		os.Exit(1)
	}
	dial, err := dialer.New(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transport: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, raw := range strings.Split(*devices, ",") {
		id, err := device.ParseID(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip device %q: %v\n", raw, err)
			continue
		}
		tr := dial("devicesim-"+string(id), nil)
		dev := devicesim.New(devicesim.Config{
			Prefix:    cfg.TopicPrefix,
			ID:        id,
			Heartbeat: *heartbeat,
			Info:      devicesim.DefaultInfo(id),
			PumpOn:    *pumpOn,
			Silent:    *silent,
		}, tr)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer tr.Close()
			if err := dev.Run(ctx); err != nil {
				obs.Error("devicesim_failed", map[string]any{"device": id, "error": err})
			}
		}()
	}
	wg.Wait()
}
