// Package devicesim emulates the pump firmware side of the protocol: periodic
// heartbeats, status responses, a schedule store and OTA image reassembly.
package devicesim

import (
	"bytes"
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"pumpctl.org/internal/device"
	"pumpctl.org/internal/obs"
	"pumpctl.org/internal/protocol"
	"pumpctl.org/internal/topic"
	"pumpctl.org/internal/transport"
)

type Config struct {
	Prefix    string
	ID        device.ID
	Heartbeat time.Duration
	Info      device.Info
	PumpOn    bool
	// Silent devices never answer status requests (heartbeats continue).
	Silent bool
}

type Device struct {
	cfg Config
	tr  transport.Transport

	mu        sync.Mutex
	pumpOn    bool
	schedules map[int64]protocol.Schedule
	image     bytes.Buffer
	imageSize int
	firmware  []byte
	received  []string
	started   time.Time
}

// DefaultInfo returns plausible status fields for a simulated pump.
func DefaultInfo(id device.ID) device.Info {
	return device.Info{
		FirmwareVersion: "1.4.2",
		PumpType:        "submersible",
		IMSI:            "404860000000001",
		SiteName:        "site-" + string(id),
	}
}

func New(cfg Config, tr transport.Transport) *Device {
	if cfg.Prefix == "" {
		cfg.Prefix = "pump"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	return &Device{
		cfg:       cfg,
		tr:        tr,
		pumpOn:    cfg.PumpOn,
		schedules: make(map[int64]protocol.Schedule),
		started:   time.Now(),
	}
}

func (d *Device) addr(ch topic.Channel) string {
	return topic.Topic{Prefix: strings.Trim(d.cfg.Prefix, "/"), Device: d.cfg.ID, Channel: ch}.String()
}

// Run connects, listens on the rx topic and sends heartbeats until ctx ends.
func (d *Device) Run(ctx context.Context) error {
	if d.tr.State() != transport.StateConnected {
		if err := d.tr.Connect(ctx); err != nil {
			return fmt.Errorf("devicesim %s: %w", d.cfg.ID, err)
		}
	}
	rx, err := d.tr.Subscribe(ctx, d.addr(topic.ChannelRx))
	if err != nil {
		return fmt.Errorf("devicesim %s: %w", d.cfg.ID, err)
	}
	obs.Info("devicesim_started", map[string]any{"device": d.cfg.ID, "heartbeat": d.cfg.Heartbeat.String()})

	ticker := time.NewTicker(d.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Heartbeat(ctx)
		case msg, ok := <-rx:
			if !ok {
				return nil
			}
			d.handle(ctx, msg.Payload)
		}
	}
}

// Heartbeat publishes one status.notify.
func (d *Device) Heartbeat(ctx context.Context) {
	d.mu.Lock()
	on := d.pumpOn
	d.mu.Unlock()
	d.publish(ctx, topic.ChannelStatus, map[string]any{
		"method": protocol.MethodStatusNotify,
		"params": map[string]any{"pump_status": on},
	})
}

func (d *Device) publish(ctx context.Context, ch topic.Channel, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := d.tr.Publish(ctx, d.addr(ch), data); err != nil {
		obs.Warn("devicesim_publish_failed", map[string]any{"device": d.cfg.ID, "error": err})
	}
}

type envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (d *Device) handle(ctx context.Context, payload []byte) {
	text := strings.TrimSpace(string(payload))
	d.mu.Lock()
	d.received = append(d.received, commandName(text))
	d.mu.Unlock()

	switch text {
	case protocol.RawPumpOn, protocol.RawPumpOff:
		d.mu.Lock()
		d.pumpOn = text == protocol.RawPumpOn
		d.mu.Unlock()
		d.Heartbeat(ctx)
		return
	case protocol.RawStatus:
		if !d.cfg.Silent {
			d.respondStatus(ctx)
		}
		return
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		obs.Debug("devicesim_bad_command", map[string]any{"device": d.cfg.ID, "error": err})
		return
	}
	switch env.Method {
	case protocol.MethodScheduleAdd:
		var s protocol.Schedule
		if json.Unmarshal(env.Params, &s) == nil && s.Validate() == nil {
			d.mu.Lock()
			d.schedules[s.ID] = s
			d.mu.Unlock()
		}
	case protocol.MethodScheduleDelete:
		var p struct {
			ID int64 `json:"id"`
		}
		if json.Unmarshal(env.Params, &p) == nil {
			d.mu.Lock()
			delete(d.schedules, p.ID)
			d.mu.Unlock()
		}
	case protocol.MethodScheduleToggle:
		var p struct {
			ID      int64 `json:"id"`
			Enabled bool  `json:"enabled"`
		}
		if json.Unmarshal(env.Params, &p) == nil {
			d.mu.Lock()
			if s, ok := d.schedules[p.ID]; ok {
				s.Enabled = p.Enabled
				d.schedules[p.ID] = s
			}
			d.mu.Unlock()
		}
	case protocol.MethodScheduleList:
		d.publish(ctx, topic.ChannelTx, map[string]any{
			"result": map[string]any{"schedules": d.Schedules()},
		})
	case protocol.MethodOTAUpload:
		var p protocol.OTAParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return
		}
		d.otaChunk(p)
	}
}

func commandName(text string) string {
	if strings.HasPrefix(text, "{") {
		var env envelope
		if json.Unmarshal([]byte(text), &env) == nil {
			return env.Method
		}
	}
	return text
}

func (d *Device) respondStatus(ctx context.Context) {
	d.mu.Lock()
	state := "OFF"
	if d.pumpOn {
		state = "ON"
	}
	info := d.cfg.Info
	d.mu.Unlock()
	if info.Uptime == "" {
		info.Uptime = time.Since(d.started).Truncate(time.Second).String()
	}
	d.publish(ctx, topic.ChannelTx, map[string]any{
		"method": protocol.MethodStatusResponse,
		"params": map[string]any{
			"pump_status":      state,
			"firmware_version": info.FirmwareVersion,
			"pump_type":        info.PumpType,
			"imsi":             info.IMSI,
			"uptime":           info.Uptime,
			"site_name":        info.SiteName,
		},
	})
}

// otaChunk appends in-order chunks; a chunk at offset 0 restarts the image
// and anything out of order discards the partial image.
func (d *Device) otaChunk(p protocol.OTAParams) {
	data, err := base64.StdEncoding.DecodeString(p.Chunk)
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.Offset == 0 {
		d.image.Reset()
		d.imageSize = p.Total
	}
	if p.Offset != d.image.Len() || p.Total != d.imageSize {
		obs.Warn("devicesim_ota_discarded", map[string]any{"device": d.cfg.ID, "offset": p.Offset, "have": d.image.Len()})
		d.image.Reset()
		d.imageSize = 0
		return
	}
	d.image.Write(data)
	if d.image.Len() == d.imageSize {
		d.firmware = bytes.Clone(d.image.Bytes())
		d.image.Reset()
		obs.Info("devicesim_ota_complete", map[string]any{"device": d.cfg.ID, "bytes": len(d.firmware)})
	}
}

// Schedules lists the stored schedules by id.
func (d *Device) Schedules() []protocol.Schedule {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.Schedule, 0, len(d.schedules))
	for _, s := range d.schedules {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b protocol.Schedule) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (d *Device) PumpOn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pumpOn
}

// Firmware is the last completely received image.
func (d *Device) Firmware() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.firmware)
}

// Received lists command names in arrival order.
func (d *Device) Received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.received)
}
