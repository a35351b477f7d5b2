package devicesim

import (
	"bytes"
	"context"
	"testing"
	"time"

	"pumpctl.org/internal/device"
	"pumpctl.org/internal/protocol"
	"pumpctl.org/internal/topic"
	"pumpctl.org/internal/transfer"
	"pumpctl.org/internal/transport"
)

func setup(t *testing.T, cfg Config) (*Device, *transport.MemConn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := transport.NewBroker()
	dev := New(cfg, b.Dial(string(cfg.ID), nil))
	client := b.Dial("dashboard", nil)
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	go func() { _ = dev.Run(ctx) }()
	waitFor(t, func() bool { return dev.tr.State() == transport.StateConnected })
	// let the rx subscription register
	time.Sleep(10 * time.Millisecond)
	return dev, client, ctx
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func next(t *testing.T, ch <-chan transport.Message) transport.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("no message")
	}
	return transport.Message{}
}

func TestStatusAndPumpCommands(t *testing.T) {
	dev, client, ctx := setup(t, Config{ID: "contact", Heartbeat: time.Hour, Info: device.Info{FirmwareVersion: "1.0.0", SiteName: "Orchard"}})
	tx, _ := client.Subscribe(ctx, "pump/contact/tx")
	status, _ := client.Subscribe(ctx, "pump/contact/status")

	_ = client.Publish(ctx, "pump/contact/rx", []byte("status"))
	msg, err := protocol.Decode(topic.ChannelTx, next(t, tx).Payload)
	if err != nil || msg.Kind != protocol.KindStatusResponse || msg.Info.SiteName != "Orchard" || msg.PumpOn {
		t.Fatalf("unexpected status response %+v err=%v", msg, err)
	}

	_ = client.Publish(ctx, "pump/contact/rx", []byte("PUMP ON"))
	hb, err := protocol.Decode(topic.ChannelStatus, next(t, status).Payload)
	if err != nil || hb.Kind != protocol.KindNotify || !hb.PumpOn || !dev.PumpOn() {
		t.Fatalf("unexpected heartbeat %+v err=%v", hb, err)
	}
}

func TestScheduleStore(t *testing.T) {
	dev, client, ctx := setup(t, Config{ID: "shey", Heartbeat: time.Hour})
	tx, _ := client.Subscribe(ctx, "pump/shey/tx")

	s := protocol.Schedule{ID: 10, Start: 1700000000, Duration: 60, Interval: protocol.IntervalDaily, Enabled: true}
	for _, cmd := range []protocol.Command{protocol.ScheduleAdd(s), protocol.ScheduleToggle(10, false), protocol.ScheduleList()} {
		raw, _ := cmd.Encode()
		_ = client.Publish(ctx, "pump/shey/rx", raw)
	}
	msg, err := protocol.Decode(topic.ChannelTx, next(t, tx).Payload)
	if err != nil || len(msg.Schedules) != 1 || msg.Schedules[0].Enabled {
		t.Fatalf("unexpected list %+v err=%v", msg, err)
	}

	raw, _ := protocol.ScheduleDelete(10).Encode()
	_ = client.Publish(ctx, "pump/shey/rx", raw)
	waitFor(t, func() bool { return len(dev.Schedules()) == 0 })
}

func TestOTAReassembly(t *testing.T) {
	dev, client, ctx := setup(t, Config{ID: "contact", Heartbeat: time.Hour})
	image := bytes.Repeat([]byte("firmware"), 1250)
	plan, _ := transfer.Split(image, 4096)
	for c := range plan.Chunks() {
		raw, _ := protocol.OTAChunk(c.Offset, c.Total, c.Data).Encode()
		_ = client.Publish(ctx, "pump/contact/rx", raw)
	}
	waitFor(t, func() bool { return bytes.Equal(dev.Firmware(), image) })
}
