package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pumpctl.org/internal/topic"
)

func TestEncodeRawCommands(t *testing.T) {
	cases := map[string]Command{
		"PUMP ON":  Pump(true),
		"PUMP OFF": Pump(false),
		"status":   StatusRequest(),
	}
	for want, cmd := range cases {
		got, err := cmd.Encode()
		if err != nil {
			t.Fatalf("Encode(%s): %v", want, err)
		}
		if string(got) != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
	if _, err := (Command{}).Encode(); err == nil {
		t.Fatalf("expected error for zero command")
	}
}

func TestEncodeEnvelopes(t *testing.T) {
	s := Schedule{ID: 1700000000000, Start: 1700000000, Duration: 600, Interval: IntervalDaily, Enabled: true}
	cases := []struct {
		cmd  Command
		want string
	}{
		{ScheduleAdd(s), `{"method":"schedule.add","params":{"id":1700000000000,"start":1700000000,"duration":600,"interval":86400,"enabled":true}}`},
		{ScheduleDelete(42), `{"method":"schedule.delete","params":{"id":42}}`},
		{ScheduleToggle(42, false), `{"method":"schedule.toggle","params":{"id":42,"enabled":false}}`},
		{ScheduleList(), `{"method":"schedule.list"}`},
		{OTAChunk(4096, 10000, []byte("abc")), `{"method":"ota.upload","params":{"offset":4096,"total":10000,"chunk":"YWJj"}}`},
	}
	for _, tc := range cases {
		got, err := tc.cmd.Encode()
		if err != nil {
			t.Fatalf("Encode(%s): %v", tc.cmd.Name(), err)
		}
		if string(got) != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.cmd.Name(), tc.want, got)
		}
	}
}

func TestOTAChunkIsBase64(t *testing.T) {
	data := []byte{0x00, 0xff, 0x10, 0x80}
	raw, err := OTAChunk(0, 4, data).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var env struct {
		Params OTAParams `json:"params"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(env.Params.Chunk)
	if err != nil || string(decoded) != string(data) {
		t.Fatalf("chunk did not survive encoding: %v %x", err, decoded)
	}
}

func TestDecodeNotify(t *testing.T) {
	cases := map[string]bool{
		`{"method":"status.notify","params":{"pump_status":true}}`:  true,
		`{"method":"status.notify","params":{"pump_status":1}}`:     true,
		`{"method":"status.notify","params":{"pump_status":"ON"}}`:  true,
		`{"method":"status.notify","params":{"pump_status":false}}`: false,
		`{"method":"status.notify","params":{}}`:                    false,
		`{"method":"status.notify"}`:                                false,
	}
	for payload, want := range cases {
		msg, err := Decode(topic.ChannelStatus, []byte(payload))
		if err != nil {
			t.Fatalf("Decode(%s): %v", payload, err)
		}
		if msg.Kind != KindNotify || msg.PumpOn != want {
			t.Fatalf("Decode(%s) = %+v, want pump %v", payload, msg, want)
		}
	}
}

func TestDecodeStatusResponse(t *testing.T) {
	payload := `{"method":"status.response","params":{"pump_status":"ON","firmware_version":"1.4.2","pump_type":"solar","imsi":"404450000000001","uptime":3600,"site_name":"North field"}}`
	msg, err := Decode(topic.ChannelTx, []byte(payload))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Kind != KindStatusResponse || !msg.PumpOn {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Info.FirmwareVersion != "1.4.2" || msg.Info.Uptime != "3600" || msg.Info.SiteName != "North field" || msg.Info.IMSI != "404450000000001" {
		t.Fatalf("unexpected info %+v", msg.Info)
	}

	off, err := Decode(topic.ChannelTx, []byte(`{"method":"status.response","params":{"pump_status":"OFF","uptime":"2h"}}`))
	if err != nil || off.PumpOn || off.Info.Uptime != "2h" {
		t.Fatalf("unexpected off response %+v err=%v", off, err)
	}
}

func TestDecodeScheduleList(t *testing.T) {
	payload := `{"result":{"schedules":[{"id":5,"start":1700000000,"duration":60,"interval":0,"enabled":true}]}}`
	msg, err := Decode(topic.ChannelTx, []byte(payload))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Kind != KindScheduleList || len(msg.Schedules) != 1 || msg.Schedules[0].ID != 5 {
		t.Fatalf("unexpected message %+v", msg)
	}

	empty, err := Decode(topic.ChannelTx, []byte(`{"result":{"schedules":[]}}`))
	if err != nil || empty.Kind != KindScheduleList || len(empty.Schedules) != 0 {
		t.Fatalf("empty list must still replace the cache: %+v err=%v", empty, err)
	}
}

func TestDecodeRejectsNoise(t *testing.T) {
	parse := []struct {
		ch      topic.Channel
		payload string
	}{
		{topic.ChannelStatus, `not json`},
		{topic.ChannelStatus, `{"method":`},
		{topic.ChannelTx, ``},
		{topic.ChannelTx, `[1,2]`},
		{topic.ChannelStatus, `{"method":"status.notify","params":"x"}`},
	}
	for _, tc := range parse {
		if _, err := Decode(tc.ch, []byte(tc.payload)); !errors.Is(err, ErrParse) {
			t.Fatalf("Decode(%s, %q) expected ErrParse, got %v", tc.ch, tc.payload, err)
		}
	}

	unknown := []struct {
		ch      topic.Channel
		payload string
	}{
		{topic.ChannelStatus, `{"method":"status.response","params":{"pump_status":"ON"}}`},
		{topic.ChannelTx, `{"method":"status.notify","params":{"pump_status":true}}`},
		{topic.ChannelTx, `{"method":"reboot"}`},
		{topic.ChannelRx, `{"method":"status.notify"}`},
		{topic.ChannelStatus, `{"result":{"schedules":[]}}`},
	}
	for _, tc := range unknown {
		if _, err := Decode(tc.ch, []byte(tc.payload)); !errors.Is(err, ErrUnknownMethod) {
			t.Fatalf("Decode(%s, %q) expected ErrUnknownMethod, got %v", tc.ch, tc.payload, err)
		}
	}
}

func TestScheduleSpecBuild(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	start := now.Add(time.Hour)

	s, err := ScheduleSpec{Start: start, DurationMin: 15, Frequency: FrequencyDaily}.Build(now)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.Start != start.Unix() || s.Duration != 900 || s.Interval != IntervalDaily || !s.Enabled || s.ID < now.UnixMilli() {
		t.Fatalf("unexpected schedule %+v", s)
	}
	if s.Label() != "Daily" {
		t.Fatalf("unexpected label %q", s.Label())
	}

	next, _ := ScheduleSpec{Start: start, Duration: time.Minute}.Build(now)
	if next.ID <= s.ID {
		t.Fatalf("ids must be strictly increasing: %d then %d", s.ID, next.ID)
	}

	custom, err := ScheduleSpec{Start: start, DurationMin: 1, Frequency: FrequencyCustom, CustomHours: 6}.Build(now)
	if err != nil || custom.Interval != 6*3600 || custom.Label() != "Every 6h" {
		t.Fatalf("unexpected custom schedule %+v err=%v", custom, err)
	}

	bad := []ScheduleSpec{
		{DurationMin: 5},
		{Start: start},
		{Start: start, DurationMin: 24*60 + 1},
		{Start: start, DurationMin: 5, Frequency: FrequencyCustom},
		{Start: start, DurationMin: 5, Frequency: "monthly"},
	}
	for _, sp := range bad {
		if _, err := sp.Build(now); !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("Build(%+v) expected ErrInvalidSchedule, got %v", sp, err)
		}
	}
}

func TestScheduleLabels(t *testing.T) {
	cases := map[int64]string{
		IntervalOnce:   "Once",
		IntervalHourly: "Hourly",
		IntervalWeekly: "Weekly",
		5400:           "Every 1.5h",
	}
	for interval, want := range cases {
		if got := (Schedule{Interval: interval}).Label(); got != want {
			t.Fatalf("Label(%d) = %q, want %q", interval, got, want)
		}
	}
}
