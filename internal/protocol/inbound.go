package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pumpctl.org/internal/device"
	"pumpctl.org/internal/topic"
)

var (
	ErrParse         = errors.New("protocol: malformed payload")
	ErrUnknownMethod = errors.New("protocol: unknown method")
)

// Kind classifies a decoded inbound message.
type Kind int

const (
	KindNotify Kind = iota + 1
	KindStatusResponse
	KindScheduleList
)

func (k Kind) String() string {
	switch k {
	case KindNotify:
		return MethodStatusNotify
	case KindStatusResponse:
		return MethodStatusResponse
	case KindScheduleList:
		return "schedule.list"
	default:
		return "unknown"
	}
}

// Message is a decoded device message. Info is set only for status
// responses and Schedules only for schedule lists.
type Message struct {
	Kind      Kind
	PumpOn    bool
	Info      device.Info
	Schedules []Schedule
}

type inbound struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result *struct {
		Schedules *[]Schedule `json:"schedules"`
	} `json:"result"`
}

type notifyParams struct {
	PumpStatus json.RawMessage `json:"pump_status"`
}

type responseParams struct {
	PumpStatus      json.RawMessage `json:"pump_status"`
	FirmwareVersion json.RawMessage `json:"firmware_version"`
	PumpType        json.RawMessage `json:"pump_type"`
	IMSI            json.RawMessage `json:"imsi"`
	Uptime          json.RawMessage `json:"uptime"`
	SiteName        json.RawMessage `json:"site_name"`
}

// Decode parses a payload received on ch. Heartbeats are only accepted on the
// status channel; command responses and schedule lists only on tx.
func Decode(ch topic.Channel, payload []byte) (Message, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return Message{}, fmt.Errorf("%w: not a json object", ErrParse)
	}
	var in inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	switch ch {
	case topic.ChannelStatus:
		if in.Method != MethodStatusNotify {
			return Message{}, fmt.Errorf("%w: %q on %s", ErrUnknownMethod, in.Method, ch)
		}
		var p notifyParams
		if len(in.Params) > 0 {
			if err := json.Unmarshal(in.Params, &p); err != nil {
				return Message{}, fmt.Errorf("%w: notify params: %v", ErrParse, err)
			}
		}
		return Message{Kind: KindNotify, PumpOn: truthy(p.PumpStatus)}, nil

	case topic.ChannelTx:
		if in.Method == MethodStatusResponse {
			var p responseParams
			if err := json.Unmarshal(in.Params, &p); err != nil {
				return Message{}, fmt.Errorf("%w: response params: %v", ErrParse, err)
			}
			return Message{
				Kind:   KindStatusResponse,
				PumpOn: strings.EqualFold(text(p.PumpStatus), "ON"),
				Info: device.Info{
					FirmwareVersion: text(p.FirmwareVersion),
					PumpType:        text(p.PumpType),
					IMSI:            text(p.IMSI),
					Uptime:          text(p.Uptime),
					SiteName:        text(p.SiteName),
				},
			}, nil
		}
		if in.Result != nil && in.Result.Schedules != nil {
			list := make([]Schedule, 0, len(*in.Result.Schedules))
			list = append(list, *in.Result.Schedules...)
			return Message{Kind: KindScheduleList, Schedules: list}, nil
		}
		return Message{}, fmt.Errorf("%w: %q on %s", ErrUnknownMethod, in.Method, ch)
	}
	return Message{}, fmt.Errorf("%w: %q on %s", ErrUnknownMethod, in.Method, ch)
}

// truthy follows the firmware's loose typing: true, non-zero numbers and the
// strings "on"/"true"/"1" count as on.
func truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "on", "true", "1":
			return true
		}
	}
	return false
}

// text renders a scalar JSON value as a string; uptime arrives as either.
func text(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}
