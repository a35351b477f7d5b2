// Package protocol encodes the commands sent to pump devices and decodes the
// messages they send back.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Method names of the JSON envelope.
const (
	MethodScheduleAdd    = "schedule.add"
	MethodScheduleDelete = "schedule.delete"
	MethodScheduleToggle = "schedule.toggle"
	MethodScheduleList   = "schedule.list"
	MethodOTAUpload      = "ota.upload"
	MethodStatusNotify   = "status.notify"
	MethodStatusResponse = "status.response"
)

// Plain-text commands understood by the firmware.
const (
	RawPumpOn  = "PUMP ON"
	RawPumpOff = "PUMP OFF"
	RawStatus  = "status"
)

// Command is one outbound message. Build it with the constructors below.
type Command struct {
	name   string
	raw    string
	params any
}

type envelope struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Name is the method, or the plain-text command for legacy commands.
func (c Command) Name() string { return c.name }

// Encode renders the wire payload.
func (c Command) Encode() ([]byte, error) {
	if c.name == "" {
		return nil, fmt.Errorf("protocol: empty command")
	}
	if c.raw != "" {
		return []byte(c.raw), nil
	}
	data, err := json.Marshal(envelope{Method: c.name, Params: c.params})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", c.name, err)
	}
	return data, nil
}

func rawCommand(text string) Command { return Command{name: text, raw: text} }

// Pump switches the pump on or off.
func Pump(on bool) Command {
	if on {
		return rawCommand(RawPumpOn)
	}
	return rawCommand(RawPumpOff)
}

// StatusRequest asks for a full status snapshot.
func StatusRequest() Command { return rawCommand(RawStatus) }

// ScheduleAdd creates s on the device.
func ScheduleAdd(s Schedule) Command {
	return Command{name: MethodScheduleAdd, params: s}
}

// ScheduleDelete removes a schedule by id.
func ScheduleDelete(id int64) Command {
	return Command{name: MethodScheduleDelete, params: struct {
		ID int64 `json:"id"`
	}{id}}
}

// ScheduleToggle sets the enabled flag of a schedule.
func ScheduleToggle(id int64, enabled bool) Command {
	return Command{name: MethodScheduleToggle, params: struct {
		ID      int64 `json:"id"`
		Enabled bool  `json:"enabled"`
	}{id, enabled}}
}

// ScheduleList asks the device for its schedule set.
func ScheduleList() Command { return Command{name: MethodScheduleList} }

// OTAParams is the ota.upload payload.
type OTAParams struct {
	Offset int    `json:"offset"`
	Total  int    `json:"total"`
	Chunk  string `json:"chunk"`
}

// OTAChunk carries one firmware chunk, base64 encoded.
func OTAChunk(offset, total int, data []byte) Command {
	return Command{name: MethodOTAUpload, params: OTAParams{
		Offset: offset,
		Total:  total,
		Chunk:  base64.StdEncoding.EncodeToString(data),
	}}
}
