package device

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseIDCanonicalizes(t *testing.T) {
	cases := map[string]ID{
		"contact":    "contact",
		"Shey":       "shey",
		"  KHAN  ":   "khan",
		"Pump-01_ab": "pump-01_ab",
	}
	for input, want := range cases {
		got, err := ParseID(input)
		if err != nil {
			t.Fatalf("ParseID(%q) error: %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseID(%q)=%q, want %q", input, got, want)
		}
	}
}

func TestParseIDRejectsTopicCharacters(t *testing.T) {
	for _, input := range []string{"", "   ", "a/b", "+", "dev#", "pump/+"} {
		if _, err := ParseID(input); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("ParseID(%q) expected ErrInvalidID, got %v", input, err)
		}
	}
}

func TestNewRecordStartsUnknown(t *testing.T) {
	r := NewRecord("contact")
	if r.State != StateUnknown {
		t.Fatalf("expected unknown, got %s", r.State)
	}
	if r.Online() || r.HasHeartbeat() {
		t.Fatalf("fresh record must be offline without heartbeat: %+v", r)
	}
}

func TestStateText(t *testing.T) {
	b, err := StateOffline.MarshalText()
	if err != nil || string(b) != "offline" {
		t.Fatalf("unexpected text %q err=%v", b, err)
	}
}

func TestRecordJSONOmitsMissingHeartbeat(t *testing.T) {
	raw, err := json.Marshal(NewRecord("contact"))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(raw), "last_heartbeat_at") {
		t.Fatalf("never observed device must not carry a heartbeat time: %s", raw)
	}

	r := NewRecord("contact")
	r.LastHeartbeatAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err = json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"last_heartbeat_at":"2026-01-02T03:04:05Z"`) {
		t.Fatalf("heartbeat time missing: %s", raw)
	}
}
