package input

import (
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/xoelrdgz/eveguard/internal/domain"
)

// EventTypeAlert is the only eve.json event kind that is stored.
const EventTypeAlert = "alert"

var ErrInvalidEvent = errors.New("invalid eve event")

// eveEvent is the subset of a Suricata eve.json envelope that matters here.
// Every field is optional; defaults are applied by normalize.
type eveEvent struct {
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
	Proto     string `json:"proto"`
	SrcIP     string `json:"src_ip"`
	DestIP    string `json:"dest_ip"`

	// Numeric fields stay raw so a bad value costs only that field.
	SrcPort  json.RawMessage `json:"src_port"`
	DestPort json.RawMessage `json:"dest_port"`
	Alert    *struct {
		Category  string          `json:"category"`
		Severity  json.RawMessage `json:"severity"`
		Signature *string         `json:"signature"`
	} `json:"alert"`
}

// EveParser decodes Suricata eve.json lines.
type EveParser struct{}

func NewEveParser() *EveParser {
	return &EveParser{}
}

// Parse implements ports.EventParser.
func (p *EveParser) Parse(line []byte) (domain.AlertRecord, bool, error) {
	var ev eveEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return domain.AlertRecord{}, false, errors.Wrap(ErrInvalidEvent, err.Error())
	}
	if ev.EventType != EventTypeAlert {
		return domain.AlertRecord{}, false, nil
	}
	return normalize(ev), true, nil
}

func (p *EveParser) Format() string {
	return "suricata-eve"
}

// normalize flattens a raw event into an AlertRecord. Defaults: ports 0,
// severity 3, signature "Unknown", strings empty, unparsable timestamp absent.
func normalize(ev eveEvent) domain.AlertRecord {
	rec := domain.AlertRecord{
		Timestamp:          domain.ParseTimestamp(ev.Timestamp),
		SourceAddress:      ev.SrcIP,
		DestinationAddress: ev.DestIP,
		SourcePort:         numberOr(ev.SrcPort, 0),
		DestinationPort:    numberOr(ev.DestPort, 0),
		Protocol:           ev.Proto,
		Signature:          domain.DefaultSignature,
		Severity:           domain.DefaultSeverity,
	}
	if ev.Alert != nil {
		rec.Category = ev.Alert.Category
		rec.Severity = numberOr(ev.Alert.Severity, domain.DefaultSeverity)
		if ev.Alert.Signature != nil {
			rec.Signature = *ev.Alert.Signature
		}
	}
	return rec
}

// numberOr accepts a JSON number or numeric string; anything else yields
// fallback.
func numberOr(raw json.RawMessage, fallback int) int {
	if len(raw) == 0 {
		return fallback
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil || n == "" {
		return fallback
	}
	v, err := n.Int64()
	if err != nil {
		return fallback
	}
	return int(v)
}
