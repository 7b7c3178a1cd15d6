package domain

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	DefaultSeverity  = 3
	DefaultSignature = "Unknown"

	// MaxLineLength bounds a single eve.json line. Larger lines are dropped.
	MaxLineLength = 1 << 20
)

// AlertRecord is one normalized IDS alert. Values are never mutated after
// creation; copies are handed out freely.
type AlertRecord struct {
	Timestamp          time.Time
	SourceAddress      string
	DestinationAddress string
	SourcePort         int
	DestinationPort    int
	Protocol           string
	Category           string
	Signature          string
	Severity           int
}

// HasTimestamp reports whether the record carried a parsable timestamp.
func (a AlertRecord) HasTimestamp() bool {
	return !a.Timestamp.IsZero()
}

// alertWire is the flattened JSON shape. Source fields are emitted under both
// the sensor-native (src_*) and the agent-facing (source_*) names; destination
// fields only as dest_*.
type alertWire struct {
	Timestamp  string `json:"timestamp"`
	Protocol   string `json:"protocol"`
	Category   string `json:"category"`
	Severity   int    `json:"severity"`
	Signature  string `json:"signature"`
	SrcIP      string `json:"src_ip"`
	DestIP     string `json:"dest_ip"`
	SrcPort    int    `json:"src_port"`
	DestPort   int    `json:"dest_port"`
	SourceIP   string `json:"source_ip"`
	SourcePort int    `json:"source_port"`
}

func (a AlertRecord) MarshalJSON() ([]byte, error) {
	w := alertWire{
		Protocol:   a.Protocol,
		Category:   a.Category,
		Severity:   a.Severity,
		Signature:  a.Signature,
		SrcIP:      a.SourceAddress,
		DestIP:     a.DestinationAddress,
		SrcPort:    a.SourcePort,
		DestPort:   a.DestinationPort,
		SourceIP:   a.SourceAddress,
		SourcePort: a.SourcePort,
	}
	if a.HasTimestamp() {
		w.Timestamp = a.Timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts the flattened shape produced by MarshalJSON as well as
// records that still carry the nested "alert" object.
func (a *AlertRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp  string          `json:"timestamp"`
		Protocol   string          `json:"protocol"`
		Proto      string          `json:"proto"`
		Category   string          `json:"category"`
		Severity   *int            `json:"severity"`
		Signature  *string         `json:"signature"`
		SourceIP   string          `json:"source_ip"`
		SrcIP      string          `json:"src_ip"`
		Src        string          `json:"src"`
		DestIP     string          `json:"dest_ip"`
		SourcePort int             `json:"source_port"`
		SrcPort    int             `json:"src_port"`
		DestPort   int             `json:"dest_port"`
		Alert      *eveAlertFields `json:"alert"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	rec := AlertRecord{
		Timestamp:          ParseTimestamp(raw.Timestamp),
		SourceAddress:      firstNonEmpty(raw.SourceIP, raw.SrcIP, raw.Src),
		DestinationAddress: raw.DestIP,
		SourcePort:         raw.SourcePort,
		DestinationPort:    raw.DestPort,
		Protocol:           firstNonEmpty(raw.Protocol, raw.Proto),
		Category:           raw.Category,
		Signature:          DefaultSignature,
		Severity:           DefaultSeverity,
	}
	if rec.SourcePort == 0 {
		rec.SourcePort = raw.SrcPort
	}

	switch {
	case raw.Severity != nil:
		rec.Severity = *raw.Severity
	case raw.Alert != nil && raw.Alert.Severity != nil:
		rec.Severity = *raw.Alert.Severity
	}
	switch {
	case raw.Signature != nil:
		rec.Signature = *raw.Signature
	case raw.Alert != nil && raw.Alert.Signature != nil:
		rec.Signature = *raw.Alert.Signature
	}
	if rec.Category == "" && raw.Alert != nil {
		rec.Category = raw.Alert.Category
	}

	*a = rec
	return nil
}

// eveAlertFields is the nested "alert" object of a Suricata event.
type eveAlertFields struct {
	Category  string  `json:"category"`
	Severity  *int    `json:"severity"`
	Signature *string `json:"signature"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses the timestamp formats Suricata and the tool server
// emit. Naive timestamps are taken as UTC. Unparsable input yields the zero
// time, which callers treat as "absent".
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
