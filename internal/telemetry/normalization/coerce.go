package normalization

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/medguard/internal/telemetry"
)

// timestampLayouts are tried in order. Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC1123,
	time.RFC1123Z,
	"2006-01-02",
}

// ToBool accepts true, 1 and "1" (and "true") as true. Everything else,
// including nil, is false.
func ToBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		s := strings.TrimSpace(b)
		return s == "1" || strings.EqualFold(s, "true")
	case json.Number:
		f, err := b.Float64()
		return err == nil && f == 1
	case float64:
		return b == 1
	case float32:
		return b == 1
	case int:
		return b == 1
	case int64:
		return b == 1
	case int32:
		return b == 1
	default:
		return false
	}
}

// ToNumber coerces numbers and numeric strings. Missing, invalid and
// non-finite values become 0.
func ToNumber(v any) float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// ToTrimmedString renders scalars as trimmed text. Empty results and
// non-scalar values return fallback.
func ToTrimmedString(v any, fallback string) string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case bool:
		s = strconv.FormatBool(t)
	default:
		return fallback
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}

// ToTimestamp parses the textual encodings seen in security logs and unix
// epoch numbers (seconds, or milliseconds when large). Anything else is kept
// verbatim as an invalid timestamp.
func ToTimestamp(v any) telemetry.Timestamp {
	switch t := v.(type) {
	case string:
		return parseTimestampString(t)
	case float64, json.Number, int, int64:
		n := ToNumber(t)
		if n <= 0 {
			return telemetry.InvalidTimestamp(ToTrimmedString(t, ""))
		}
		return telemetry.NewTimestamp(epochToTime(n))
	case nil:
		return telemetry.InvalidTimestamp("")
	default:
		return telemetry.InvalidTimestamp(canonical(t))
	}
}

func parseTimestampString(raw string) telemetry.Timestamp {
	s := strings.TrimSpace(raw)
	if s == "" {
		return telemetry.InvalidTimestamp(raw)
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return telemetry.NewTimestamp(ts)
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil && n > 0 && !math.IsInf(n, 0) {
		return telemetry.NewTimestamp(epochToTime(n))
	}
	return telemetry.InvalidTimestamp(raw)
}

func epochToTime(n float64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
