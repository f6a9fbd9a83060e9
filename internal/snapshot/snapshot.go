// Package snapshot turns raw store snapshots into ordered record batches.
package snapshot

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/livesync/internal/docstore"
)

// Field names consulted for ordering, in priority order.
const (
	FieldLastModified = "lastModified"
	FieldTimestamp    = "timestamp"
)

// Record is the normalized unit of delivered data.
type Record struct {
	ID           string         `json:"id"`
	Fields       map[string]any `json:"fields"`
	LastModified time.Time      `json:"lastModified"`
}

// Normalize merges each document id with its fields and returns records sorted
// by LastModified descending. Ties keep the store-delivered order.
func Normalize(snap docstore.Snapshot) []Record {
	out := make([]Record, 0, len(snap.Documents))
	for _, d := range snap.Documents {
		out = append(out, Record{
			ID:           d.ID,
			Fields:       d.Fields,
			LastModified: LastModified(d.Fields),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastModified.After(out[j].LastModified)
	})
	return out
}

// LastModified derives the ordering timestamp of a document: lastModified,
// falling back to timestamp. Missing or unparseable values yield the Unix epoch.
func LastModified(fields map[string]any) time.Time {
	if v, ok := fields[FieldLastModified]; ok && v != nil {
		return ParseTime(v)
	}
	if v, ok := fields[FieldTimestamp]; ok {
		return ParseTime(v)
	}
	return epoch
}

var epoch = time.Unix(0, 0).UTC()

// ParseTime accepts time values, epoch milliseconds (numeric or numeric
// string), RFC3339 strings and {seconds, nanoseconds} maps.
func ParseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t != nil {
			return *t
		}
	case int:
		return time.UnixMilli(int64(t)).UTC()
	case int32:
		return time.UnixMilli(int64(t)).UTC()
	case int64:
		return time.UnixMilli(t).UTC()
	case uint64:
		if t <= math.MaxInt64 {
			return time.UnixMilli(int64(t)).UTC()
		}
	case float32:
		return fromFloatMillis(float64(t))
	case float64:
		return fromFloatMillis(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return fromFloatMillis(f)
		}
	case string:
		return parseString(t)
	case map[string]any:
		return parseSecondsMap(t)
	}
	return epoch
}

func fromFloatMillis(f float64) time.Time {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt64/2 {
		return epoch
	}
	sec, frac := math.Modf(f / 1000)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func parseString(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return epoch
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromFloatMillis(f)
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return epoch
}

// parseSecondsMap handles serialized store timestamps such as
// {"seconds": 1700000000, "nanoseconds": 5}.
func parseSecondsMap(m map[string]any) time.Time {
	secV, ok := m["seconds"]
	if !ok {
		secV, ok = m["_seconds"]
	}
	if !ok {
		return epoch
	}
	sec, ok := asInt(secV)
	if !ok {
		return epoch
	}
	var nsec int64
	if nv, ok := m["nanoseconds"]; ok {
		nsec, _ = asInt(nv)
	} else if nv, ok := m["_nanoseconds"]; ok {
		nsec, _ = asInt(nv)
	}
	return time.Unix(sec, nsec).UTC()
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
