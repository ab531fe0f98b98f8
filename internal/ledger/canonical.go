package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// canonicalTimeLayout matches the original trigger-side formatting
// (YYYY-MM-DD HH:MM:SS.ffffff, microsecond resolution, UTC).
const canonicalTimeLayout = "2006-01-02 15:04:05.000000"

// nullMarker distinguishes an absent image from an empty one in hash input.
const nullMarker = "NULL"

// CanonicalTime formats t in the canonical microsecond form used by every
// hash computation in this package.
func CanonicalTime(t time.Time) string {
	return t.UTC().Format(canonicalTimeLayout)
}

// CanonicalImage serialises an image deterministically: keys sorted, compact
// separators, timestamps in canonical form. A nil image yields the NULL
// marker, so "absent" and "empty" hash differently.
func CanonicalImage(img Image) string {
	if img == nil {
		return nullMarker
	}
	var b strings.Builder
	writeCanonical(&b, map[string]any(img))
	return b.String()
}

// RecordHash computes the Merkle leaf hash for a replayed record:
// SHA-256 of "record_id|canonical(payload)". When fieldsToHash is non-empty
// the payload is first restricted to those fields (sorted; a missing field
// contributes an explicit null), which must be applied identically by every
// consumer that recomputes hashes from stored payloads.
func RecordHash(recordID string, payload Image, fieldsToHash []string) string {
	hashed := payload
	if len(fieldsToHash) > 0 {
		fields := append([]string(nil), fieldsToHash...)
		sort.Strings(fields)
		hashed = make(Image, len(fields))
		for _, f := range fields {
			hashed[f] = payload[f]
		}
	}
	return sha256Hex([]byte(recordID + "|" + CanonicalImage(hashed)))
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonicalString(b, k)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case Image:
		writeCanonical(b, map[string]any(val))
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case string:
		writeCanonicalString(b, val)
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case time.Time:
		writeCanonicalString(b, CanonicalTime(val))
	case float64:
		b.WriteString(formatFloat(val))
	case float32:
		b.WriteString(formatFloat(float64(val)))
	case int:
		b.WriteString(strconv.Itoa(val))
	case int32:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case json.Number:
		b.WriteString(val.String())
	default:
		// Uncommon scalar types fall back to encoding/json, which is
		// deterministic for anything without map iteration involved.
		raw, err := json.Marshal(val)
		if err != nil {
			writeCanonicalString(b, fmt.Sprint(val))
			return
		}
		b.Write(raw)
	}
}

// formatFloat renders integral floats without a trailing ".0" so that a
// value survives a decode/encode round trip through JSONB unchanged.
func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func writeCanonicalString(b *strings.Builder, s string) {
	raw, _ := json.Marshal(s)
	b.Write(raw)
}
