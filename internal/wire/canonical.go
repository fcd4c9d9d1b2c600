package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"golang.org/x/text/unicode/norm"

	"github.com/slatedraw/slate/internal/canvas"
)

// Canonical JSON is used wherever the same value must serialize to the
// same bytes on every client: structural hashes for change detection and
// golden transcripts in the harness.
//
// Rules, in the spirit of RFC 8785:
//   - object keys sorted lexicographically by UTF-8 bytes
//   - strings NFC normalized, no HTML escaping
//   - floats in shortest round-trip form (geometry makes floats
//     unavoidable here, so unlike strict 8785 consumers we allow them)
//   - null is dropped from objects, forbidden elsewhere

// MarshalCanonical produces canonical JSON for maps, slices, strings,
// bools, and numbers.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("null is forbidden in canonical JSON")
	case string:
		return writeCanonicalString(buf, val)
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case float64:
		if val == float64(int64(val)) {
			// Integral floats print without exponent or fraction so the
			// same geometry hashes identically whether it decoded as int
			// or float.
			buf.WriteString(strconv.FormatInt(int64(val), 10))
			return nil
		}
		buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
		return nil
	case []string:
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return writeCanonical(buf, arr)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k, elem := range val {
			if elem == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("object[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

// writeCanonicalString writes an NFC-normalized JSON string without HTML
// escaping.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return err
	}
	out := tmp.Bytes()
	// The encoder appends a trailing newline.
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	buf.Write(out)
	return nil
}

// StructuralHash returns a content hash of an element's synchronized
// fields. Used by the change detector when an element carries no version
// counter, and by tests asserting convergence.
func StructuralHash(e canvas.Element) string {
	m := map[string]any{
		"id":              string(e.ID),
		"type":            string(e.Type),
		"x":               e.X,
		"y":               e.Y,
		"width":           e.Width,
		"height":          e.Height,
		"angle":           e.Angle,
		"strokeColor":     e.StrokeColor,
		"backgroundColor": e.BackgroundColor,
		"strokeWidth":     e.StrokeWidth,
		"strokeStyle":     e.StrokeStyle,
		"roughness":       e.Roughness,
		"opacity":         e.Opacity,
		"zIndex":          e.ZIndex,
		"isDeleted":       e.IsDeleted,
		"locked":          e.Locked,
	}
	if len(e.GroupIDs) > 0 {
		m["groupIds"] = e.GroupIDs
	}
	data, err := MarshalCanonical(m)
	if err != nil {
		// The map above contains only supported types; an error here is a
		// programming bug, not input-dependent.
		panic(fmt.Sprintf("structural hash: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
