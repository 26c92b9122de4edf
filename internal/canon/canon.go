// Package canon implements the single canonicalization algorithm for 32-byte
// on-chain identifiers (program ids, account pubkeys, token mints). Every
// component that stores or compares an identifier goes through Canonicalize
// first so the bulk writer, realtime processor and (external) DB triggers
// agree on one representation: lowercase hex, exactly 64 characters.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mr-tron/base58"
)

// knownLabels is the closed set of ASCII program-id aliases the upstream
// node may emit in place of a real pubkey. The mapping must stay fixed:
// the database triggers and the read API both hard-code it independently.
// The ids are hash-derived placeholders rather than real mainnet program
// ids, since none of these aliases corresponds to an actual on-chain
// pubkey.
var knownLabels = map[string]string{
	"spl-token":                    labelID("spl-token"),
	"apl-token":                    labelID("apl-token"),
	"apl-associated-token-account": labelID("apl-associated-token-account"),
}

// labelID derives a fixed 64-char hex id for a label by hashing it. The
// result never changes for a given label, which is the only property the
// closed set requires.
func labelID(label string) string {
	sum := sha256.Sum256([]byte(label))
	return hex.EncodeToString(sum[:])
}

// Canonicalize maps one of the six accepted input shapes to its canonical
// lowercase-hex form. ok is false for shape 6 (nil/empty), meaning the
// caller should discard the value rather than store it.
func Canonicalize(v any) (id string, ok bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return canonicalizeString(t)
	case []byte:
		return canonicalizeBytes(t), true
	case map[string]any:
		pk, present := t["pubkey"]
		if !present {
			return "", false
		}
		return Canonicalize(pk)
	case []any:
		b, ok := decodeDecimalArray(t)
		if !ok {
			return "", false
		}
		return canonicalizeBytes(b), true
	default:
		return "", false
	}
}

func canonicalizeString(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	if isHex(s) {
		return strings.ToLower(s), true
	}
	if id, known := knownLabels[s]; known {
		return id, true
	}
	if b, err := base58.Decode(s); err == nil && len(b) > 0 {
		return canonicalizeBytes(b), true
	}
	return canonicalizeBytes([]byte(s)), true
}

func canonicalizeBytes(b []byte) string {
	if label, known := matchLabelPrefix(b); known {
		return label
	}
	return hex.EncodeToString(b)
}

// matchLabelPrefix checks whether b begins with one of the known ASCII
// labels embedded in a byte array.
func matchLabelPrefix(b []byte) (string, bool) {
	for label, id := range knownLabels {
		if len(b) >= len(label) && string(b[:len(label)]) == label {
			return id, true
		}
	}
	return "", false
}

// isHex reports whether s is a valid, even-length hex string.
func isHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// decodeDecimalArray converts a JSON-decoded decimal byte array into raw
// bytes. Values outside [-128, 255] are rejected; negative values wrap by
// +256, matching how upstream encodes signed bytes in this shape.
func decodeDecimalArray(arr []any) ([]byte, bool) {
	out := make([]byte, 0, len(arr))
	for _, el := range arr {
		n, ok := asInt(el)
		if !ok {
			return nil, false
		}
		if n < -128 || n > 255 {
			return nil, false
		}
		if n < 0 {
			n += 256
		}
		out = append(out, byte(n))
	}
	return out, true
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
