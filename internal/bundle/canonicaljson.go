package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/rotisserie/eris"
)

// CanonicalJSON re-encodes a JSON document with object keys sorted and no
// insignificant whitespace. Two documents that differ only in key order or
// formatting produce identical bytes. Array order is preserved: it is
// treated as significant.
func CanonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, eris.Wrap(err, "bundle: decode for canonicalization")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return eris.Wrap(err, "bundle: marshal key")
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(t.String())
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return eris.Wrap(err, "bundle: marshal value")
		}
		buf.Write(b)
	}
	return nil
}

// SHA256Hex computes the content hash over the canonical form of a JSON
// payload. This is the bundle-acceptance dedup key: re-submitting the same
// bundle with cosmetic formatting differences hashes identically.
func SHA256Hex(raw []byte) (string, error) {
	canon, err := CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// EqualJSON reports deep structural equality of two JSON payloads using
// their canonical forms. Object key order is insignificant; array order is.
func EqualJSON(a, b []byte) bool {
	ca, err := CanonicalJSON(a)
	if err != nil {
		return false
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
