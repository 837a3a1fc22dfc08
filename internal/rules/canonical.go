package rules

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// DomainRuleBase separates rule base hashes from any other SHA-256 use.
// Bump the version suffix when the hashed shape changes.
const DomainRuleBase = "rulez/rulebase/v1"

// MarshalCanonical produces canonical JSON for hashing.
//
// Supported values are string, int, int64, uint64, bool, []any and
// map[string]any. Object keys are ordered by UTF-16 code units, strings are
// NFC normalized and HTML characters are not escaped. nil and floats are
// rejected.
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
	case int:
		fmt.Fprintf(buf, "%d", val)
	case int64:
		fmt.Fprintf(buf, "%d", val)
	case uint64:
		fmt.Fprintf(buf, "%d", val)
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
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
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, compareUTF16)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, k); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("value for key %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	case float32, float64:
		return fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	// Encoder appends a newline.
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

// compareUTF16 orders strings by UTF-16 code units. Go's native string
// comparison is by UTF-8 bytes, which differs above U+FFFF.
func compareUTF16(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}

// hashWithDomain computes SHA256(domain || 0x00 || data) as lowercase hex.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// computeHash hashes the definitions that affect evaluation: fact ids,
// names, persistence and every rule field in scan order.
func computeHash(rb *RuleBase) (string, error) {
	facts := make([]any, len(rb.facts))
	for i, f := range rb.facts {
		facts[i] = map[string]any{
			"id":          int(f.ID),
			"name":        f.Name,
			"persistence": f.Persistence.String(),
		}
	}

	rules := make([]any, len(rb.rules))
	for i, r := range rb.rules {
		posts := make([]any, len(r.Post))
		for j, p := range r.Post {
			posts[j] = map[string]any{
				"target": uint64(p.Target),
				"value":  p.Value,
			}
		}
		rules[i] = map[string]any{
			"name":           r.Name,
			"execution":      r.Execution.String(),
			"required_true":  uint64(r.RequiredTrue),
			"required_false": uint64(r.RequiredFalse),
			"post":           posts,
		}
	}

	canonical, err := MarshalCanonical(map[string]any{
		"facts": facts,
		"rules": rules,
	})
	if err != nil {
		return "", err
	}
	return hashWithDomain(DomainRuleBase, canonical), nil
}
