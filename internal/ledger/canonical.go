package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// DomainEventPayload versions the fingerprint algorithm.
const DomainEventPayload = "patronage/event/v1"

// Fingerprint returns a content hash of the event's semantic fields. Two
// deliveries of the same event id with different fingerprints are conflicting
// duplicates. Seq is excluded: it is assigned by the store, not the producer.
func Fingerprint(e Event) (string, error) {
	data, err := MarshalCanonical(fingerprintFields(e))
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", e.ID, err)
	}
	return hashWithDomain(DomainEventPayload, data), nil
}

func fingerprintFields(e Event) map[string]string {
	fields := map[string]string{
		"eventId":   e.ID,
		"eventType": string(e.Type()),
		"memberId":  e.MemberID,
		"amount":    e.Amount.String(),
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	switch k := e.Kind.(type) {
	case CapitalContribution:
		fields["contributionKind"] = string(k.Contribution)
		if k.IsProperty() {
			fields["adjustedBasis"] = k.AdjustedBasis.String()
		}
	case AllocationApproved:
		fields["periodId"] = k.PeriodID
	case DistributionCompleted:
		fields["periodId"] = k.PeriodID
	case AllocationReversed:
		fields["periodId"] = k.PeriodID
	}
	return fields
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalCanonical renders a flat string object as RFC 8785 canonical JSON:
// keys in UTF-16 code unit order, NFC-normalized strings, no HTML escaping,
// and U+2028/U+2029 written literally.
func MarshalCanonical(obj map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalCanonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := marshalCanonicalString(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

func marshalCanonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, err
	}
	return unescapeLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})), nil
}

// unescapeLineSeparators rewrites the \u2028 and \u2029 escapes emitted by
// encoding/json as literal characters. Escaped backslashes are copied through
// as a pair so that a literal `\\u2028` in the input is left untouched.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' || i+1 >= len(data) {
			out = append(out, data[i])
			continue
		}
		if data[i+1] == 'u' && i+5 < len(data) && string(data[i+2:i+5]) == "202" {
			switch data[i+5] {
			case '8':
				out = append(out, "\u2028"...)
				i += 5
				continue
			case '9':
				out = append(out, "\u2029"...)
				i += 5
				continue
			}
		}
		out = append(out, data[i], data[i+1])
		i++
	}
	return out
}
