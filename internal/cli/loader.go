package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
)

// maxPayloadBytes bounds one JSON-lines payload.
const maxPayloadBytes = 1 << 20

// payloadLine is one non-blank line of a JSON-lines payload file.
type payloadLine struct {
	Line int
	Data []byte
}

// readPayloads splits r into payload lines. Blank lines are skipped; the
// payloads themselves are not parsed here, so malformed lines reach the
// guard and are recorded there.
func readPayloads(r io.Reader) ([]payloadLine, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxPayloadBytes)

	var out []payloadLine
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, payloadLine{Line: n, Data: append([]byte(nil), line...)})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", n+1, err)
	}
	return out, nil
}

// openInput opens path for reading; "-" is stdin.
func openInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// loadContributions reads a period's contributions from a JSON array or a
// YAML list, chosen by file extension. YAML uses the short field names
// (member, type, value, status, approved_at) and rejects unknown fields.
func loadContributions(path string) ([]ledger.Contribution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var out []ledger.Contribution
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&out); err != nil && err != io.EOF {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	default:
		return nil, fmt.Errorf("unsupported contributions file %s: want .json, .yaml or .yml", filepath.Base(path))
	}

	for i, c := range out {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%s: contribution %d: %w", filepath.Base(path), i, err)
		}
	}
	return out, nil
}

// parseSurplus parses the --surplus flag.
func parseSurplus(s string) (money.Amount, error) {
	a, err := money.Parse(s)
	if err != nil {
		return money.Zero, fmt.Errorf("--surplus %q: %w", s, err)
	}
	return a, nil
}

// parseRate parses an optional rate flag, falling back to def.
func parseRate(flag, s string, def decimal.Decimal) (decimal.Decimal, error) {
	if s == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("--%s %q: %w", flag, s, err)
	}
	return d, nil
}

// parseAsOf accepts RFC 3339 or a bare date. A bare date means the end of
// that day in UTC.
func parseAsOf(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--as-of %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return d.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
}
