package parser

import (
	"bufio"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Normalized is a post-processor's result: a JSON-serializable payload
// plus any warnings raised while coercing malformed input. A
// post-processor must never fail outright on bad input — it emits a
// partial record and a parse_degraded warning instead (spec §4.3).
type Normalized struct {
	Payload  interface{}
	Warnings []string
}

func (n Normalized) MarshalPayload() (string, error) {
	b, err := json.Marshal(n.Payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NormalizeCSV treats the first non-empty line as a header and every
// subsequent line as a record. Empty trailing fields are preserved.
func NormalizeCSV(raw string) Normalized {
	lines := splitLines(raw)
	var header []string
	records := []map[string]string{}
	var warnings []string

	for _, line := range lines {
		if header == nil {
			if strings.TrimSpace(line) == "" {
				continue
			}
			header = strings.Split(line, ",")
			continue
		}
		fields := strings.Split(line, ",")
		rec := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(fields) {
				rec[col] = fields[i]
			} else {
				rec[col] = ""
			}
		}
		if len(fields) != len(header) {
			warnings = append(warnings, "parse_degraded: column count mismatch")
		}
		records = append(records, rec)
	}

	return Normalized{Payload: map[string]interface{}{"header": header, "records": records}, Warnings: warnings}
}

// CoerceNumber converts a CSV field to a float64, returning (nil,
// warning) rather than failing on malformed input.
func CoerceNumber(field string) (interface{}, string) {
	v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return nil, "parse_degraded: non-numeric value in numeric column"
	}
	return v, ""
}

// CoerceTimestamp parses field as RFC3339, returning (nil, warning) on
// failure rather than erroring.
func CoerceTimestamp(field string) (interface{}, string) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(field))
	if err != nil {
		return nil, "parse_degraded: unparseable timestamp"
	}
	return t.UTC().Format(time.RFC3339), ""
}

// NormalizeKeyValue parses "key: value" lines; repeated keys form a list.
func NormalizeKeyValue(raw string) Normalized {
	result := map[string]interface{}{}
	var warnings []string

	for _, line := range splitLines(raw) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			warnings = append(warnings, "parse_degraded: line without a colon")
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if existing, ok := result[key]; ok {
			switch v := existing.(type) {
			case []string:
				result[key] = append(v, value)
			case string:
				result[key] = []string{v, value}
			}
		} else {
			result[key] = value
		}
	}
	return Normalized{Payload: result, Warnings: warnings}
}

// NormalizeStructuredBlocks splits raw into blocks wherever a line
// matches blockPattern, treating each block as a key_value group.
func NormalizeStructuredBlocks(raw, blockPattern string) Normalized {
	var warnings []string
	re, err := regexp.Compile(blockPattern)
	if err != nil || blockPattern == "" {
		warnings = append(warnings, "parse_degraded: invalid or missing block pattern")
		return Normalized{Payload: map[string]interface{}{"blocks": []interface{}{}}, Warnings: warnings}
	}

	type block struct {
		Header string                 `json:"header"`
		Fields map[string]interface{} `json:"fields"`
	}
	var blocks []block
	var current *block

	for _, line := range splitLines(raw) {
		if re.MatchString(line) {
			if current != nil {
				blocks = append(blocks, *current)
			}
			current = &block{Header: strings.TrimSpace(line), Fields: map[string]interface{}{}}
			continue
		}
		if current == nil {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		current.Fields[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
	}
	if current != nil {
		blocks = append(blocks, *current)
	}
	return Normalized{Payload: map[string]interface{}{"blocks": blocks}, Warnings: warnings}
}

const defaultFreeTextLines = 1000

// NormalizeFreeText returns at most maxLines lines plus the total
// count; maxLines <= 0 selects the default of 1000.
func NormalizeFreeText(raw string, maxLines int) Normalized {
	if maxLines <= 0 {
		maxLines = defaultFreeTextLines
	}
	lines := splitLines(raw)
	truncated := lines
	if len(lines) > maxLines {
		truncated = lines[:maxLines]
	}
	return Normalized{Payload: map[string]interface{}{
		"lines":       truncated,
		"total_lines": len(lines),
	}}
}

func splitLines(raw string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
