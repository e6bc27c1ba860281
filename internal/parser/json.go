package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"bizmon/internal/dataset"
)

// parseJSON accepts three shapes: a top-level array of objects, an
// envelope object whose first array-of-objects field holds the
// records, and newline-delimited objects.
func parseJSON(data []byte) (*dataset.Table, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if len(trimmed) == 0 {
		return nil, ErrEmptyDataset
	}

	switch trimmed[0] {
	case '[':
		var arr []map[string]any
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, fmt.Errorf("decode array: %w", err)
		}
		return recordsToTable(arr), nil

	case '{':
		// Could be an envelope or the first line of NDJSON.
		var envelope map[string]any
		if err := json.Unmarshal(trimmed, &envelope); err == nil {
			if arr, ok := findRecordArray(envelope); ok {
				return recordsToTable(arr), nil
			}
			// A single object is a one-row table.
			if !bytes.ContainsRune(trimmed, '\n') {
				return recordsToTable([]map[string]any{envelope}), nil
			}
		}
		return parseNDJSON(trimmed)

	default:
		return nil, fmt.Errorf("unrecognized json layout")
	}
}

// findRecordArray picks the envelope field holding the record list:
// the first array whose elements are objects, scanning keys in sorted
// order so the choice is deterministic.
func findRecordArray(envelope map[string]any) ([]map[string]any, bool) {
	keys := make([]string, 0, len(envelope))
	for k := range envelope {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		arr, ok := envelope[k].([]any)
		if !ok || len(arr) == 0 {
			continue
		}
		recs := make([]map[string]any, 0, len(arr))
		objects := true
		for _, el := range arr {
			m, isObj := el.(map[string]any)
			if !isObj {
				objects = false
				break
			}
			recs = append(recs, m)
		}
		if objects {
			return recs, true
		}
	}
	return nil, false
}

func parseNDJSON(data []byte) (*dataset.Table, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var recs []map[string]any
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(text), &m); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		recs = append(recs, m)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return recordsToTable(recs), nil
}

// recordsToTable flattens records into a rectangular table. Columns
// appear in first-seen order; nested objects flatten with underscore
// joins and arrays become their JSON text.
func recordsToTable(recs []map[string]any) *dataset.Table {
	t := &dataset.Table{}
	index := map[string]int{}

	flat := make([]map[string]any, len(recs))
	for i, rec := range recs {
		f := map[string]any{}
		flattenRecord("", rec, f)
		flat[i] = f

		keys := make([]string, 0, len(f))
		for k := range f {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, seen := index[k]; !seen {
				index[k] = len(t.Columns)
				t.Columns = append(t.Columns, k)
			}
		}
	}

	for _, f := range flat {
		row := make([]any, len(t.Columns))
		for k, v := range f {
			row[index[k]] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func flattenRecord(prefix string, rec map[string]any, out map[string]any) {
	for k, v := range rec {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		switch nested := v.(type) {
		case map[string]any:
			flattenRecord(key, nested, out)
		case []any:
			enc, err := json.Marshal(nested)
			if err != nil {
				continue
			}
			out[key] = string(enc)
		case nil:
			out[key] = nil
		case string:
			if strings.TrimSpace(nested) == "" {
				out[key] = nil
			} else {
				out[key] = nested
			}
		default:
			// float64 / bool straight from encoding/json.
			out[key] = v
		}
	}
}
