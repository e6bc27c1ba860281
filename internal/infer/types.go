package infer

import (
	"strconv"
	"strings"
	"time"

	"bizmon/internal/dataset"
)

// ColumnType is the inferred storage type of a column.
type ColumnType string

const (
	TypeInteger   ColumnType = "integer"
	TypeFloat     ColumnType = "float"
	TypeBoolean   ColumnType = "boolean"
	TypeDate      ColumnType = "date"
	TypeTimestamp ColumnType = "timestamp"
	TypeText      ColumnType = "text"
)

// sampleLimit bounds how many rows the value-shape pass inspects.
// Uploads can be large; shapes stabilize long before that.
const sampleLimit = 200

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"01/02/2006",
}

var tsLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.000Z07:00",
	"02.01.2006 15:04:05",
}

func parseBoolLoose(s string) (bool, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "1", "t", "true", "yes", "y":
		return true, true
	case "0", "f", "false", "no", "n":
		return false, true
	default:
		return false, false
	}
}

// ParseDateLoose tries the accepted date layouts in order and reports
// the matching layout.
func ParseDateLoose(s string) (time.Time, string, bool) {
	s = strings.TrimSpace(s)
	for _, lay := range dateLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, lay, true
		}
	}
	return time.Time{}, "", false
}

// ParseTimestampLoose tries the accepted timestamp layouts in order.
func ParseTimestampLoose(s string) (time.Time, string, bool) {
	s = strings.TrimSpace(s)
	for _, lay := range tsLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, lay, true
		}
	}
	return time.Time{}, "", false
}

// inferColumnTypes classifies each column by the shape of its sampled
// values. A column must parse consistently to earn a non-text type;
// blanks do not count against it.
func inferColumnTypes(columns []string, rows [][]any) []ColumnType {
	if len(columns) == 0 {
		return nil
	}

	out := make([]ColumnType, len(columns))
	for i := range out {
		out[i] = TypeText
	}

	sample := rows
	if len(sample) > sampleLimit {
		sample = sample[:sampleLimit]
	}

	for col := range columns {
		var seen bool
		allInt := true
		allFloat := true
		allBool := true
		allDate := true
		allTS := true

		for _, r := range sample {
			if col >= len(r) || r[col] == nil {
				continue
			}
			switch r[col].(type) {
			case int64:
				seen = true
				allBool, allDate, allTS = false, false, false
				continue
			case float64:
				seen = true
				allInt, allBool, allDate, allTS = false, false, false, false
				continue
			case bool:
				seen = true
				allInt, allFloat, allDate, allTS = false, false, false, false
				continue
			}

			v := strings.TrimSpace(dataset.CellString(r[col]))
			if v == "" {
				continue
			}
			seen = true

			if allInt {
				if _, err := strconv.ParseInt(v, 10, 64); err != nil {
					allInt = false
				}
			}
			if allFloat {
				if _, err := strconv.ParseFloat(v, 64); err != nil {
					allFloat = false
				}
			}
			if allBool {
				if _, ok := parseBoolLoose(v); !ok {
					allBool = false
				}
			}
			if allDate {
				if _, _, ok := ParseDateLoose(v); !ok {
					allDate = false
				}
			}
			if allTS {
				if _, _, ok := ParseTimestampLoose(v); !ok {
					allTS = false
				}
			}
		}

		if !seen {
			continue
		}
		// Prefer more specific types.
		switch {
		case allInt:
			out[col] = TypeInteger
		case allBool:
			out[col] = TypeBoolean
		case allDate:
			out[col] = TypeDate
		case allTS:
			out[col] = TypeTimestamp
		case allFloat:
			out[col] = TypeFloat
		}
	}

	return out
}

// numericShare reports the fraction of non-null sampled cells in a
// column that parse as numbers.
func numericShare(col int, rows [][]any) float64 {
	sample := rows
	if len(sample) > sampleLimit {
		sample = sample[:sampleLimit]
	}
	var seen, numeric int
	for _, r := range sample {
		if col >= len(r) || r[col] == nil {
			continue
		}
		if s, ok := r[col].(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		seen++
		if _, ok := dataset.CellFloat(r[col]); ok {
			numeric++
		}
	}
	if seen == 0 {
		return 0
	}
	return float64(numeric) / float64(seen)
}
