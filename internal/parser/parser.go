// Package parser decodes uploaded files into in-memory tables keyed
// by file extension. Parsers keep cell values as decoded (string,
// float64, bool or nil); typing is the inferencer's job.
package parser

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"bizmon/internal/dataset"
)

// ErrUnsupportedFormat is returned for extensions outside the
// supported set.
var ErrUnsupportedFormat = errors.New("parser: unsupported file format")

// ErrEmptyDataset is returned when a file decodes but yields no data
// rows.
var ErrEmptyDataset = errors.New("parser: no rows in file")

// Extensions lists the supported upload formats. ".xls" is accepted
// because exporters routinely write OOXML workbooks under that name;
// true legacy BIFF .xls files are not readable (excelize only opens
// OOXML) and fail at parse time with a clear error.
var Extensions = []string{".csv", ".tsv", ".txt", ".xlsx", ".xls", ".json", ".parquet"}

// Format names the filename's format for logs and metrics: the
// lowercased extension without the dot, or "unknown".
func Format(filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return "unknown"
	}
	return ext
}

// Supported reports whether the filename's extension can be decoded.
func Supported(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Parse decodes file contents according to the filename's extension.
// All-null columns are dropped; a table without data rows is an error.
func Parse(filename string, data []byte) (*dataset.Table, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	var (
		t   *dataset.Table
		err error
	)
	switch ext {
	case ".csv":
		t, err = parseDelimited(data, ',')
	case ".tsv":
		t, err = parseDelimited(data, '\t')
	case ".txt":
		t, err = parseDelimited(data, sniffDelimiter(data))
	case ".json":
		t, err = parseJSON(data)
	case ".xlsx", ".xls":
		t, err = parseExcel(data)
	case ".parquet":
		t, err = parseParquet(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	t.DropAllNullColumns()
	if t.IsEmpty() {
		return nil, ErrEmptyDataset
	}
	return t, nil
}

// sniffDelimiter decides between tab and comma for .txt by inspecting
// the first line.
func sniffDelimiter(data []byte) rune {
	for _, b := range data {
		switch b {
		case '\n':
			return ','
		case '\t':
			return '\t'
		}
	}
	return ','
}
