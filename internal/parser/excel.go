package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"bizmon/internal/dataset"
)

// oleSignature opens every legacy BIFF workbook (an OLE compound
// file). excelize reads only OOXML, so these get a targeted error
// instead of a generic zip one.
var oleSignature = []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}

// parseExcel reads the first sheet of a workbook; the first row is the
// header. Cells arrive as display strings, which suits the inference
// pass downstream.
func parseExcel(data []byte) (*dataset.Table, error) {
	if bytes.HasPrefix(data, oleSignature) {
		return nil, errors.New("legacy .xls (BIFF) workbooks are not supported; re-save the file as .xlsx")
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyDataset
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, ErrEmptyDataset
	}

	header := rows[0]
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
	}

	t := &dataset.Table{Columns: header}
	for _, rec := range rows[1:] {
		row := make([]any, len(header))
		for i := range header {
			if i >= len(rec) {
				continue
			}
			v := strings.TrimSpace(rec[i])
			if v == "" {
				continue
			}
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
