package parser

import (
	"bytes"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"bizmon/internal/dataset"
)

// parseParquet reads a flat-schema parquet file through the low-level
// row API; leaf column order matches the schema's field order for the
// flat files this service accepts.
func parseParquet(data []byte) (*dataset.Table, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	fields := f.Schema().Fields()
	t := &dataset.Table{Columns: make([]string, len(fields))}
	for i, fld := range fields {
		t.Columns[i] = fld.Name()
	}

	for _, rg := range f.RowGroups() {
		rows := rg.Rows()
		buf := make([]parquet.Row, 256)
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				out := make([]any, len(t.Columns))
				for _, v := range row {
					col := v.Column()
					if col < 0 || col >= len(out) {
						continue
					}
					out[col] = parquetValue(v)
				}
				t.Rows = append(t.Rows, out)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("read parquet rows: %w", err)
			}
			if n == 0 {
				break
			}
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("close parquet rows: %w", err)
		}
	}
	return t, nil
}

func parquetValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
