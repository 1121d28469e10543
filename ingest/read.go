package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/extrame/xls"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/dioptra/analysis-engine/model"
)

// =============================================================================
// FORMAT SNIFFING
// =============================================================================

// Format is the detected container of an uploaded file.
type Format int

const (
	FormatText Format = iota
	FormatXLS
	FormatXLSX
)

func (f Format) String() string {
	switch f {
	case FormatXLS:
		return "xls"
	case FormatXLSX:
		return "xlsx"
	default:
		return "text"
	}
}

var oleHeader = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// Sniff detects the format from the leading bytes of data.
func Sniff(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, oleHeader):
		return FormatXLS
	case bytes.HasPrefix(data, []byte("PK")):
		return FormatXLSX
	default:
		return FormatText
	}
}

// =============================================================================
// READING
// =============================================================================

// ReadRows reads every row of the first sheet of r as strings. Entirely
// empty rows are dropped. Failures are *model.ImportError values.
func ReadRows(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, model.NewImportError(model.KindErrorReadingFile, model.MsgErrorReadingFile())
	}

	var rows [][]string
	switch Sniff(data) {
	case FormatXLSX:
		rows, err = readXLSX(data)
	case FormatXLS:
		rows, err = readXLS(data)
	default:
		if bytes.IndexByte(data, 0) >= 0 {
			return nil, model.NewImportError(model.KindFileTypeNotSupported, model.MsgFileTypeNotSupported())
		}
		rows, err = readDelimited(decodeText(data))
	}
	if err != nil {
		log.Debug().Err(err).Msg("read upload")
		return nil, model.NewImportError(model.KindErrorReadingFile, model.MsgErrorReadingFile())
	}
	return dropEmptyRows(rows), nil
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, nil
		}
		sheet = sheets[0]
	}
	return f.GetRows(sheet)
}

func readXLS(data []byte) ([][]string, error) {
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("open xls: %w", err)
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, nil
	}
	var rows [][]string
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			continue
		}
		cells := make([]string, row.LastCol())
		for j := range cells {
			cells[j] = row.Col(j)
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// decodeText returns data as UTF-8, falling back to CP1252. Bytes CP1252
// leaves undefined decode to U+FFFD, which row validation reports.
func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data)
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "\uFFFD")
	}
	return string(out)
}

// readDelimited parses comma-separated text, or tab-separated when the
// first line has tabs and no commas.
func readDelimited(text string) ([][]string, error) {
	cr := csv.NewReader(strings.NewReader(text))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	first, _, _ := strings.Cut(text, "\n")
	if strings.Contains(first, "\t") && !strings.Contains(first, ",") {
		cr.Comma = '\t'
	}
	return cr.ReadAll()
}

func dropEmptyRows(rows [][]string) [][]string {
	out := rows[:0]
	for _, row := range rows {
		for _, cell := range row {
			if cell != "" {
				out = append(out, row)
				break
			}
		}
	}
	return out
}

// =============================================================================
// HEADER-KEYED TABLES
// =============================================================================

// normalizeHeader lower-cases h, replaces spaces with underscores and drops
// commas, so "Sensitive Data?" becomes "sensitive_data?".
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, " ", "_")
	return strings.ReplaceAll(h, ",", "")
}

// table is a file with a header row, read as one map per data row.
type table struct {
	headers []string
	rows    []map[string]string
}

func readTable(r io.Reader) (*table, error) {
	rows, err := ReadRows(r)
	if err != nil {
		return nil, err
	}
	t := &table{}
	if len(rows) == 0 {
		return t, nil
	}
	for _, h := range rows[0] {
		t.headers = append(t.headers, normalizeHeader(h))
	}
	for _, row := range rows[1:] {
		m := make(map[string]string, len(t.headers))
		for i, h := range t.headers {
			if i < len(row) {
				m[h] = row[i]
			}
		}
		t.rows = append(t.rows, m)
	}
	return t, nil
}

func (t *table) hasHeader(name string) bool {
	for _, h := range t.headers {
		if h == name {
			return true
		}
	}
	return false
}
