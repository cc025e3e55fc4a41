package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// File is a parsed CSV upload: the header columns plus one string map per
// data row, keyed by column name. Short rows are padded with empty cells
// and surplus cells are dropped, so every row map covers every column.
type File struct {
	Columns []string
	Rows    []map[string]string
}

// ErrEmptyFile indicates the upload had no header row.
var ErrEmptyFile = errors.New("empty file: no header row")

var bomUTF8 = []byte{0xEF, 0xBB, 0xBF}

// Parse decodes CSV bytes into a File. Japan Profile exports arrive in a
// mix of encodings, so the bytes are normalized to UTF-8 first: BOMs are
// honored, valid UTF-8 passes through, anything else is treated as
// Shift_JIS.
func Parse(data []byte) (*File, error) {
	decoded, err := decodeToUTF8(data)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(bytes.NewReader(decoded))
	// Column-count mismatches are handled below by pad/truncate.
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyFile
		}
		return nil, fmt.Errorf("read header row: %w", err)
	}
	for i, column := range header {
		header[i] = strings.TrimSpace(column)
	}

	file := &File{Columns: header}
	for {
		cells, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(file.Rows)+2, err)
		}

		row := make(map[string]string, len(header))
		for i, column := range header {
			if i < len(cells) {
				row[column] = strings.TrimSpace(cells[i])
			} else {
				row[column] = ""
			}
		}
		file.Rows = append(file.Rows, row)
	}

	return file, nil
}

func decodeToUTF8(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	if bytes.HasPrefix(data, bomUTF8) {
		return data[len(bomUTF8):], nil
	}

	// UTF-16 BOMs; ExpectBOM consumes the marker itself.
	if bytes.HasPrefix(data, []byte{0xFF, 0xFE}) || bytes.HasPrefix(data, []byte{0xFE, 0xFF}) {
		dec := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
		decoded, _, err := transform.Bytes(dec, data)
		if err != nil {
			return nil, fmt.Errorf("decode utf-16: %w", err)
		}
		return decoded, nil
	}

	if utf8.Valid(data) {
		return data, nil
	}

	decoded, _, err := transform.Bytes(japanese.ShiftJIS.NewDecoder(), data)
	if err != nil {
		return nil, fmt.Errorf("decode shift_jis: %w", err)
	}
	return decoded, nil
}
