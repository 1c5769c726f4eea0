// Package export renders simulation results as downloadable documents.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/seantiz/stellarsim/internal/model"
)

// Supported export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ContentType returns the MIME type of format.
func ContentType(format string) string {
	switch format {
	case FormatCSV:
		return "text/csv"
	default:
		return "application/json"
	}
}

// Render encodes r in the named format.
func Render(format string, r *model.Result) ([]byte, error) {
	switch format {
	case FormatJSON:
		return JSON(r)
	case FormatCSV:
		return CSV(r)
	default:
		return nil, fmt.Errorf("unsupported export format: %q", format)
	}
}

// JSON returns the full result as indented JSON.
func JSON(r *model.Result) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

// CSV returns the time series as "t,value" rows under a header line.
func CSV(r *model.Result) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"t", "value"}); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, p := range r.TimeSeries {
		if err := w.Write([]string{formatFloat(p.T), formatFloat(p.Value)}); err != nil {
			return nil, fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
