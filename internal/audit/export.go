package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strconv"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports entries as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports entries as a JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// ParseExportFormat returns the format named by s, defaulting to JSON.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", ExportFormatJSON:
		return ExportFormatJSON, nil
	case ExportFormatCSV:
		return ExportFormatCSV, nil
	}
	return "", fmt.Errorf("unsupported export format: %s", s)
}

// ContentType returns the MIME type of the format.
func (f ExportFormat) ContentType() string {
	if f == ExportFormatCSV {
		return "text/csv"
	}
	return "application/json"
}

var csvHeader = []string{
	"ID",
	"Sequence",
	"Timestamp (UTC)",
	"Event Type",
	"Entity Type",
	"Entity ID",
	"User ID",
	"User Name",
	"User Role",
	"Old Value",
	"New Value",
	"Change Reason",
	"User Comment",
	"Source",
	"IP Address",
	"User Agent",
	"Request ID",
	"API Endpoint",
	"Data Hash",
	"Previous Hash",
}

// Export writes entries to w in the given format and returns the number of
// entries written.
func Export(w io.Writer, format ExportFormat, entries iter.Seq2[*Entry, error]) (int, error) {
	switch format {
	case ExportFormatCSV:
		return WriteCSV(w, entries)
	case ExportFormatJSON:
		return WriteJSON(w, entries)
	}
	return 0, fmt.Errorf("unsupported export format: %s", format)
}

// WriteCSV streams entries to w as CSV with a header row.
func WriteCSV(w io.Writer, entries iter.Seq2[*Entry, error]) (int, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("failed to write CSV header: %w", err)
	}

	n := 0
	for e, err := range entries {
		if err != nil {
			writer.Flush()
			return n, fmt.Errorf("failed to read entries: %w", err)
		}
		row := []string{
			e.ID,
			strconv.FormatInt(e.Sequence, 10),
			e.OccurredAt.UTC().Format(time.RFC3339Nano),
			string(e.EventType),
			e.EntityType,
			e.EntityID,
			e.UserID,
			e.UserName,
			e.UserRole,
			e.OldValue,
			e.NewValue,
			e.ChangeReason,
			e.UserComment,
			string(e.Source),
			e.IPAddress,
			e.UserAgent,
			e.RequestID,
			e.APIEndpoint,
			e.DataHash,
			e.PreviousHash,
		}
		if err := writer.Write(row); err != nil {
			return n, fmt.Errorf("failed to write CSV row: %w", err)
		}
		n++
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return n, fmt.Errorf("CSV writer error: %w", err)
	}
	return n, nil
}

// WriteJSON streams entries to w as a JSON array, one element at a time.
func WriteJSON(w io.Writer, entries iter.Seq2[*Entry, error]) (int, error) {
	if _, err := io.WriteString(w, "["); err != nil {
		return 0, err
	}

	n := 0
	for e, err := range entries {
		if err != nil {
			return n, fmt.Errorf("failed to read entries: %w", err)
		}
		if n > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return n, err
			}
		}
		data, err := json.Marshal(e)
		if err != nil {
			return n, fmt.Errorf("failed to marshal JSON: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return n, err
		}
		n++
	}

	if _, err := io.WriteString(w, "]"); err != nil {
		return n, err
	}
	return n, nil
}

// SliceSeq adapts a slice of entries to the iterator accepted by Export.
func SliceSeq(entries []*Entry) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}
