package journal

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// CSVHeaders returns the CSV column headers for journal records.
var CSVHeaders = []string{
	"id", "timestamp", "event", "ip", "role", "evidence", "mac", "vendor",
	"source", "interface", "anomaly", "detail",
}

// WriteCSV writes journal records as CSV to the given writer.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(CSVHeaders); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}

	for _, r := range records {
		row := []string{
			strconv.FormatUint(r.ID, 10),
			r.Timestamp,
			r.Event,
			r.IP,
			r.Role,
			r.Evidence,
			r.MAC,
			r.Vendor,
			r.Source,
			r.Interface,
			r.Anomaly,
			r.Detail,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
