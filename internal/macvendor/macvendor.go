// Package macvendor maps hardware addresses to NIC vendor names so that
// discovered clients can be labelled. The database is loaded once from a
// file in either the macdb.json format or Wireshark's manuf format.
package macvendor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Entry is a single macdb.json record.
type Entry struct {
	MacPrefix  string `json:"macPrefix"`
	VendorName string `json:"vendorName"`
	Private    bool   `json:"private"`
	BlockType  string `json:"blockType"`
}

// DB is the in-memory vendor database. The zero value is an empty database.
type DB struct {
	mu      sync.RWMutex
	vendors map[string]string // lowercase hex prefix → vendor name
}

// LoadFile reads a vendor database from path.
func LoadFile(path string) (*DB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening vendor database: %w", err)
	}
	defer f.Close()

	db := &DB{}
	if err := db.Load(f); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return db, nil
}

// Load replaces the database contents. Input starting with '[' is parsed as
// macdb.json, anything else as manuf lines ("prefix<TAB>short<TAB>long").
func (db *DB) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	var vendors map[string]string
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		vendors, err = parseJSON(trimmed)
	} else {
		vendors, err = parseManuf(data)
	}
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.vendors = vendors
	db.mu.Unlock()
	return nil
}

func parseJSON(data []byte) (map[string]string, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing macdb.json: %w", err)
	}
	vendors := make(map[string]string, len(entries))
	for _, e := range entries {
		if prefix := normalize(e.MacPrefix); prefix != "" {
			vendors[prefix] = e.VendorName
		}
	}
	return vendors, nil
}

func parseManuf(data []byte) (map[string]string, error) {
	vendors := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 2 {
			return nil, fmt.Errorf("manuf line %d: expected tab-separated prefix and name", line)
		}
		prefix, mask, hasMask := strings.Cut(fields[0], "/")
		p := normalize(prefix)
		if hasMask {
			bits, err := strconv.Atoi(mask)
			if err != nil || bits%4 != 0 || bits/4 > len(p) {
				return nil, fmt.Errorf("manuf line %d: bad mask %q", line, mask)
			}
			p = p[:bits/4]
		}
		if p != "" {
			vendors[p] = strings.TrimSpace(fields[len(fields)-1])
		}
	}
	return vendors, sc.Err()
}

// Lookup returns the vendor for mac, or "" when unknown.
func (db *DB) Lookup(mac net.HardwareAddr) string {
	if db == nil || len(mac) < 3 {
		return ""
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	hex := normalize(mac.String())
	// Longest assignment first: MA-S (36 bits), MA-M (28 bits), MA-L (24 bits)
	for _, n := range []int{9, 7, 6} {
		if n > len(hex) {
			continue
		}
		if vendor, ok := db.vendors[hex[:n]]; ok {
			return vendor
		}
	}
	return ""
}

// Count returns the number of prefixes loaded.
func (db *DB) Count() int {
	if db == nil {
		return 0
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors)
}

// normalize strips separators and lowercases hex digits.
func normalize(s string) string {
	return strings.ToLower(strings.NewReplacer(":", "", "-", "", ".", "").Replace(s))
}
