// Package journal keeps an append-only record of discoveries and packet
// anomalies in a BoltDB file, for later audit and CSV export. The journal is
// write-only from the listener's point of view: it is never used to seed the
// in-memory registry.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/athena-dhcpd/athena-dhcplisten/internal/events"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/metrics"
)

var (
	bucketRecords = []byte("journal")
	bucketIPIndex = []byte("journal_ip_index") // ip → list of record keys
)

// Record is a single journal entry.
type Record struct {
	ID        uint64 `json:"id"`
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	IP        string `json:"ip,omitempty"`
	Role      string `json:"role,omitempty"`
	Evidence  string `json:"evidence,omitempty"`
	MAC       string `json:"mac,omitempty"`
	Vendor    string `json:"vendor,omitempty"`
	Source    string `json:"source,omitempty"`
	Interface string `json:"interface,omitempty"`
	Anomaly   string `json:"anomaly,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// QueryParams holds filter parameters for querying the journal.
type QueryParams struct {
	IP    string    // filter by host address
	MAC   string    // filter by hardware address
	Role  string    // filter by role
	Event string    // filter by event type
	From  time.Time // range start (inclusive)
	To    time.Time // range end (inclusive)
	Limit int       // max results (0 = default 1000)
}

// Journal appends bus events to BoltDB.
type Journal struct {
	db       *bolt.DB
	bus      *events.Bus
	logger   *slog.Logger
	ch       chan events.Event
	finished chan struct{}
	running  atomic.Bool
}

// Open opens (or creates) the journal file at path. bus may be nil when the
// journal is only read, as for a CSV export.
func Open(path string, bus *events.Bus, logger *slog.Logger) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	j, err := New(db, bus, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New creates a journal on an open database.
func New(db *bolt.DB, bus *events.Bus, logger *slog.Logger) (*Journal, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return fmt.Errorf("creating journal bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketIPIndex); err != nil {
			return fmt.Errorf("creating journal IP index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Journal{
		db:       db,
		bus:      bus,
		logger:   logger,
		finished: make(chan struct{}),
	}, nil
}

// Subscribe attaches the journal to the bus.
func (j *Journal) Subscribe() {
	if j.ch == nil {
		j.ch = j.bus.Subscribe(2000)
	}
}

// Start records events until Stop. Call Subscribe first, then Start in a
// goroutine.
func (j *Journal) Start() {
	if !j.running.CompareAndSwap(false, true) {
		return
	}
	defer close(j.finished)
	j.Subscribe()
	j.logger.Info("discovery journal started", "path", j.db.Path())

	for evt := range j.ch {
		j.handleEvent(evt)
	}
}

// Stop detaches the journal from the bus and returns once every event it
// already received is written. Stop the bus first so nothing is left in
// flight.
func (j *Journal) Stop() {
	if j.ch != nil {
		j.bus.Unsubscribe(j.ch)
	}
	if j.running.CompareAndSwap(false, true) {
		// Start never ran
		if j.ch != nil {
			for evt := range j.ch {
				j.handleEvent(evt)
			}
		}
		close(j.finished)
	}
	<-j.finished
	j.logger.Info("discovery journal stopped", "records", j.Count())
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) handleEvent(evt events.Event) {
	rec, ok := recordFromEvent(evt)
	if !ok {
		return
	}
	if err := j.append(rec); err != nil {
		j.logger.Error("failed to write journal record",
			"event", rec.Event, "ip", rec.IP, "error", err)
		return
	}
	metrics.JournalRecords.Inc()
}

// recordFromEvent converts a bus event to a journal record.
func recordFromEvent(evt events.Event) (Record, bool) {
	rec := Record{
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339Nano),
		Event:     string(evt.Type),
	}

	switch {
	case evt.Type == events.EventHostDiscovered && evt.Host != nil:
		h := evt.Host
		rec.IP = ipStr(h.IP)
		rec.Role = h.Role
		rec.Evidence = h.Evidence
		rec.MAC = macStr(h.MAC)
		rec.Vendor = h.Vendor
		rec.Source = ipStr(h.Source)
		rec.Interface = h.Interface
	case evt.Type == events.EventPacketAnomaly && evt.Anomaly != nil:
		a := evt.Anomaly
		rec.Anomaly = a.Kind
		rec.Source = a.Source
		rec.Interface = a.Interface
		rec.Detail = a.Detail
	default:
		return Record{}, false
	}
	return rec, true
}

// append persists a single record with an auto-increment ID.
func (j *Journal) append(rec Record) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("generating journal ID: %w", err)
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshalling journal record: %w", err)
		}
		if err := b.Put(uint64Key(id), data); err != nil {
			return fmt.Errorf("storing journal record: %w", err)
		}

		if rec.IP == "" {
			return nil
		}

		// Update IP index
		idx := tx.Bucket(bucketIPIndex)
		var ids []uint64
		if existing := idx.Get([]byte(rec.IP)); existing != nil {
			if err := json.Unmarshal(existing, &ids); err != nil {
				return fmt.Errorf("decoding IP index for %s: %w", rec.IP, err)
			}
		}
		ids = append(ids, id)
		idData, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("encoding IP index: %w", err)
		}
		return idx.Put([]byte(rec.IP), idData)
	})
}

// Query returns matching records, newest first.
func (j *Journal) Query(params QueryParams) ([]Record, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 1000
	}

	if params.IP != "" {
		return j.queryByIP(params, limit)
	}

	var results []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Last(); k != nil && len(results) < limit; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

// queryByIP uses the IP index.
func (j *Journal) queryByIP(params QueryParams, limit int) ([]Record, error) {
	var results []Record

	err := j.db.View(func(tx *bolt.Tx) error {
		idsData := tx.Bucket(bucketIPIndex).Get([]byte(params.IP))
		if idsData == nil {
			return nil
		}
		var ids []uint64
		if err := json.Unmarshal(idsData, &ids); err != nil {
			return fmt.Errorf("decoding IP index for %s: %w", params.IP, err)
		}

		b := tx.Bucket(bucketRecords)
		for i := len(ids) - 1; i >= 0 && len(results) < limit; i-- {
			data := b.Get(uint64Key(ids[i]))
			if data == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

// All returns every record in ID order.
func (j *Journal) All() ([]Record, error) {
	var results []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding journal record: %w", err)
			}
			results = append(results, rec)
			return nil
		})
	})
	return results, err
}

// Count returns the number of records.
func (j *Journal) Count() int {
	var count int
	j.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketRecords).Stats().KeyN
		return nil
	})
	return count
}

// matchesQuery reports whether a record matches all non-zero query fields.
func matchesQuery(rec Record, params QueryParams) bool {
	if params.MAC != "" && rec.MAC != params.MAC {
		return false
	}
	if params.Role != "" && rec.Role != params.Role {
		return false
	}
	if params.Event != "" && rec.Event != params.Event {
		return false
	}

	if params.From.IsZero() && params.To.IsZero() {
		return true
	}
	recTime, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return false
	}
	if !params.From.IsZero() && recTime.Before(params.From) {
		return false
	}
	if !params.To.IsZero() && recTime.After(params.To) {
		return false
	}
	return true
}

// --- helpers ---

func uint64Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func ipStr(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func macStr(mac net.HardwareAddr) string {
	if mac == nil {
		return ""
	}
	return mac.String()
}
