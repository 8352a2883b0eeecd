// Package journal records device traffic in a sqlite database for
// diagnostics. Every run of the daemon opens a session; serial transactions
// and device open/close events are stored against it. Nothing reads the
// journal back to drive devices.
package journal

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/lightsheet/internal/httputil"
	"github.com/banshee-data/lightsheet/internal/monitoring"
	"github.com/banshee-data/lightsheet/internal/security"
	"github.com/banshee-data/lightsheet/internal/serialport"
	"github.com/banshee-data/lightsheet/internal/timeutil"
)

// Journal is an open journal database with one active session.
type Journal struct {
	db         *sql.DB
	path       string
	instrument string
	session    string
	clock      timeutil.Clock

	mu     sync.Mutex
	closed bool
}

// Open opens (creating if needed) the database at path, migrates it and
// starts a session for instrument.
func Open(path, instrument string) (*Journal, error) {
	return OpenWithClock(path, instrument, timeutil.RealClock{})
}

// OpenWithClock is Open with timestamps taken from clock.
func OpenWithClock(path, instrument string, clock timeutil.Clock) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Observers run on every device goroutine; one connection keeps
	// sqlite writes serialised.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	j := &Journal{db: db, path: path, instrument: instrument, clock: clock}
	if err := j.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	if err := j.startSession(); err != nil {
		db.Close()
		return nil, err
	}
	monitoring.Logf("journal %s: session %s", path, j.session)
	return j, nil
}

func (j *Journal) startSession() error {
	j.session = uuid.NewString()
	_, err := j.db.Exec(
		`INSERT INTO sessions (session_id, instrument, started_at) VALUES (?, ?, ?)`,
		j.session, j.instrument, j.clock.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// Session returns the active session id.
func (j *Journal) Session() string { return j.session }

// DB exposes the underlying database.
func (j *Journal) DB() *sql.DB { return j.db }

// ObserveTransaction stores tx. Storage errors are logged and dropped so a
// full disk never fails a device command.
func (j *Journal) ObserveTransaction(tx serialport.Transaction) {
	var errText sql.NullString
	if tx.Err != nil {
		errText = sql.NullString{String: tx.Err.Error(), Valid: true}
	}
	_, err := j.db.Exec(
		`INSERT INTO transactions (session_id, device, request, response, error, started_at, duration_us)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.session, tx.Device, tx.Request, tx.Response, errText,
		tx.Started.UnixNano(), tx.Duration.Microseconds(),
	)
	if err != nil {
		monitoring.Errorf("journal: failed to record %s transaction: %v", tx.Device, err)
	}
}

// Event kinds recorded by RecordEvent.
const (
	EventOpen  = "open"
	EventClose = "close"
	EventError = "error"
)

// RecordEvent stores a device lifecycle event.
func (j *Journal) RecordEvent(device, kind, event, message string) error {
	_, err := j.db.Exec(
		`INSERT INTO device_events (session_id, device, kind, event, message, at) VALUES (?, ?, ?, ?, ?, ?)`,
		j.session, device, kind, event, message, j.clock.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s event for %s: %w", event, device, err)
	}
	return nil
}

// Entry is one stored transaction.
type Entry struct {
	ID         int64         `json:"id"`
	Session    string        `json:"session"`
	Device     string        `json:"device"`
	Request    string        `json:"request"`
	Response   string        `json:"response"`
	Error      string        `json:"error,omitempty"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	DurationUS int64         `json:"duration_us"`
}

// Recent returns up to limit transactions of the active session, newest
// first. An empty device matches every device.
func (j *Journal) Recent(device string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(
		`SELECT transaction_id, session_id, device, request, response, error, started_at, duration_us
		   FROM transactions
		  WHERE session_id = ? AND (? = '' OR device = ?)
		  ORDER BY transaction_id DESC
		  LIMIT ?`,
		j.session, device, device, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var req, resp []byte
		var errText sql.NullString
		var started int64
		if err := rows.Scan(&e.ID, &e.Session, &e.Device, &req, &resp, &errText, &started, &e.DurationUS); err != nil {
			return nil, err
		}
		e.Request = string(req)
		e.Response = string(resp)
		e.Error = errText.String
		e.Started = time.Unix(0, started).UTC()
		e.Duration = time.Duration(e.DurationUS) * time.Microsecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// DeviceStats summarises the active session's traffic for one device.
type DeviceStats struct {
	Device        string  `json:"device"`
	Transactions  int64   `json:"transactions"`
	Errors        int64   `json:"errors"`
	MeanLatencyMS float64 `json:"mean_latency_ms"`
}

// Stats returns per-device totals for the active session ordered by device.
func (j *Journal) Stats() ([]DeviceStats, error) {
	rows, err := j.db.Query(
		`SELECT device, COUNT(*), COUNT(error), AVG(duration_us)
		   FROM transactions
		  WHERE session_id = ?
		  GROUP BY device
		  ORDER BY device`,
		j.session,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []DeviceStats
	for rows.Next() {
		var s DeviceStats
		var meanUS float64
		if err := rows.Scan(&s.Device, &s.Transactions, &s.Errors, &meanUS); err != nil {
			return nil, err
		}
		s.MeanLatencyMS = meanUS / 1000
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Close ends the session and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if _, err := j.db.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, j.clock.Now().UnixNano(), j.session); err != nil {
		monitoring.Warnf("journal: failed to end session %s: %v", j.session, err)
	}
	return j.db.Close()
}

// AttachAdminRoutes mounts the journal debug pages under /debug/.
func (j *Journal) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+j.path, j.db, &tailsql.DBOptions{
		Label: "Device journal",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("journal", "Recent device transactions (JSON, ?device=&limit=)", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := j.Recent(r.URL.Query().Get("device"), limit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, entries)
	})
	debug.HandleFunc("journal-stats", "Per-device transaction totals (JSON)", func(w http.ResponseWriter, r *http.Request) {
		stats, err := j.Stats()
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, stats)
	})
	debug.Handle("journal-backup", "Create and download a backup of the journal now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath, err := j.Backup(os.TempDir())
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to create backup: %v", err))
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				monitoring.Warnf("journal: failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to open backup file: %v", err))
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			monitoring.Warnf("journal: failed to write backup: %v", err)
		}
	}))
	return nil
}

// Backup writes a consistent copy of the journal into dir and returns its
// path. The file is named after the instrument and the current time.
func (j *Journal) Backup(dir string) (string, error) {
	name := fmt.Sprintf("journal-%s-%d.db", security.SanitizeFilename(j.instrument), j.clock.Now().Unix())
	backupPath := filepath.Join(dir, name)
	if err := security.ValidatePathWithinDirectory(backupPath, dir); err != nil {
		return "", err
	}
	if _, err := j.db.Exec("VACUUM INTO ?", backupPath); err != nil {
		return "", err
	}
	return backupPath, nil
}

var _ serialport.Observer = (*Journal)(nil)

// DeviceOpened records an open event.
func (j *Journal) DeviceOpened(name, kind, id string) {
	if err := j.RecordEvent(name, kind, EventOpen, id); err != nil {
		monitoring.Errorf("journal: %v", err)
	}
}

// DeviceClosed records a close event, or an error event when closing failed.
func (j *Journal) DeviceClosed(name, kind string, closeErr error) {
	event, msg := EventClose, ""
	if closeErr != nil {
		event, msg = EventError, closeErr.Error()
	}
	if err := j.RecordEvent(name, kind, event, msg); err != nil {
		monitoring.Errorf("journal: %v", err)
	}
}
