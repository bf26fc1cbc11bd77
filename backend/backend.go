// Package backend archives snapshots in sqlite and serves them on a separate
// listener.
package backend

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/brutella/hc/log"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultMaxSnapshots is how many snapshots are kept when none is configured.
const DefaultMaxSnapshots = 100

var ErrClosed = errors.New("backend database is not open")

type Backend struct {
	dbFile       string
	inetAddr     string
	maxSnapshots int

	mu       sync.Mutex
	dbHandle *sql.DB
	server   *http.Server
	listener net.Listener
}

func New(dbFile string, inetAddr string) *Backend {
	return &Backend{
		dbFile:       dbFile,
		inetAddr:     inetAddr,
		maxSnapshots: DefaultMaxSnapshots,
	}
}

// SetMaxSnapshots changes how many snapshots are kept. Values below one are
// ignored.
func (b *Backend) SetMaxSnapshots(n int) {
	if n > 0 {
		b.maxSnapshots = n
	}
}

const createSnapshotTableSQL = `
CREATE TABLE IF NOT EXISTS camera_snapshot (
"id" integer NOT NULL PRIMARY KEY AUTOINCREMENT,
"datetime" DATE DEFAULT (datetime('now')),
"photo" BLOB NOT NULL
);`

// Open opens the database, creating the file and schema if needed.
func (b *Backend) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dbHandle != nil {
		return nil
	}

	log.Debug.Println("Open database", b.dbFile)
	db, err := sql.Open("sqlite3", b.dbFile)
	if err != nil {
		return fmt.Errorf("open %s: %w", b.dbFile, err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createSnapshotTableSQL); err != nil {
		db.Close()
		return fmt.Errorf("create schema: %w", err)
	}

	b.dbHandle = db
	return nil
}

// Close stops the web service and closes the database.
func (b *Backend) Close() error {
	b.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dbHandle == nil {
		return nil
	}
	err := b.dbHandle.Close()
	b.dbHandle = nil
	return err
}

func (b *Backend) db() (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dbHandle == nil {
		return nil, ErrClosed
	}
	return b.dbHandle, nil
}

// InsertSnapshot stores an encoded JPEG and drops the oldest snapshots
// beyond the configured limit.
func (b *Backend) InsertSnapshot(photo []byte) error {
	db, err := b.db()
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	log.Debug.Println("Insert new snapshot")
	if _, err := tx.Exec(`INSERT INTO camera_snapshot(photo) VALUES (?)`, photo); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	// we permit at most N snapshots
	q := `
DELETE from camera_snapshot WHERE id IN
(SELECT id FROM camera_snapshot ORDER BY id DESC LIMIT -1 OFFSET ?)
`
	if _, err := tx.Exec(q, b.maxSnapshots); err != nil {
		return fmt.Errorf("delete old snapshots: %w", err)
	}

	return tx.Commit()
}

type Snapshot struct {
	ID       int64
	DateTime string
	Photo    []byte
}

// Snapshots returns up to limit snapshots, newest first.
func (b *Backend) Snapshots(limit int) ([]Snapshot, error) {
	db, err := b.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query("SELECT id, datetime, photo FROM camera_snapshot ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.ID, &s.DateTime, &s.Photo); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// getJSON dumps the rows of a query as a JSON array of objects keyed by
// column name. Blobs are base64 encoded.
func (b *Backend) getJSON(sqlString string) ([]byte, error) {
	db, err := b.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(sqlString)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	tableData := make([]map[string]interface{}, 0)

	count := len(columns)
	values := make([]interface{}, count)
	scanArgs := make([]interface{}, count)
	for i := range values {
		scanArgs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, err
		}

		entry := make(map[string]interface{})
		for i, col := range columns {
			v := values[i]

			if b, ok := v.([]byte); ok {
				entry[col] = base64.StdEncoding.EncodeToString(b)
			} else {
				entry[col] = v
			}
		}

		tableData = append(tableData, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return json.Marshal(tableData)
}

func (b *Backend) getSnapshots(w http.ResponseWriter, r *http.Request) {
	log.Debug.Println("WebService: getSnapshots requested")
	data, err := b.getJSON("SELECT * from camera_snapshot ORDER BY id DESC")
	if err != nil {
		log.Info.Println("getSnapshots:", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

var homepage = template.Must(template.New("home").Parse(`<html>
<head>
<title>Snapshots</title>
<style>
th, td {
  padding: 15px;
  border-spacing: 5px;
  text-align: center;
}
</style>
</head>
<body>
<div id="printSnap">
<table style="width:800;margin-left:auto;margin-right:auto;">
<tr>
<th>Date and Time</th>
<th>Snapshot</th>
</tr>
{{range .}}<tr><td>{{.DateTime}}</td><td><img src="{{.Photo}}" alt="snapshot" width="300"></td></tr>
{{end}}</table>
</div>
</body>
</html>
`))

type homeRow struct {
	DateTime string
	Photo    template.URL
}

func (b *Backend) getHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	log.Debug.Println("WebService: getHome requested")

	snaps, err := b.Snapshots(b.maxSnapshots)
	if err != nil {
		log.Info.Println("getHome:", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	rows := make([]homeRow, len(snaps))
	for i, s := range snaps {
		rows[i] = homeRow{s.DateTime, template.URL("data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(s.Photo))}
	}

	w.Header().Set("Content-Type", "text/html")
	if err := homepage.Execute(w, rows); err != nil {
		log.Debug.Println("getHome:", err)
	}
}

// Handler returns the archive routes.
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", b.getHome)
	mux.HandleFunc("/getSnapshots", b.getSnapshots)
	return mux
}

// StartWebService opens the database and serves the archive in the
// background.
func (b *Backend) StartWebService() error {
	if err := b.Open(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", b.inetAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", b.inetAddr, err)
	}
	srv := &http.Server{Handler: b.Handler(), ReadHeaderTimeout: 10 * time.Second}
	b.server = srv
	b.listener = ln

	go func() {
		log.Info.Println("Backend is listening at", ln.Addr())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Info.Println("backend:", err)
		}
	}()
	return nil
}

// Stop shuts the web service down. The database stays open.
func (b *Backend) Stop() {
	b.mu.Lock()
	srv := b.server
	b.server = nil
	b.listener = nil
	b.mu.Unlock()

	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
	}
}

// Addr returns the bound address while serving.
func (b *Backend) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		return b.listener.Addr().String()
	}
	return b.inetAddr
}
