// Package sqlitestore is a store.Client over a local SQLite file.
//
// Every client opens its own connection pool on the shared file, so building a
// new client really is a fresh connection with the variant's settings. Live
// queries are implemented by polling and emit only when the result set changes.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"sitesync/internal/store"
	logx "sitesync/pkg/logx"
)

//go:embed schema.sql
var schemaFS embed.FS

const DefaultPollInterval = time.Second

type Config struct {
	Path        string
	BusyTimeout time.Duration
	// PollInterval is used by variants that do not set their own.
	PollInterval time.Duration
}

// DB owns the database file and the schema. Put/Delete write directly, the way
// another writer (or the server) would.
type DB struct {
	cfg Config
	log logx.Logger
	db  *sql.DB
}

func Open(cfg Config, log logx.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlitestore: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := openConn(cfg, 0, log)
	if err != nil {
		return nil, err
	}
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(string(b)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &DB{cfg: cfg, log: log.With(logx.String("comp", "sqlitestore")), db: db}, nil
}

// openConn opens a pool and applies the pragmas. A failed cache_size fails
// the open, since that pragma is what sets a variant apart; the others only
// warn.
func openConn(cfg Config, cacheBytes int64, log logx.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer per pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	soft := []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"}
	if cfg.BusyTimeout > 0 {
		soft = append([]string{fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds())}, soft...)
	}
	for _, q := range soft {
		if _, err := db.Exec(q); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", q), logx.Err(err))
		}
	}
	if cacheBytes > 0 {
		// Negative cache_size is in KiB.
		q := fmt.Sprintf("PRAGMA cache_size = -%d", cacheBytes/1024)
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", q, err)
		}
	}
	return db, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Put writes a document.
func (d *DB) Put(ctx context.Context, path string, data map[string]any) error {
	path = strings.Trim(path, "/")
	if store.CollectionOf(path) == "" {
		return store.Errorf(store.CodeInvalidArgument, "put", path, "document path needs a collection")
	}
	body, err := json.Marshal(data)
	if err != nil {
		return store.Errorf(store.CodeInvalidArgument, "put", path, "encode: %v", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO documents(path, collection, data, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(path) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		path, store.CollectionOf(path), string(body), time.Now().UnixNano(),
	)
	return mapErr(ctx, "put", path, err)
}

func (d *DB) Delete(ctx context.Context, path string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, strings.Trim(path, "/"))
	return mapErr(ctx, "delete", path, err)
}

// Factory builds clients on this database.
func (d *DB) Factory() store.Factory {
	return store.FactoryFunc(func(ctx context.Context, v store.Variant) (store.Client, error) {
		return d.NewClient(ctx, v)
	})
}

// NewClient opens a new connection pool configured from v.
func (d *DB) NewClient(ctx context.Context, v store.Variant) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := openConn(d.cfg, v.CacheSizeBytes, d.log)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, mapErr(ctx, "open", d.cfg.Path, err)
	}
	poll := d.cfg.PollInterval
	if v.PollInterval > 0 {
		poll = v.PollInterval
	}
	return &Client{
		db:      conn,
		variant: v,
		poll:    poll,
		log:     d.log.With(logx.String("variant", v.String())),
		done:    make(chan struct{}),
	}, nil
}

type Client struct {
	db      *sql.DB
	variant store.Variant
	poll    time.Duration
	log     logx.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func (c *Client) Variant() store.Variant { return c.variant }

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) ReadOne(ctx context.Context, path string) (store.Document, bool, error) {
	if c.isClosed() {
		return store.Document{}, false, store.ErrClosed
	}
	path = strings.Trim(path, "/")
	var (
		body string
		ts   int64
	)
	err := c.db.QueryRowContext(ctx, `SELECT data, updated_at FROM documents WHERE path = ?`, path).Scan(&body, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, false, nil
	}
	if err != nil {
		return store.Document{}, false, mapErr(ctx, "read", path, err)
	}
	doc, err := decode(path, body, ts)
	if err != nil {
		return store.Document{}, false, err
	}
	return doc, true, nil
}

func (c *Client) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	if c.isClosed() {
		return nil, store.ErrClosed
	}
	coll := strings.Trim(q.Collection, "/")
	rows, err := c.db.QueryContext(ctx, `SELECT path, data, updated_at FROM documents WHERE collection = ?`, coll)
	if err != nil {
		return nil, mapErr(ctx, "query", coll, err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var (
			path, body string
			ts         int64
		)
		if err := rows.Scan(&path, &body, &ts); err != nil {
			return nil, mapErr(ctx, "query", coll, err)
		}
		doc, err := decode(path, body, ts)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(ctx, "query", coll, err)
	}
	return q.Apply(docs), nil
}

// Subscribe polls q every poll interval. The first snapshot is emitted right
// away; later ones only when a document was added, removed or updated.
func (c *Client) Subscribe(ctx context.Context, q store.Query, onUpdate func(store.Snapshot), onError func(error)) (store.CancelFunc, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, store.ErrClosed
	}
	stop := make(chan struct{})
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.pollLoop(q, stop, onUpdate, onError)
	}()

	var once sync.Once
	return func() error {
		once.Do(func() { close(stop) })
		return nil
	}, nil
}

func (c *Client) pollLoop(q store.Query, stop <-chan struct{}, onUpdate func(store.Snapshot), onError func(error)) {
	t := time.NewTicker(c.poll)
	defer t.Stop()

	last := ""
	first := true
	for {
		ctx, cancel := context.WithTimeout(context.Background(), c.poll+5*time.Second)
		docs, err := c.Query(ctx, q)
		cancel()
		switch {
		case errors.Is(err, store.ErrClosed):
			return
		case err != nil:
			if onError != nil {
				onError(err)
			}
		default:
			if fp := fingerprint(docs); first || fp != last {
				first, last = false, fp
				if onUpdate != nil {
					onUpdate(store.Snapshot{Docs: docs, ReadTime: time.Now()})
				}
			}
		}

		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-t.C:
		}
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	c.wg.Wait()
	return c.db.Close()
}

func fingerprint(docs []store.Document) string {
	var b strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&b, "%s@%d;", d.Path, d.UpdateTime.UnixNano())
	}
	return b.String()
}

func decode(path, body string, ts int64) (store.Document, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return store.Document{}, store.Errorf(store.CodeInternal, "decode", path, "%v", err)
	}
	return store.Document{Path: path, Data: data, UpdateTime: time.Unix(0, ts)}, nil
}

func mapErr(ctx context.Context, op, path string, err error) error {
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return &store.Error{Code: store.CodeOf(cerr), Op: op, Path: path, Err: err}
	}
	msg := strings.ToLower(err.Error())
	code := store.CodeInternal
	switch {
	case errors.Is(err, sql.ErrConnDone), strings.Contains(msg, "database is closed"),
		strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"),
		strings.Contains(msg, "unable to open"):
		code = store.CodeUnavailable
	case strings.Contains(msg, "readonly"), strings.Contains(msg, "access permission"):
		code = store.CodePermissionDenied
	}
	return &store.Error{Code: code, Op: op, Path: path, Err: err}
}
