package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/metrics"
)

// State is the lifecycle of the lazily opened storage handle.
type State string

const (
	Uninitialized State = "UNINITIALIZED"
	Opening       State = "OPENING"
	Ready         State = "READY"
	Unavailable   State = "UNAVAILABLE"
)

// DefaultMaxMessages bounds the message slice kept per persisted thread.
const DefaultMaxMessages = 50

// Options configures a durable DB.
type Options struct {
	Path string
	// MaxMessages is the most recent messages kept per thread record.
	MaxMessages int
	Now         func() time.Time
	Logger      *zap.Logger
}

// DB is the durable thread record store. The sqlite handle is opened on first
// use and shared by every caller; concurrent first callers wait on the same
// open. A failed open makes the DB unavailable until it is discarded.
type DB struct {
	path        string
	maxMessages int
	now         func() time.Time
	logger      *zap.Logger

	mu      sync.Mutex
	state   State
	opening chan struct{}
	db      *sql.DB
	openErr error
}

// New creates a DB for path without touching the filesystem.
func New(opts Options) *DB {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &DB{
		path:        opts.Path,
		maxMessages: opts.MaxMessages,
		now:         opts.Now,
		logger:      opts.Logger,
		state:       Uninitialized,
	}
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// State returns the current handle state.
func (d *DB) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Init opens the handle eagerly. The result is the same one later calls see.
func (d *DB) Init(ctx context.Context) error {
	_, err := d.handle(ctx, "init")
	return err
}

func (d *DB) handle(ctx context.Context, op string) (*sql.DB, error) {
	for {
		d.mu.Lock()
		switch d.state {
		case Ready:
			db := d.db
			d.mu.Unlock()
			return db, nil
		case Unavailable:
			err := d.openErr
			d.mu.Unlock()
			return nil, &Error{Kind: KindUnavailable, Op: op, Err: err}
		case Opening:
			ch := d.opening
			d.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, &Error{Kind: KindTransaction, Op: op, Err: ctx.Err()}
			}
		default:
			ch := make(chan struct{})
			d.state = Opening
			d.opening = ch
			d.mu.Unlock()

			db, err := d.open()

			d.mu.Lock()
			if d.state != Opening {
				// Closed while opening.
				if db != nil {
					_ = db.Close()
				}
				close(ch)
				d.mu.Unlock()
				continue
			}
			if err != nil {
				d.state = Unavailable
				d.openErr = err
				metrics.DurableUnavailable.Set(1)
				d.logger.Warn("durable cache unavailable for this session", zap.String("path", d.path), zap.Error(err))
			} else {
				d.state = Ready
				d.db = db
			}
			close(ch)
			d.mu.Unlock()
		}
	}
}

func (d *DB) open() (*sql.DB, error) {
	if d.path == "" {
		return nil, fmt.Errorf("no database path")
	}
	db, err := Open(d.path)
	if err != nil {
		return nil, err
	}
	result, err := Migrate(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	d.logger.Info("durable cache ready",
		zap.String("path", d.path),
		zap.Uint("schema_version", result.Version),
		zap.Bool("migrated", result.Changed))
	return db, nil
}

// Close releases the handle. The DB is unavailable afterwards.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.db != nil {
		err = d.db.Close()
		d.db = nil
	}
	d.state = Unavailable
	d.openErr = fmt.Errorf("closed")
	return err
}
