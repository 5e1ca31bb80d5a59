package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerOptions configures the Badger store.
type BadgerOptions struct {
	// Dir is the data directory. Required unless InMemory is set.
	Dir string

	// InMemory runs badger without disk persistence.
	InMemory bool

	// Logger receives badger's own log lines at debug level.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// Badger is a Store backed by BadgerDB. Keys are
// "history:<session>:<timestamp>", with the timestamp zero-padded so that
// key order is chronological.
type Badger struct {
	db *badger.DB
}

// NewBadger opens a Badger store.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("history: BadgerOptions.Dir is required for on-disk mode")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{logger})
	if opts.InMemory {
		dbOpts = dbOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("history: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func sessionPrefix(session string) []byte {
	return []byte("history:" + session + ":")
}

func turnKey(session string, ts int64) []byte {
	return fmt.Appendf(sessionPrefix(session), "%020d", ts)
}

func (b *Badger) Append(_ context.Context, session string, t Turn) error {
	stamp(&t)
	val, err := encode(t)
	if err != nil {
		return err
	}
	update := func(txn *badger.Txn) error {
		// Two appends in the same nanosecond must not overwrite each other.
		ts := t.Timestamp
		for {
			_, err := txn.Get(turnKey(session, ts))
			if errors.Is(err, badger.ErrKeyNotFound) {
				break
			}
			if err != nil {
				return err
			}
			ts++
		}
		return txn.Set(turnKey(session, ts), val)
	}
	for {
		err = b.db.Update(update)
		if !errors.Is(err, badger.ErrConflict) {
			return wrapClosed(err)
		}
	}
}

func (b *Badger) Recent(_ context.Context, session string, n int) ([]Turn, error) {
	n = limit(n)
	prefix := sessionPrefix(session)
	var turns []Turn
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the last key at or before the seek key.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(turns) < n; it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			t, err := decode(val)
			if err != nil {
				return err
			}
			turns = append(turns, t)
		}
		return nil
	})
	if err != nil {
		return nil, wrapClosed(err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (b *Badger) Discard(_ context.Context, session string) error {
	if b.db.IsClosed() {
		return ErrClosed
	}
	return wrapClosed(b.db.DropPrefix(sessionPrefix(session)))
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func wrapClosed(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

// badgerLogger routes badger's printf-style logging into slog. Badger is
// chatty at info level, so everything below warning goes to debug.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, args ...any)   { b.l.Error(fmt.Sprintf(f, args...), "component", "badger") }
func (b badgerLogger) Warningf(f string, args ...any) { b.l.Warn(fmt.Sprintf(f, args...), "component", "badger") }
func (b badgerLogger) Infof(f string, args ...any)    { b.l.Debug(fmt.Sprintf(f, args...), "component", "badger") }
func (b badgerLogger) Debugf(f string, args ...any)   { b.l.Debug(fmt.Sprintf(f, args...), "component", "badger") }

var _ Store = (*Badger)(nil)
