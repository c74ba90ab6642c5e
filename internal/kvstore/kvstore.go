// Package kvstore implements the ordered key-value SubStore abstraction
// on top of go.etcd.io/bbolt: one bolt bucket per logical partition
// (spaces, files, media, permissions, …), with get/getMany/put/del/batch
// and a cancellable, reverse-capable iterator. Missing-key reads surface
// a distinct NotFound error; callers never see a panic or a raw bolt
// error for that case.
package kvstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cuemby/netstore/internal/errs"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

// Engine owns the on-disk bbolt database and hands out SubStores bound
// to named buckets, per the on-disk layout in spec §6.
type Engine struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt database at path.
func Open(path string) (*Engine, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "kvstore: open %s", path)
	}
	return &Engine{db: db}, nil
}

// Close closes the underlying database.
func (e *Engine) Close() error {
	if err := e.db.Close(); err != nil {
		return errs.Wrap(errs.Internal, err, "kvstore: close")
	}
	return nil
}

// SubStore returns the named partition, creating its backing bucket if
// it does not exist yet.
func (e *Engine) SubStore(name string) (*SubStore, error) {
	bucket := []byte(name)
	err := e.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "kvstore: create bucket %s", name)
	}
	return &SubStore{db: e.db, bucket: bucket, name: name}, nil
}

// SubStore is one named partition of the engine: a single bbolt bucket.
type SubStore struct {
	db     *bolt.DB
	bucket []byte
	name   string
}

// Name returns the sub-store's partition name.
func (s *SubStore) Name() string { return s.name }

func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.Cancelled, ctx.Err(), "kvstore: cancelled")
	default:
		return nil
	}
}

// Get reads key's value. Missing keys return an errs.NotFound error.
func (s *SubStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		v := b.Get([]byte(key))
		if v == nil {
			return errs.NotFoundf("kvstore: %s/%s not found", s.name, key)
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// GetMany reads keys in order, concurrently. The result preserves input
// order; a position is nil where the key does not exist. Internal errors
// (not NotFound) abort the whole call.
func (s *SubStore) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	values := make([][]byte, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			if err := checkCancelled(gctx); err != nil {
				return err
			}
			v, err := s.Get(ctx, key)
			if err != nil {
				if errs.Is(err, errs.NotFound) {
					return nil
				}
				return err
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

// Put writes key=value.
func (s *SubStore) Put(ctx context.Context, key string, value []byte) error {
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), value)
	})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "kvstore: put %s/%s", s.name, key)
	}
	return nil
}

// Del removes key. Deleting a missing key is not an error.
func (s *SubStore) Del(ctx context.Context, key string) error {
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "kvstore: del %s/%s", s.name, key)
	}
	return nil
}

// OpKind is the operation a Batch entry performs.
type OpKind int

const (
	OpPut OpKind = iota
	OpDel
)

// Op is one write within a Batch call.
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte
}

// Batch applies every op within a single bolt transaction, so a mutation
// spanning several keys in one sub-store is atomic with respect to
// concurrent readers of that sub-store.
func (s *SubStore) Batch(ctx context.Context, ops []Op) error {
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for _, op := range ops {
			switch op.Kind {
			case OpPut:
				if err := b.Put([]byte(op.Key), op.Value); err != nil {
					return err
				}
			case OpDel:
				if err := b.Delete([]byte(op.Key)); err != nil {
					return err
				}
			default:
				return fmt.Errorf("kvstore: unknown op kind %d", op.Kind)
			}
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "kvstore: batch on %s", s.name)
	}
	return nil
}

// IterOptions bounds and orders an Iterate call. GTE/LTE form an
// inclusive range; an empty bound means unbounded on that side. Reverse
// yields entries from LTE down to GTE (newest-first, when keys are
// time-prefixed per keycodec's ordering contract).
type IterOptions struct {
	GTE     string
	LTE     string
	Reverse bool
	Keys    bool
	Values  bool
}

// Entry is one key/value pair yielded by an Iterator.
type Entry struct {
	Key   string
	Value []byte
}

// Iterator walks a range of a SubStore. It must be closed (directly, or
// by draining Next to false) to release its underlying read
// transaction; an Iterator left open holds a bolt read-lock.
type Iterator struct {
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	opts    IterOptions
	ctx     context.Context
	current Entry
	err     error
	done    bool
	started bool
}

// Iterate opens a new cancellable iterator over the given range. Callers
// must call Close (directly or via draining Next) when done.
func (s *SubStore) Iterate(ctx context.Context, opts IterOptions) (*Iterator, error) {
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "kvstore: begin iterate on %s", s.name)
	}
	c := tx.Bucket(s.bucket).Cursor()
	return &Iterator{tx: tx, cursor: c, opts: opts, ctx: ctx}, nil
}

func (it *Iterator) withinUpper(key []byte) bool {
	if it.opts.LTE == "" {
		return true
	}
	return bytes.Compare(key, []byte(it.opts.LTE)) <= 0
}

func (it *Iterator) withinLower(key []byte) bool {
	if it.opts.GTE == "" {
		return true
	}
	return bytes.Compare(key, []byte(it.opts.GTE)) >= 0
}

// Next advances the iterator and reports whether a new entry is
// available. It returns false at end-of-range, on context cancellation,
// or on error; callers must check Err after a false return to tell the
// three apart.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if err := checkCancelled(it.ctx); err != nil {
		it.err = err
		it.done = true
		_ = it.Close()
		return false
	}

	var k, v []byte
	if !it.started {
		it.started = true
		if it.opts.Reverse {
			if it.opts.LTE != "" {
				k, v = it.cursor.Seek([]byte(it.opts.LTE))
				if k == nil || bytes.Compare(k, []byte(it.opts.LTE)) > 0 {
					k, v = it.cursor.Prev()
				}
			} else {
				k, v = it.cursor.Last()
			}
		} else {
			if it.opts.GTE != "" {
				k, v = it.cursor.Seek([]byte(it.opts.GTE))
			} else {
				k, v = it.cursor.First()
			}
		}
	} else {
		if it.opts.Reverse {
			k, v = it.cursor.Prev()
		} else {
			k, v = it.cursor.Next()
		}
	}

	for k != nil && (!it.withinLower(k) || !it.withinUpper(k)) {
		// Seeking can land just outside the bound (e.g. a reverse scan
		// with no exact LTE match); walk off the out-of-range edge once
		// rather than terminating immediately.
		if it.opts.Reverse && !it.withinUpper(k) {
			k, v = it.cursor.Prev()
			continue
		}
		if !it.opts.Reverse && !it.withinLower(k) {
			k, v = it.cursor.Next()
			continue
		}
		k = nil
	}

	if k == nil {
		it.done = true
		_ = it.Close()
		return false
	}

	entry := Entry{}
	if it.opts.Keys {
		entry.Key = string(k)
	}
	if it.opts.Values {
		entry.Value = append([]byte(nil), v...)
	}
	it.current = entry
	return true
}

// Entry returns the entry Next most recently advanced to.
func (it *Iterator) Entry() Entry { return it.current }

// Err reports the error (if any) that stopped iteration early. A nil Err
// after Next returns false means the range was exhausted normally.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator's read transaction. Safe to call more
// than once.
func (it *Iterator) Close() error {
	if it.tx == nil {
		return nil
	}
	err := it.tx.Rollback()
	it.tx = nil
	if err != nil {
		return errs.Wrap(errs.Internal, err, "kvstore: close iterator")
	}
	return nil
}

// Collect drains the iterator into a slice, closing it when done or on
// error. Intended for callers that don't need streaming (small lists,
// tests); production listing paths should page via Next instead.
func (it *Iterator) Collect() ([]Entry, error) {
	defer it.Close()
	var entries []Entry
	for it.Next() {
		entries = append(entries, it.Entry())
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return entries, nil
}
