package store

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"portalchat/pkg/logger"
)

// Options controls how the backing Pebble instance is opened.
type Options struct {
	DisableWAL bool
	SyncWrites bool
	CacheSize  int64
}

// DB is a hierarchical JSON tree persisted in Pebble.
type DB struct {
	pdb   *pebble.DB
	path  string
	opts  Options
	cache *pebble.Cache

	writes uint64
	closed atomic.Bool
}

// opens/creates pebble DB at path
func Open(path string, opts Options) (*DB, error) {
	popts := &pebble.Options{
		DisableWAL: opts.DisableWAL,
	}
	var cache *pebble.Cache
	if opts.CacheSize > 0 {
		cache = pebble.NewCache(opts.CacheSize)
		popts.Cache = cache
	}
	if opts.DisableWAL {
		logger.Warn("durability_disabled", "durability", "pebble WAL disabled")
	}

	pdb, err := pebble.Open(path, popts)
	if cache != nil {
		// pebble holds its own reference
		cache.Unref()
	}
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &DB{pdb: pdb, path: path, opts: opts}, nil
}

// closes opened pebble DB
func (d *DB) Close() error {
	if d == nil || d.closed.Swap(true) {
		return nil
	}
	if err := d.pdb.Close(); err != nil {
		return err
	}
	return nil
}

// Ready reports whether the store accepts operations.
func (d *DB) Ready() bool {
	return d != nil && !d.closed.Load()
}

func (d *DB) Path() string { return d.path }

// Writes returns the number of batches applied since open.
func (d *DB) Writes() uint64 { return atomic.LoadUint64(&d.writes) }

// Metrics exposes the pebble metrics snapshot for admin stats.
func (d *DB) Metrics() *pebble.Metrics {
	if !d.Ready() {
		return nil
	}
	return d.pdb.Metrics()
}

// applies batch; sync forces fsync if true, else async write
func (d *DB) applyBatch(batch *pebble.Batch) error {
	if !d.Ready() {
		return ErrNotOpen
	}
	if err := d.pdb.Apply(batch, writeOpt(d.opts.SyncWrites)); err != nil {
		logger.Error("pebble_apply_batch_failed", "error", err)
		return err
	}
	atomic.AddUint64(&d.writes, 1)
	return nil
}

func (d *DB) getRaw(key []byte) ([]byte, bool, error) {
	v, closer, err := d.pdb.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, true, nil
}

func writeOpt(sync bool) *pebble.WriteOptions {
	if sync {
		return pebble.Sync
	}
	return pebble.NoSync
}
