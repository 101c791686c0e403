package uplink

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

type LocalStoreConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
	// Retention expires stored samples; zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
}

const samplePrefix = "s/"

// LocalStore keeps delivered batches in an embedded badger database so a
// gateway without connectivity can be drained later with the export command.
type LocalStore struct {
	db        *badger.DB
	retention time.Duration
}

func OpenLocalStore(cfg LocalStoreConfig) (*LocalStore, error) {
	if cfg.Dir == "" && !cfg.InMemory {
		return nil, fmt.Errorf("local store: dir is required")
	}
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("local store: open %s: %w", cfg.Dir, err)
	}
	return &LocalStore{db: db, retention: cfg.Retention}, nil
}

func (l *LocalStore) Name() string { return "local" }

func (l *LocalStore) Deliver(ctx context.Context, batch domain.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return domain.Transient(l.Name(), err)
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, s := range batch.Samples {
		val, err := msgpack.Marshal(RecordOf(s))
		if err != nil {
			return domain.Rejected(l.Name(), fmt.Errorf("encode sample %s/%d: %w", s.Peripheral.ID, s.Seq, err))
		}
		e := badger.NewEntry(sampleKey(s), val)
		if l.retention > 0 {
			e = e.WithTTL(l.retention)
		}
		if err := wb.SetEntry(e); err != nil {
			return domain.Transient(l.Name(), fmt.Errorf("stage batch %s: %w", batch.ID, err))
		}
	}
	if err := wb.Flush(); err != nil {
		return domain.Transient(l.Name(), fmt.Errorf("flush batch %s: %w", batch.ID, err))
	}
	return nil
}

// Iterate visits stored samples in key order: by peripheral, then by
// timestamp and sequence. An empty peripheral visits everything.
func (l *LocalStore) Iterate(peripheral domain.PeripheralID, fn func(domain.Sample) error) error {
	prefix := []byte(samplePrefix)
	if peripheral != "" {
		prefix = []byte(samplePrefix + string(peripheral) + "/")
	}
	return l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec Record
			if err := msgpack.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if err := fn(rec.Sample()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *LocalStore) Close() error {
	return l.db.Close()
}

// sampleKey is unique per (peripheral, timestamp, seq), so a redelivered
// sample overwrites itself.
func sampleKey(s domain.Sample) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%010d", samplePrefix, s.Peripheral.ID, s.Timestamp.UnixMilli(), s.Seq))
}

var _ ports.Uplink = (*LocalStore)(nil)
