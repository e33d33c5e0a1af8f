package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/liftsync/internal/telemetry"
	"github.com/yairfalse/liftsync/pkg/resource"
)

// Bucket names in bbolt
var (
	bucketEntities = []byte("entities")
	bucketMeta     = []byte("meta")
	keyRevision    = []byte("current_revision")
)

// BoltEmitter is a local catalog backed by bbolt, one nested bucket per
// kind. An in-memory btree indexes entity keys for ordered listing.
type BoltEmitter struct {
	mu sync.RWMutex

	// In-memory index for ordered lookups
	index *btree.BTreeG[indexEntry]

	db         *bbolt.DB
	currentRev int64
	logger     *telemetry.Logger
}

type indexEntry struct {
	Kind resource.Kind
	Key  string
	Rev  int64
}

func lessEntry(a, b indexEntry) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Key < b.Key
}

// storedEntity is the on-disk form of an entity.
type storedEntity struct {
	Entity    resource.Entity `json:"entity"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewBoltEmitter opens or creates the catalog database at path.
func NewBoltEmitter(path string, logger *telemetry.Logger) (*BoltEmitter, error) {
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntities, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	b := &BoltEmitter{
		index:  btree.NewG[indexEntry](32, lessEntry),
		db:     db,
		logger: logger,
	}
	if err := b.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// Upsert writes entities in one transaction and logs what changed since the
// previous delivery of each entity.
func (b *BoltEmitter) Upsert(ctx context.Context, kind resource.Kind, entities []resource.Entity) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rev := b.currentRev + 1
	now := time.Now().UTC()
	var diffs []*resource.EntityDiff
	var updated []indexEntry

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket(bucketEntities).CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return err
		}

		for _, e := range entities {
			key := []byte(resource.EntityKey(e))

			var prev *resource.Entity
			if data := bucket.Get(key); data != nil {
				var stored storedEntity
				if err := json.Unmarshal(data, &stored); err != nil {
					return fmt.Errorf("decode stored entity %s: %w", key, err)
				}
				prev = &stored.Entity
			}

			diff := resource.DiffEntity(prev, e)
			if diff == nil {
				continue
			}
			diffs = append(diffs, diff)

			data, err := json.Marshal(storedEntity{Entity: e, Revision: rev, UpdatedAt: now})
			if err != nil {
				return fmt.Errorf("encode entity %s: %w", key, err)
			}
			if err := bucket.Put(key, data); err != nil {
				return err
			}
			updated = append(updated, indexEntry{Kind: kind, Key: string(key), Rev: rev})
		}

		return tx.Bucket(bucketMeta).Put(keyRevision, []byte(strconv.FormatInt(rev, 10)))
	})
	if err != nil {
		return fmt.Errorf("upsert %s entities: %w", kind, err)
	}

	b.currentRev = rev
	for _, entry := range updated {
		b.index.ReplaceOrInsert(entry)
	}
	b.logDiffs(ctx, kind, len(entities), diffs)

	return nil
}

func (b *BoltEmitter) logDiffs(ctx context.Context, kind resource.Kind, total int, diffs []*resource.EntityDiff) {
	log := b.logger.WithContext(ctx)
	added := 0
	for _, d := range diffs {
		if d.Type == resource.DiffAdded {
			added++
			continue
		}
		ev := log.Debug().
			Str("kind", string(kind)).
			Str("identifier", d.Entity.Identifier)
		for field, c := range d.Changes {
			ev = ev.Str("change."+field, c.Previous+" -> "+c.Current)
		}
		ev.Msg("entity modified")
	}

	log.Info().
		Str("kind", string(kind)).
		Int("received", total).
		Int("added", added).
		Int("modified", len(diffs)-added).
		Int("unchanged", total-len(diffs)).
		Int64("revision", b.currentRev).
		Msg("catalog updated")
}

// Get returns the stored entity of kind with the given blueprint and identifier.
func (b *BoltEmitter) Get(kind resource.Kind, blueprint, identifier string) (*resource.Entity, error) {
	key := resource.EntityKey(resource.Entity{Blueprint: blueprint, Identifier: identifier})

	var out *resource.Entity
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntities).Bucket([]byte(kind))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		var stored storedEntity
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		out = &stored.Entity
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get %s entity: %w", kind, err)
	}
	return out, nil
}

// List returns every stored entity of kind ordered by key.
func (b *BoltEmitter) List(kind resource.Kind) ([]resource.Entity, error) {
	b.mu.RLock()
	var keys []string
	b.index.AscendGreaterOrEqual(indexEntry{Kind: kind}, func(e indexEntry) bool {
		if e.Kind != kind {
			return false
		}
		keys = append(keys, e.Key)
		return true
	})
	b.mu.RUnlock()

	entities := make([]resource.Entity, 0, len(keys))
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntities).Bucket([]byte(kind))
		if bucket == nil {
			return nil
		}
		for _, k := range keys {
			data := bucket.Get([]byte(k))
			if data == nil {
				continue
			}
			var stored storedEntity
			if err := json.Unmarshal(data, &stored); err != nil {
				return fmt.Errorf("decode stored entity %s: %w", k, err)
			}
			entities = append(entities, stored.Entity)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s entities: %w", kind, err)
	}
	return entities, nil
}

// Count returns the number of stored entities of kind.
func (b *BoltEmitter) Count(kind resource.Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	b.index.AscendGreaterOrEqual(indexEntry{Kind: kind}, func(e indexEntry) bool {
		if e.Kind != kind {
			return false
		}
		n++
		return true
	})
	return n
}

// Revision returns the number of upserts applied to the catalog.
func (b *BoltEmitter) Revision() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentRev
}

// Close closes the database.
func (b *BoltEmitter) Close() error {
	return b.db.Close()
}

// load restores the revision counter and rebuilds the index from disk.
func (b *BoltEmitter) load() error {
	return b.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyRevision); data != nil {
			rev, err := strconv.ParseInt(string(data), 10, 64)
			if err != nil {
				return fmt.Errorf("parse catalog revision: %w", err)
			}
			b.currentRev = rev
		}

		return tx.Bucket(bucketEntities).ForEachBucket(func(name []byte) error {
			kind := resource.Kind(name)
			return tx.Bucket(bucketEntities).Bucket(name).ForEach(func(k, v []byte) error {
				var stored storedEntity
				if err := json.Unmarshal(v, &stored); err != nil {
					return fmt.Errorf("decode stored entity %s: %w", k, err)
				}
				b.index.ReplaceOrInsert(indexEntry{Kind: kind, Key: string(k), Rev: stored.Revision})
				return nil
			})
		})
	})
}
