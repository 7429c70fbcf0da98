package memstore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/jrjohn/harbor-go/internal/bsonutil"
	"github.com/jrjohn/harbor-go/pkg/store"
)

const idIndexName = "_id_"

var idIndex = store.IndexModel{Keys: bson.D{{Key: "_id", Value: 1}}, Name: idIndexName, Unique: true}

func indexKey(doc bson.M, idx store.IndexModel) (bson.A, bool) {
	key := make(bson.A, len(idx.Keys))
	present := false
	for i, k := range idx.Keys {
		v, ok := bsonutil.Lookup(doc, k.Key)
		if ok {
			present = true
		}
		key[i] = v
	}
	return key, present
}

func covered(doc bson.M, idx store.IndexModel) (bool, error) {
	if len(idx.PartialFilter) == 0 {
		return true, nil
	}
	return Match(doc, idx.PartialFilter)
}

// checkUnique verifies doc against every unique index, ignoring the document
// stored at position self.
func checkUnique(data *collectionData, doc bson.M, self int) error {
	indexes := append([]store.IndexModel{idIndex}, data.indexes...)
	for _, idx := range indexes {
		if !idx.Unique {
			continue
		}
		key, present := indexKey(doc, idx)
		if idx.Sparse && !present {
			continue
		}
		if ok, err := covered(doc, idx); err != nil || !ok {
			if err != nil {
				return err
			}
			continue
		}
		for i, other := range data.docs {
			if i == self {
				continue
			}
			otherKey, otherPresent := indexKey(other, idx)
			if idx.Sparse && !otherPresent {
				continue
			}
			if ok, _ := covered(other, idx); !ok {
				continue
			}
			if bsonutil.Equal(key, otherKey) {
				return fmt.Errorf("%w: index %s dup key %v", store.ErrDuplicateKey, idx.IndexName(), key)
			}
		}
	}
	return nil
}

func (c *Collection) CreateIndexes(ctx context.Context, models []store.IndexModel) ([]string, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	names := make([]string, 0, len(models))
	for _, m := range models {
		if len(m.Keys) == 0 {
			return names, fmt.Errorf("memstore: index requires at least one key")
		}
		name := m.IndexName()
		m.Name = name
		if existing := findIndex(data, name); existing >= 0 {
			if !bsonutil.Equal(data.indexes[existing].Keys, m.Keys) || data.indexes[existing].Unique != m.Unique {
				return names, fmt.Errorf("memstore: an index named %s already exists with different options", name)
			}
			names = append(names, name)
			continue
		}
		if m.Unique {
			probe := &collectionData{indexes: []store.IndexModel{m}}
			for _, doc := range data.docs {
				if err := checkUnique(probe, doc, -1); err != nil {
					return names, fmt.Errorf("memstore: cannot build unique index %s: %w", name, err)
				}
				probe.docs = append(probe.docs, doc)
			}
		}
		data.indexes = append(data.indexes, m)
		data.created = true
		names = append(names, name)
	}
	return names, nil
}

func findIndex(data *collectionData, name string) int {
	for i, idx := range data.indexes {
		if idx.Name == name {
			return i
		}
	}
	return -1
}

func (c *Collection) ListIndexes(ctx context.Context) ([]bson.M, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := []bson.M{{"v": int32(2), "key": bson.D{{Key: "_id", Value: int32(1)}}, "name": idIndexName}}
	for _, idx := range data.indexes {
		spec := bson.M{"v": int32(2), "key": idx.Keys, "name": idx.Name}
		if idx.Unique {
			spec["unique"] = true
		}
		if idx.Sparse {
			spec["sparse"] = true
		}
		if idx.ExpireAfterSeconds != nil {
			spec["expireAfterSeconds"] = *idx.ExpireAfterSeconds
		}
		if len(idx.PartialFilter) > 0 {
			spec["partialFilterExpression"] = idx.PartialFilter
		}
		out = append(out, spec)
	}
	return out, nil
}

func (c *Collection) DropIndex(ctx context.Context, name string) error {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if name == idIndexName {
		return fmt.Errorf("memstore: cannot drop _id index")
	}
	i := findIndex(data, name)
	if i < 0 {
		return fmt.Errorf("memstore: index not found with name [%s]", name)
	}
	data.indexes = append(data.indexes[:i], data.indexes[i+1:]...)
	return nil
}
