package memstore

import (
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/jrjohn/harbor-go/internal/bsonutil"
)

// project applies an inclusion or exclusion projection. Mixing the two is
// rejected except for _id, as MongoDB does.
func project(doc bson.M, projection bson.D) (bson.M, error) {
	if len(projection) == 0 {
		return doc, nil
	}

	inclusion := false
	includeID := true
	for _, e := range projection {
		if e.Key == "_id" {
			includeID = truthy(e.Value)
			continue
		}
		if truthy(e.Value) {
			inclusion = true
		}
	}
	for _, e := range projection {
		if e.Key != "_id" && truthy(e.Value) != inclusion {
			return nil, fmt.Errorf("memstore: cannot mix inclusion and exclusion in projection (field %s)", e.Key)
		}
	}

	if !inclusion {
		out := cloneDoc(doc)
		for _, e := range projection {
			if e.Key == "_id" && includeID {
				continue
			}
			bsonutil.Unset(out, e.Key)
		}
		return out, nil
	}

	out := bson.M{}
	if includeID {
		if id, ok := doc["_id"]; ok {
			out["_id"] = id
		}
	}
	for _, e := range projection {
		if e.Key == "_id" {
			continue
		}
		if v, ok := bsonutil.Lookup(doc, e.Key); ok {
			bsonutil.Set(out, e.Key, bsonutil.Clone(v))
		}
	}
	return out, nil
}

// sortDocs orders docs by a sort specification. Missing fields sort as null.
func sortDocs(docs []bson.M, spec bson.D) {
	if len(spec) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return lessBySpec(docs[i], docs[j], spec)
	})
}

func lessBySpec(x, y bson.M, spec bson.D) bool {
	for _, e := range spec {
		a, _ := bsonutil.Lookup(x, e.Key)
		b, _ := bsonutil.Lookup(y, e.Key)
		c := bsonutil.Compare(a, b)
		if c == 0 {
			continue
		}
		if direction(e.Value) < 0 {
			return c > 0
		}
		return c < 0
	}
	return false
}

func direction(v any) int {
	switch d := v.(type) {
	case string:
		if d == "desc" || d == "descending" || d == "-1" {
			return -1
		}
		return 1
	}
	if f, ok := bsonutil.ToFloat(v); ok && f < 0 {
		return -1
	}
	return 1
}

// toD converts a sort or projection given as a map into an ordered document.
// Map keys are sorted since their order is undefined.
func toD(v any) bson.D {
	switch m := v.(type) {
	case bson.D:
		return m
	case nil:
		return nil
	}
	mm, ok := bsonutil.AsMap(v)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(mm))
	for k := range mm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(bson.D, 0, len(keys))
	for _, k := range keys {
		out = append(out, bson.E{Key: k, Value: mm[k]})
	}
	return out
}
