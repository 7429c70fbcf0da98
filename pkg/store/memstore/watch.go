package memstore

import (
	"context"
	"errors"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/jrjohn/harbor-go/pkg/store"
)

const streamBuffer = 128

// ErrStreamOverflow is reported when a change stream consumer falls too far
// behind and events had to be dropped.
var ErrStreamOverflow = errors.New("memstore: change stream buffer overflow")

type changeStream struct {
	db           *Database
	collection   string
	filters      []bson.M
	fullDocument string

	events chan bson.M
	done   chan struct{}

	mu      sync.Mutex
	current bson.M
	err     error
	once    sync.Once
}

var _ store.ChangeStream = (*changeStream)(nil)

func (cs *changeStream) Next(ctx context.Context) bool {
	select {
	case ev, ok := <-cs.events:
		if !ok {
			return false
		}
		cs.mu.Lock()
		cs.current = ev
		cs.mu.Unlock()
		return true
	case <-cs.done:
		// drain anything delivered before shutdown
		select {
		case ev := <-cs.events:
			cs.mu.Lock()
			cs.current = ev
			cs.mu.Unlock()
			return true
		default:
		}
		return false
	case <-ctx.Done():
		cs.mu.Lock()
		if cs.err == nil {
			cs.err = ctx.Err()
		}
		cs.mu.Unlock()
		return false
	}
}

func (cs *changeStream) Current() bson.M {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.current
}

func (cs *changeStream) Err() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.err
}

func (cs *changeStream) Close(_ context.Context) error {
	cs.db.removeWatcher(cs)
	cs.shutdown(nil)
	return nil
}

func (cs *changeStream) shutdown(err error) {
	cs.once.Do(func() {
		cs.mu.Lock()
		if cs.err == nil {
			cs.err = err
		}
		cs.mu.Unlock()
		close(cs.done)
	})
}

// deliver queues an event without blocking the writer. Callers hold db.mu.
func (cs *changeStream) deliver(ev bson.M) {
	for _, f := range cs.filters {
		matched, err := Match(ev, f)
		if err != nil || !matched {
			return
		}
	}
	select {
	case <-cs.done:
	case cs.events <- ev:
	default:
		cs.shutdown(ErrStreamOverflow)
	}
}

func (d *Database) addWatcher(cs *changeStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchers[cs.collection] = append(d.watchers[cs.collection], cs)
}

func (d *Database) removeWatcher(cs *changeStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.watchers[cs.collection]
	for i, s := range streams {
		if s == cs {
			d.watchers[cs.collection] = append(streams[:i], streams[i+1:]...)
			return
		}
	}
}

// emit publishes a change event for a collection. Callers hold d.mu.
func (d *Database) emit(collection, opType string, id any, full bson.M, updated bson.M) {
	streams := d.watchers[collection]
	if len(streams) == 0 {
		return
	}
	d.eventSeq++
	for _, cs := range streams {
		ev := bson.M{
			"_id":           bson.M{"_data": d.eventSeq},
			"operationType": opType,
			"ns":            bson.M{"db": d.name, "coll": collection},
			"documentKey":   bson.M{"_id": id},
		}
		switch opType {
		case "insert", "replace":
			ev["fullDocument"] = cloneDoc(full)
		case "update":
			ev["updateDescription"] = bson.M{"updatedFields": cloneDoc(updated)}
			if cs.fullDocument == "updateLookup" {
				ev["fullDocument"] = cloneDoc(full)
			}
		}
		cs.deliver(ev)
	}
}
