package odm

import (
	"context"

	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
)

// HookEvent names a document or model lifecycle event.
type HookEvent string

const (
	HookSave       HookEvent = "save"
	HookValidate   HookEvent = "validate"
	HookRemove     HookEvent = "remove"
	HookUpdateOne  HookEvent = "updateOne"
	HookDeleteOne  HookEvent = "deleteOne"
	HookUpdateMany HookEvent = "updateMany"
	HookDeleteMany HookEvent = "deleteMany"
	HookInsertMany HookEvent = "insertMany"
)

// HookFunc runs before or after a lifecycle event. doc is the receiver for
// document events and nil for model-level updateOne, updateMany, deleteOne,
// deleteMany and insertMany.
type HookFunc func(ctx context.Context, doc *Document) error

// QueryHookFunc runs before or after a query executes. Pre hooks may still
// modify the query.
type QueryHookFunc func(ctx context.Context, q *Query) error

// Pre registers fn to run before event.
func (s *Schema) Pre(event HookEvent, fn HookFunc) *Schema {
	s.pre[event] = append(s.pre[event], fn)
	return s
}

// PreAll registers fn before each of events.
func (s *Schema) PreAll(events []HookEvent, fn HookFunc) *Schema {
	for _, e := range events {
		s.Pre(e, fn)
	}
	return s
}

// Post registers fn to run after event succeeds.
func (s *Schema) Post(event HookEvent, fn HookFunc) *Schema {
	s.post[event] = append(s.post[event], fn)
	return s
}

// PostAll registers fn after each of events.
func (s *Schema) PostAll(events []HookEvent, fn HookFunc) *Schema {
	for _, e := range events {
		s.Post(e, fn)
	}
	return s
}

var allQueryOps = []QueryOp{OpFind, OpFindOne, OpFindOneAndUpdate, OpFindOneAndDelete}

// PreQuery registers fn before the given query operations, or before all
// of them when ops is empty.
func (s *Schema) PreQuery(fn QueryHookFunc, ops ...QueryOp) *Schema {
	if len(ops) == 0 {
		ops = allQueryOps
	}
	for _, op := range ops {
		s.preQuery[op] = append(s.preQuery[op], fn)
	}
	return s
}

// PostQuery registers fn after the given query operations, or after all
// of them when ops is empty.
func (s *Schema) PostQuery(fn QueryHookFunc, ops ...QueryOp) *Schema {
	if len(ops) == 0 {
		ops = allQueryOps
	}
	for _, op := range ops {
		s.postQuery[op] = append(s.postQuery[op], fn)
	}
	return s
}

// runHooks runs hooks sequentially in registration order and stops at the
// first failure.
func runHooks(ctx context.Context, event string, hooks []HookFunc, doc *Document) error {
	for _, hook := range hooks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := hook(ctx, doc); err != nil {
			return apperrors.HookAborted(event, err)
		}
	}
	return nil
}

func runQueryHooks(ctx context.Context, op QueryOp, hooks []QueryHookFunc, q *Query) error {
	for _, hook := range hooks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := hook(ctx, q); err != nil {
			return apperrors.HookAborted(string(op), err)
		}
	}
	return nil
}

func (s *Schema) runPre(ctx context.Context, event HookEvent, doc *Document) error {
	return runHooks(ctx, "pre "+string(event), s.pre[event], doc)
}

func (s *Schema) runPost(ctx context.Context, event HookEvent, doc *Document) error {
	return runHooks(ctx, "post "+string(event), s.post[event], doc)
}
