package odm

import "context"

// Observer receives instrumentation callbacks for model operations.
type Observer interface {
	// ObserveOperation is called when an operation starts. The returned
	// context is used for the operation and the returned func is called once
	// with its outcome.
	ObserveOperation(ctx context.Context, collection, operation string) (context.Context, func(error))
	// ObserveCache reports a lean query cache lookup.
	ObserveCache(ctx context.Context, collection string, hit bool)
}

// NopObserver discards every callback.
type NopObserver struct{}

func (NopObserver) ObserveOperation(ctx context.Context, _, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (NopObserver) ObserveCache(context.Context, string, bool) {}
