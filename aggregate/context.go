package aggregate

import "context"

type (
	metaKey          struct{}
	causationIDKey   struct{}
	correlationIDKey struct{}
)

// CtxWithMeta returns a context carrying metadata that is copied onto every event saved with it
func CtxWithMeta(ctx context.Context, meta map[string]string) context.Context {
	return context.WithValue(ctx, metaKey{}, meta)
}

// CtxWithCausationID returns a context carrying the id of the event that caused the command
func CtxWithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationIDKey{}, id)
}

// CtxWithCorrelationID returns a context carrying the correlation id of the flow
func CtxWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// MetaFromCtx returns the metadata set by CtxWithMeta
func MetaFromCtx(ctx context.Context) map[string]string {
	if meta, ok := ctx.Value(metaKey{}).(map[string]string); ok {
		return meta
	}

	return nil
}

// CausationIDFromCtx returns the causation id set by CtxWithCausationID
func CausationIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(causationIDKey{}).(string); ok {
		return id
	}

	return ""
}

// CorrelationIDFromCtx returns the correlation id set by CtxWithCorrelationID
func CorrelationIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}

	return ""
}
