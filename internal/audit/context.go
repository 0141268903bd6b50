package audit

import "context"

type contextKey int

const (
	actorKey contextKey = iota
	requestMetadataKey
)

// RequestMetadata is the per-request information attached to entries when
// the Request does not carry it explicitly.
type RequestMetadata struct {
	IPAddress   string
	UserAgent   string
	RequestID   string
	APIEndpoint string
	Source      Source
}

// WithActor returns a context carrying the authenticated actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the actor stored by WithActor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok && actor.ID != ""
}

// WithRequestMetadata returns a context carrying request metadata.
func WithRequestMetadata(ctx context.Context, md RequestMetadata) context.Context {
	return context.WithValue(ctx, requestMetadataKey, md)
}

// RequestMetadataFromContext returns the metadata stored by WithRequestMetadata.
func RequestMetadataFromContext(ctx context.Context) RequestMetadata {
	md, _ := ctx.Value(requestMetadataKey).(RequestMetadata)
	return md
}
