package inbox

import "context"

type viewerContextKey struct{}

// WithViewer stores the request's viewer identity in the context.
func WithViewer(ctx context.Context, v Viewer) context.Context {
	return context.WithValue(ctx, viewerContextKey{}, v)
}

// ViewerFromContext returns the viewer identity, defaulting to anonymous.
func ViewerFromContext(ctx context.Context) Viewer {
	if v, ok := ctx.Value(viewerContextKey{}).(Viewer); ok {
		return v
	}
	return ViewerAnonymous
}
