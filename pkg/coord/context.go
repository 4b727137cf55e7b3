package coord

import "context"

type clientKey struct{}

// WithContext returns a context carrying cli, letting components that share
// a request path reuse one store connection.
func WithContext(ctx context.Context, cli Client) context.Context {
	return context.WithValue(ctx, clientKey{}, cli)
}

// FromContext extracts the Client stored by WithContext.
func FromContext(ctx context.Context) (Client, bool) {
	cli, ok := ctx.Value(clientKey{}).(Client)
	return cli, ok
}
