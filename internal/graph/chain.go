package graph

import "context"

type ctxKeyChain struct{}

// chain is the list of uris whose compilation is in progress on the current
// call path, innermost first.
type chain struct {
	uri  string
	next *chain
}

func withChain(ctx context.Context, uri string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	prev, _ := ctx.Value(ctxKeyChain{}).(*chain)
	return context.WithValue(ctx, ctxKeyChain{}, &chain{uri: uri, next: prev})
}

func onChain(ctx context.Context, uri string) bool {
	if ctx == nil {
		return false
	}
	c, _ := ctx.Value(ctxKeyChain{}).(*chain)
	for ; c != nil; c = c.next {
		if c.uri == uri {
			return true
		}
	}
	return false
}
