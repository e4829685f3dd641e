// Package middleware provides Gateway decorators applied to records on their way to storage.
package middleware

import "github.com/aretw0/draftkeeper/pkg/ports"

// Middleware wraps a Gateway to add behavior.
type Middleware func(ports.Gateway) ports.Gateway

// Chain applies mws so that the first one is the outermost.
func Chain(gw ports.Gateway, mws ...Middleware) ports.Gateway {
	for i := len(mws) - 1; i >= 0; i-- {
		gw = mws[i](gw)
	}
	return gw
}
