// Package correlation carries the id of the distributed transaction that
// caused a storage call, so backend logs and spans can be tied to it.
package correlation

import (
	"context"
	"strings"
)

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx tagged with id. Invalid ids leave ctx untouched.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ID(ctx) == normalized {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize validates and canonicalizes an identifier: printable ASCII,
// surrounding space and XA quotes removed.
func Normalize(id string) (string, bool) {
	id = strings.Trim(strings.TrimSpace(id), "'")
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}
