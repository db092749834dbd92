package api

import (
	"context"
	"net/http"
)

type contextKey int

const ctxKeySubject contextKey = 0

// ContextWithSubject records the authenticated user on ctx.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, subject)
}

// Subject returns the authenticated user recorded on ctx, if any.
func Subject(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxKeySubject).(string)
	return s, ok
}

func subjectFrom(r *http.Request) string {
	if s, ok := Subject(r.Context()); ok {
		return s
	}
	return "anonymous"
}
