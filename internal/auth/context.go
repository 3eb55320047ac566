// ABOUTME: Request context helpers carrying the authenticated token subject
// ABOUTME: Set by the HTTP middleware and read by handlers that log or audit

package auth

import "context"

type subjectKey struct{}

// WithSubject returns a context carrying the token subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the token subject, or "" for anonymous requests.
func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey{}).(string)
	return sub
}
