// Package contextkeys holds the request context keys set by the auth middleware.
package contextkeys

type contextKey string

const (
	// UserID is the authenticated caller, the token subject.
	UserID contextKey = "userID"
	// UserRole gates the admin routes.
	UserRole contextKey = "userRole"
)
