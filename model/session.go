package model

import (
	"context"
	"errors"
	"fmt"
)

// Theme modes.
const (
	ThemeLight = "light"
	ThemeDark  = "dark"
)

// Theme is the console appearance. It is configured once at startup and
// carried on every Session instead of living in a global.
type Theme struct {
	Mode  string `json:"mode" yaml:"mode"`
	Brand string `json:"brand" yaml:"brand"`
}

// Session carries the identity of the console user for the lifetime of a
// request. It is immutable after construction and safe for concurrent reads.
type Session struct {
	UserID        string         `json:"userId"`
	Name          string         `json:"name"`
	Email         string         `json:"email,omitempty"`
	Roles         []string       `json:"roles"`
	Theme         Theme          `json:"theme"`
	Claims        map[string]any `json:"-"`
	CorrelationID string         `json:"-"`
	TraceID       string         `json:"-"`
}

// Validate checks that all mandatory fields are present.
func (s *Session) Validate() error {
	var errs []error
	if s.UserID == "" {
		errs = append(errs, fmt.Errorf("UserID is required"))
	}
	if s.Theme.Mode != "" && s.Theme.Mode != ThemeLight && s.Theme.Mode != ThemeDark {
		errs = append(errs, fmt.Errorf("theme mode %q is invalid", s.Theme.Mode))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the Session contains the given role.
func (s *Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type sessionKey struct{}

// WithSession attaches a Session to the given context.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom extracts the Session from the context, or returns nil if not
// present.
func SessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// MustSession extracts the Session from the context, panicking if it is not
// present. Only call it behind the session middleware.
func MustSession(ctx context.Context) *Session {
	s := SessionFrom(ctx)
	if s == nil {
		panic("model: Session not found in context")
	}
	return s
}
