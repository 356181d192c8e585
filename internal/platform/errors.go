package platform

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed platform call.
type Kind int

const (
	// KindPlatform covers transport failures, unexpected statuses, malformed
	// bodies and application-level error flags.
	KindPlatform Kind = iota
	// KindNotAuthorized is a 401 from the platform. It points at credentials
	// or configuration, never at the acting user.
	KindNotAuthorized
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindNotAuthorized:
		return "not_authorized"
	case KindNotFound:
		return "not_found"
	default:
		return "platform_error"
	}
}

var (
	ErrPlatform      = errors.New("platform error")
	ErrNotAuthorized = errors.New("platform not authorized")
	ErrNotFound      = errors.New("platform resource not found")
)

// Error is returned by every failed Client call.
type Error struct {
	Kind       Kind
	Endpoint   string
	StatusCode int
	Content    string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("platform ")
	b.WriteString(e.Kind.String())
	if e.Endpoint != "" {
		fmt.Fprintf(&b, " endpoint=%s", e.Endpoint)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " message=%s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrPlatform:
		return e.Kind == KindPlatform
	case ErrNotAuthorized:
		return e.Kind == KindNotAuthorized
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// Detail is the diagnostic payload recorded against a failed task.
func (e *Error) Detail() map[string]any {
	detail := map[string]any{
		"kind": e.Kind.String(),
	}
	if e.Endpoint != "" {
		detail["endpoint"] = e.Endpoint
	}
	if e.StatusCode != 0 {
		detail["status"] = e.StatusCode
	}
	if e.Content != "" {
		detail["content"] = e.Content
	}
	if e.Message != "" {
		detail["message"] = e.Message
	}
	if e.Err != nil {
		detail["cause"] = e.Err.Error()
	}
	return detail
}

// IsNotFound reports whether err is a platform 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
