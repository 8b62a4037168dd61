package channel

import (
	"errors"
	"fmt"
)

// Kind classifies adapter failures.
type Kind string

const (
	KindConfig            Kind = "config"
	KindTransport         Kind = "transport"
	KindProtocol          Kind = "protocol"
	KindParse             Kind = "parse"
	KindResourceExhausted Kind = "resource_exhausted"
)

// Error represents a stable, categorized channel failure.
type Error struct {
	Kind Kind
	Op   string
	// Code is the application-level response code for protocol failures.
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	text := string(e.Kind)
	if e.Op != "" {
		text = e.Op + ": " + text
	}
	if e.Kind == KindProtocol {
		text += fmt.Sprintf(" code=%d", e.Code)
	}
	if e.Msg != "" {
		text += ": " + e.Msg
	}
	if e.Err != nil {
		text += ": " + e.Err.Error()
	}
	return text
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrNoCredentials is wrapped by every KindConfig error caused by missing credentials.
var ErrNoCredentials = errors.New("channel has no credentials")

func ConfigError(op string) error {
	return &Error{Kind: KindConfig, Op: op, Err: ErrNoCredentials}
}

func TransportError(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func ProtocolError(op string, code int, msg string) error {
	return &Error{Kind: KindProtocol, Op: op, Code: code, Msg: msg}
}

func ParseError(op string, err error) error {
	return &Error{Kind: KindParse, Op: op, Err: err}
}

// KindOf returns the category of err, or "" when err is nil or uncategorized.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Kind
	}
	return ""
}

// IsKind reports whether err is a channel error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
