package broker

import "fmt"

// Kind classifies a broker failure so transports can pick a status
// code without string matching.
type Kind int

const (
	KindAccessDenied Kind = iota
	KindNotFound
	KindInvalidInput
	KindInvalidState
	KindExpired
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindAccessDenied:
		return "access_denied"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindInvalidState:
		return "invalid_state"
	case KindExpired:
		return "expired"
	case KindConflict:
		return "conflict"
	}
	return "unknown"
}

// Error is the broker's typed failure. Every operation that refuses
// a request returns one of these; unexpected storage failures pass
// through as plain errors.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func accessDenied(msg string) *Error { return &Error{Kind: KindAccessDenied, Message: msg} }
func notFound(msg string) *Error     { return &Error{Kind: KindNotFound, Message: msg} }
func invalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}
func invalidState(msg string) *Error { return &Error{Kind: KindInvalidState, Message: msg} }
func expired(msg string) *Error      { return &Error{Kind: KindExpired, Message: msg} }
func conflict(msg string) *Error     { return &Error{Kind: KindConflict, Message: msg} }
