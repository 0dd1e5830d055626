package smtp

import (
	"errors"
	"fmt"
)

// Kind classifies why a send attempt failed.
type Kind string

const (
	KindConnectTimeout     Kind = "connect_timeout"
	KindTLSUpgradeFailed   Kind = "tls_upgrade_failed"
	KindAuthFailed         Kind = "auth_failed"
	KindRecipientRejected  Kind = "recipient_rejected"
	KindTransmissionFailed Kind = "transmission_failed"
	KindProtocolViolation  Kind = "protocol_violation"
)

// Sentinel errors matched with errors.Is against a *SendError.
var (
	ErrConnectTimeout     = errors.New("smtp connect failed")
	ErrTLSUpgradeFailed   = errors.New("smtp tls upgrade failed")
	ErrAuthFailed         = errors.New("smtp authentication failed")
	ErrRecipientRejected  = errors.New("smtp recipient rejected")
	ErrTransmissionFailed = errors.New("smtp transmission failed")
	ErrProtocolViolation  = errors.New("smtp protocol violation")

	// ErrInvalidProfile wraps configuration problems found before connecting.
	ErrInvalidProfile = errors.New("invalid smtp server profile")
)

var kindErrors = map[Kind]error{
	KindConnectTimeout:     ErrConnectTimeout,
	KindTLSUpgradeFailed:   ErrTLSUpgradeFailed,
	KindAuthFailed:         ErrAuthFailed,
	KindRecipientRejected:  ErrRecipientRejected,
	KindTransmissionFailed: ErrTransmissionFailed,
	KindProtocolViolation:  ErrProtocolViolation,
}

// SendError is returned by Client.Send for every protocol level failure.
type SendError struct {
	Kind    Kind
	Step    string // protocol step that failed, e.g. "RCPT TO"
	Code    int    // server reply code, 0 when no reply was read
	Message string // server reply text
	Err     error  // underlying I/O or TLS error, if any
}

func (e *SendError) Error() string {
	msg := fmt.Sprintf("%s: %s", kindErrors[e.Kind], e.Step)
	if e.Code != 0 {
		msg += fmt.Sprintf(": %d %s", e.Code, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *SendError) Unwrap() []error {
	errs := []error{kindErrors[e.Kind]}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the failure kind of err, or "" if err is not a *SendError.
func KindOf(err error) Kind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func newReplyError(kind Kind, step string, r Reply) *SendError {
	return &SendError{Kind: kind, Step: step, Code: r.Code, Message: r.Message()}
}

func newIOError(kind Kind, step string, err error) *SendError {
	return &SendError{Kind: kind, Step: step, Err: err}
}
