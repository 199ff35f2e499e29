package invoke

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEntry matches every entry-shape rejection via errors.Is.
var ErrInvalidEntry = errors.New("invoke: invalid entry")

// SignatureError explains why an entry cannot be dispatched.
type SignatureError struct {
	Name   string
	Reason string
}

func (e *SignatureError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("invoke: invalid entry: %s", e.Reason)
	}
	return fmt.Sprintf("invoke: invalid entry %s: %s", e.Name, e.Reason)
}

func (e *SignatureError) Unwrap() error {
	return ErrInvalidEntry
}

// HostError reports that the execution host could not produce a result.
// Status is one of the session.Status* strings.
type HostError struct {
	Host    string
	Status  string
	Message string
	Err     error
}

func (e *HostError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invoke: host %s: status %s", e.Host, e.Status)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// ExitCodeError is an outcome mismatch. Log holds whatever the entry wrote.
type ExitCodeError struct {
	Request  Request
	Expected int
	Actual   int
	Log      string
}

func (e *ExitCodeError) Error() string {
	msg := fmt.Sprintf("invoke: %s exited with %d, expected %d", e.Request.Name(), e.Actual, e.Expected)
	if strings.TrimSpace(e.Log) == "" {
		return msg + " (no output)"
	}
	return msg + "\n--- log ---\n" + strings.TrimRight(e.Log, "\n")
}
