package ics

import (
	"errors"
	"fmt"
	"time"
)

// ErrLineTooLong is wrapped by MalformedInputError when a logical line
// exceeds MaxLineBytes.
var ErrLineTooLong = errors.New("logical line too long")

// MalformedInputError reports a structural problem that makes the whole
// source unusable: no calendar boundary at all, a continuation line with
// nothing to continue, or an unreadable stream.
type MalformedInputError struct {
	Line   int
	Reason string
	Err    error
}

func (e *MalformedInputError) Error() string {
	msg := "ics: malformed input"
	if e.Line > 0 {
		msg += fmt.Sprintf(" at line %d", e.Line)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// EventFieldError reports a single VEVENT that was skipped because a
// required field could not be used.
type EventFieldError struct {
	UID   string
	Line  int
	Field string
	Value string
	Err   error
}

func (e *EventFieldError) Error() string {
	uid := e.UID
	if uid == "" {
		uid = "<no uid>"
	}
	msg := fmt.Sprintf("ics: event %s (line %d): field %s", uid, e.Line, e.Field)
	if e.Value != "" {
		msg += fmt.Sprintf(" value %q", e.Value)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EventFieldError) Unwrap() error { return e.Err }

// RRuleParseError reports a recurrence rule that could not be understood.
type RRuleParseError struct {
	UID  string
	Rule string
	Err  error
}

func (e *RRuleParseError) Error() string {
	msg := fmt.Sprintf("ics: rrule %q", e.Rule)
	if e.UID != "" {
		msg = fmt.Sprintf("ics: event %s: rrule %q", e.UID, e.Rule)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RRuleParseError) Unwrap() error { return e.Err }

// StreamingTimeoutError reports that a parse or an expansion stopped early
// because it ran out of iterations or wall-clock time. It travels in
// ParseResult.Partial and Result.Partial; Process never returns it as its
// error.
type StreamingTimeoutError struct {
	Iterations    int
	MaxIterations int
	Elapsed       time.Duration
	Timeout       time.Duration
	// UID names the master whose expansion hit the deadline. Empty for
	// parse budgets.
	UID string
}

// IterationLimit reports whether the iteration cap (rather than the clock)
// stopped the parse.
func (e *StreamingTimeoutError) IterationLimit() bool {
	return e.MaxIterations > 0 && e.Iterations > e.MaxIterations
}

func (e *StreamingTimeoutError) Error() string {
	if e.UID != "" {
		return fmt.Sprintf("ics: expansion of %q stopped after %s (limit %s)", e.UID, e.Elapsed.Round(time.Millisecond), e.Timeout)
	}
	if e.IterationLimit() {
		return fmt.Sprintf("ics: parse stopped after %d component iterations (limit %d)", e.Iterations, e.MaxIterations)
	}
	return fmt.Sprintf("ics: parse stopped after %s (limit %s)", e.Elapsed.Round(time.Millisecond), e.Timeout)
}
