package ics

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	ical "github.com/arran4/golang-ical"
)

// MaxLineBytes bounds a single logical (unfolded) line.
const MaxLineBytes = 4 << 20

const readBufferSize = 64 << 10

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Line is one logical content line with folding removed. Num is the
// physical line number the logical line started on.
type Line struct {
	Num  int
	Text string
}

// LineReader unfolds RFC 5545 content lines from a byte stream. It holds
// one buffered read window plus the logical line under construction, never
// the whole input.
//
// A LineReader is not safe for concurrent use.
type LineReader struct {
	br  *bufio.Reader
	num int

	held    []byte
	heldNum int

	err error
}

// NewLineReader returns a LineReader over r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{br: bufio.NewReaderSize(r, readBufferSize)}
}

// Next returns the next logical line, or io.EOF once the input is
// exhausted. Blank physical lines are skipped. After an error every further
// call returns the same error.
func (lr *LineReader) Next() (Line, error) {
	if lr.err != nil {
		return Line{}, lr.err
	}

	var cur []byte
	start := 0
	have := false
	if lr.held != nil {
		cur, start, have = lr.held, lr.heldNum, true
		lr.held = nil
	}

	for {
		raw, num, err := lr.readPhysical()
		if errors.Is(err, io.EOF) {
			lr.err = io.EOF
			if have {
				return Line{Num: start, Text: string(cur)}, nil
			}
			return Line{}, io.EOF
		}
		if err != nil {
			lr.err = err
			return Line{}, err
		}
		if len(raw) == 0 {
			continue
		}

		if raw[0] == ' ' || raw[0] == '\t' {
			if !have {
				lr.err = &MalformedInputError{Line: num, Reason: "continuation line without a preceding line"}
				return Line{}, lr.err
			}
			if len(cur)+len(raw)-1 > MaxLineBytes {
				lr.err = &MalformedInputError{Line: start, Err: ErrLineTooLong}
				return Line{}, lr.err
			}
			cur = append(cur, raw[1:]...)
			continue
		}

		if have {
			lr.held = raw
			lr.heldNum = num
			return Line{Num: start, Text: string(cur)}, nil
		}
		cur, start, have = raw, num, true
	}
}

// readPhysical returns one physical line without its line terminator. The
// returned slice is owned by the caller.
func (lr *LineReader) readPhysical() ([]byte, int, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := lr.br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && buf != nil {
				break
			}
			if errors.Is(err, io.EOF) {
				return nil, lr.num, io.EOF
			}
			return nil, lr.num, &MalformedInputError{Line: lr.num + 1, Reason: "read failed", Err: err}
		}
		buf = append(buf, chunk...)
		if len(buf) > MaxLineBytes {
			return nil, lr.num + 1, &MalformedInputError{Line: lr.num + 1, Err: ErrLineTooLong}
		}
		if !isPrefix {
			break
		}
	}
	lr.num++
	if lr.num == 1 {
		buf = bytes.TrimPrefix(buf, utf8BOM)
	}
	// Stray CR from mixed line endings.
	buf = bytes.TrimRight(buf, "\r")
	if buf == nil {
		buf = []byte{}
	}
	return buf, lr.num, nil
}

// RawProperty is a logical line split into name, parameters and value.
// Names and parameter keys are upper-cased; only the first value of a
// multi-valued parameter is kept.
type RawProperty struct {
	Line   int
	Name   string
	Value  string
	Params map[string]string
}

// Param returns the named parameter, or "".
func (p RawProperty) Param(name string) string {
	return p.Params[name]
}

// SplitProperty parses a logical line into a RawProperty. It reports false
// for lines that are not valid content lines; callers ignore those.
func SplitProperty(l Line) (RawProperty, bool) {
	bp, err := ical.ParseProperty(ical.ContentLine(l.Text))
	if err != nil || bp == nil {
		return RawProperty{}, false
	}
	p := RawProperty{
		Line:  l.Num,
		Name:  strings.ToUpper(bp.IANAToken),
		Value: bp.Value,
	}
	if len(bp.ICalParameters) > 0 {
		p.Params = make(map[string]string, len(bp.ICalParameters))
		for k, vs := range bp.ICalParameters {
			if len(vs) == 0 {
				continue
			}
			p.Params[strings.ToUpper(k)] = vs[0]
		}
	}
	return p, true
}
