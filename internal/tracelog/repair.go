package tracelog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aigoflow/grammar-tracer/internal/models"
)

// The inference server writes -inf for unbounded-negative logits. "null" has
// the same length, so byte offsets survive normalization.
var (
	sentinel    = []byte("-inf")
	sentinelFix = []byte("null")
)

// maxCutAttempts bounds how many earlier cut points are tried when the last
// one does not produce a valid document.
const maxCutAttempts = 8

// Repaired is the outcome of Repair: the bytes to decode plus what was done.
type Repaired struct {
	Data              []byte
	Changed           bool
	SentinelsReplaced int
	// Closers are the brackets appended to restore structural closure.
	Closers string
	// CutOffset is where incomplete trailing data was dropped, or -1.
	CutOffset    int64
	DroppedBytes int
	Warnings     []models.Warning
}

// Repair returns data unchanged when it already parses. Otherwise it replaces
// the -inf sentinel and, if the document is still incomplete at its tail,
// closes it after the last complete record. Events are never fabricated: only
// closing brackets are appended and only incomplete trailing bytes are dropped.
func Repair(data []byte) (Repaired, error) {
	out := Repaired{Data: data, CutOffset: -1}
	if json.Valid(data) {
		return out, nil
	}

	fixed, n := NormalizeSentinels(data)
	if n > 0 {
		out.Data = fixed
		out.Changed = true
		out.SentinelsReplaced = n
		out.Warnings = append(out.Warnings, models.Warning{
			Code:    models.WarnSentinelNormalized,
			Index:   models.NoEvent,
			Message: fmt.Sprintf("replaced %d -inf sentinel(s) with null", n),
		})
		if json.Valid(fixed) {
			return out, nil
		}
	}

	errOffset := firstFailure(out.Data)
	closed, cut, closers, err := closeTruncated(out.Data, errOffset)
	if err != nil {
		return out, &RepairError{Offset: errOffset, Err: err}
	}

	// A dangling separator is what a live writer leaves between records; it is
	// not data.
	tail := bytes.Trim(out.Data[cut:], " \t\r\n,")
	out.Changed = true
	out.Closers = closers
	if len(tail) > 0 {
		out.CutOffset = int64(cut)
		out.DroppedBytes = len(out.Data) - cut
		out.Warnings = append(out.Warnings, models.Warning{
			Code:    models.WarnLogTruncated,
			Index:   models.NoEvent,
			Offset:  int64(cut),
			Message: fmt.Sprintf("log truncated at byte offset %d; dropped %d incomplete byte(s), appended %q", cut, out.DroppedBytes, closers),
		})
	} else if closers != "" {
		out.Warnings = append(out.Warnings, models.Warning{
			Code:    models.WarnLogUnterminated,
			Index:   models.NoEvent,
			Offset:  int64(cut),
			Message: fmt.Sprintf("log unterminated at byte offset %d; appended %q", cut, closers),
		})
	}
	out.Data = closed
	return out, nil
}

// NormalizeSentinels replaces every -inf outside of JSON strings with null and
// returns the new buffer with the replacement count. data is not modified.
func NormalizeSentinels(data []byte) ([]byte, int) {
	if !bytes.Contains(data, sentinel) {
		return data, 0
	}
	out := make([]byte, len(data))
	copy(out, data)

	var inString, escaped bool
	count := 0
	for i := 0; i < len(out); i++ {
		c := out[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			continue
		}
		if c == '-' && bytes.HasPrefix(out[i:], sentinel) {
			copy(out[i:], sentinelFix)
			count++
			i += len(sentinel) - 1
		}
	}
	return out, count
}

// firstFailure returns the byte offset of the first syntax error in data.
func firstFailure(data []byte) int64 {
	var v any
	err := json.Unmarshal(data, &v)
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return syntaxErr.Offset
	}
	return int64(len(data))
}

type cutPoint struct {
	pos   int
	stack []byte
}

// closeTruncated finds the last point at which a record of the top-level
// array (or the array itself) was complete and closes every container still
// open there. A cut point beyond errOffset means the document is damaged in
// the middle rather than truncated, which is not repairable.
func closeTruncated(data []byte, errOffset int64) ([]byte, int, string, error) {
	var (
		stack    []byte
		cuts     []cutPoint
		inString bool
		escaped  bool
	)
	record := func(pos int) {
		snap := make([]byte, len(stack))
		copy(snap, stack)
		cuts = append(cuts, cutPoint{pos: pos, stack: snap})
	}

	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '{')
		case '[':
			stack = append(stack, '[')
			if len(stack) <= 2 {
				record(i + 1)
			}
		case '}', ']':
			if len(stack) == 0 {
				return nil, 0, "", fmt.Errorf("unbalanced %q at byte offset %d", c, i)
			}
			open := stack[len(stack)-1]
			if (c == '}' && open != '{') || (c == ']' && open != '[') {
				return nil, 0, "", fmt.Errorf("mismatched %q at byte offset %d", c, i)
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 || (len(stack) <= 2 && stack[len(stack)-1] == '[') {
				record(i + 1)
			}
		}
	}

	if len(cuts) == 0 {
		return nil, 0, "", errors.New("no complete record to keep")
	}
	if last := cuts[len(cuts)-1]; int64(last.pos) > errOffset {
		return nil, 0, "", fmt.Errorf("document damaged before its last complete record (first failure at byte offset %d)", errOffset)
	}

	attempts := 0
	for i := len(cuts) - 1; i >= 0 && attempts < maxCutAttempts; i-- {
		cp := cuts[i]
		if int64(cp.pos) > errOffset {
			continue
		}
		attempts++
		closers := closersFor(cp.stack)
		candidate := make([]byte, 0, cp.pos+len(closers))
		candidate = append(candidate, data[:cp.pos]...)
		candidate = append(candidate, closers...)
		if json.Valid(candidate) {
			return candidate, cp.pos, closers, nil
		}
	}
	return nil, 0, "", errors.New("no cut point yields a valid document")
}

func closersFor(stack []byte) string {
	buf := make([]byte, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			buf = append(buf, '}')
		} else {
			buf = append(buf, ']')
		}
	}
	return string(buf)
}
