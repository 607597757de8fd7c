package tracelog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aigoflow/grammar-tracer/internal/models"
)

// headerLimit bounds how much of the file is scanned for version and
// timestamp when only a range of it is parsed.
const headerLimit = 64 << 10

// ErrMisaligned reports a byte range that does not start at a record
// boundary of the events array.
var ErrMisaligned = errors.New("range does not start at a record boundary")

// ReadRange parses only the bytes [from, to) of the log at path, the records
// appended since offset from. Event offsets remain file offsets. A range
// starting at 0 is parsed as a whole document. Bytes before from are only
// scanned for the header fields, so damage there does not affect the range.
func ReadRange(path string, from, to int64) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.NewSectionReader(f, from, to-from))
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", path, err)
	}

	var log *Log
	if from == 0 {
		log, err = Parse(data)
	} else {
		log, err = ParseRange(data, from)
	}
	if err != nil {
		var repairErr *RepairError
		if errors.As(err, &repairErr) {
			repairErr.Path = path
		}
		return nil, err
	}
	log.Path = path
	if from > 0 {
		log.Version, log.Timestamp = readHeader(io.NewSectionReader(f, 0, min(from, headerLimit)))
	}
	return log, nil
}

// ParseRange decodes a run of events-array records that starts at file offset
// base: an optional leading separator, complete records, and possibly one
// incomplete record or the document's closing brackets at the end. An
// incomplete last record is dropped with a log_truncated warning.
func ParseRange(data []byte, base int64) (*Log, error) {
	log := &Log{
		Size:   base + int64(len(data)),
		Repair: Repaired{Data: data, CutOffset: -1},
	}

	norm, n := NormalizeSentinels(data)
	if n > 0 {
		log.Repair.Data = norm
		log.Repair.Changed = true
		log.Repair.SentinelsReplaced = n
		log.Warnings = append(log.Warnings, models.Warning{
			Code:    models.WarnSentinelNormalized,
			Index:   models.NoEvent,
			Offset:  base,
			Message: fmt.Sprintf("replaced %d -inf sentinel(s) with null", n),
		})
	}

	index := 0
	pos := skipSeparators(norm, 0)
	for pos < len(norm) {
		switch norm[pos] {
		case '{':
		case ']':
			if !closesDocument(norm[pos:]) {
				return nil, ErrMisaligned
			}
			log.Format = models.DetectFormat(log.Events)
			return log, nil
		default:
			if index == 0 {
				return nil, ErrMisaligned
			}
			return nil, &RepairError{Offset: base + int64(pos), Err: fmt.Errorf("unexpected %q between records", norm[pos])}
		}

		dec := json.NewDecoder(bytes.NewReader(norm[pos:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if !incompleteTail(norm[pos:], err) {
				var syntaxErr *json.SyntaxError
				offset := base + int64(pos)
				if errors.As(err, &syntaxErr) {
					offset += syntaxErr.Offset
				}
				return nil, &RepairError{Offset: offset, Err: err}
			}
			cut := base + int64(pos)
			log.Repair.Changed = true
			log.Repair.CutOffset = cut
			log.Repair.DroppedBytes = len(norm) - pos
			log.Warnings = append(log.Warnings, models.Warning{
				Code:    models.WarnLogTruncated,
				Index:   models.NoEvent,
				Offset:  cut,
				Message: fmt.Sprintf("log truncated at byte offset %d; dropped %d incomplete byte(s)", cut, log.Repair.DroppedBytes),
			})
			break
		}

		event, warn := adaptEvent(raw, index, base+int64(pos))
		if warn != nil {
			log.Warnings = append(log.Warnings, *warn)
		} else {
			log.Events = append(log.Events, event)
		}
		index++
		pos = skipSeparators(norm, pos+int(dec.InputOffset()))
	}

	log.Format = models.DetectFormat(log.Events)
	return log, nil
}

func skipSeparators(data []byte, pos int) int {
	for pos < len(data) {
		switch data[pos] {
		case ' ', '\t', '\r', '\n', ',':
			pos++
		default:
			return pos
		}
	}
	return pos
}

// closesDocument reports whether data is "]" optionally followed by the "}"
// of the root object.
func closesDocument(data []byte) bool {
	rest := bytes.TrimSpace(data[1:])
	return len(rest) == 0 || (len(rest) == 1 && rest[0] == '}')
}

// incompleteTail reports whether a decode failure is the writer's last,
// unfinished record rather than damage.
func incompleteTail(rest []byte, err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return false
	}
	// A sentinel cut short reads as a bad number at the very end.
	trimmed := bytes.TrimRight(rest, " \t\r\n")
	if syntaxErr.Offset < int64(len(trimmed))-1 {
		return false
	}
	return bytes.HasSuffix(trimmed, sentinel[:2]) || bytes.HasSuffix(trimmed, sentinel[:3])
}

// readHeader returns the version and timestamp fields that precede the
// events array. Anything it cannot decode yields empty values.
func readHeader(r io.Reader) (version, timestamp string) {
	dec := json.NewDecoder(r)
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return "", ""
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return version, timestamp
		}
		switch key, _ := tok.(string); key {
		case "events", "steps":
			return version, timestamp
		case "trace_version", "log_version", "version":
			version = scalarString(dec)
		case "timestamp":
			timestamp = scalarString(dec)
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return version, timestamp
			}
		}
	}
	return version, timestamp
}
