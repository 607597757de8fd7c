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

// Log is a parsed, repaired event log.
type Log struct {
	Path      string
	Version   string
	Timestamp string
	Format    models.LogFormat
	Events    []models.Event
	// Size is the number of source bytes the log was parsed from.
	Size     int64
	Repair   Repaired
	Warnings []models.Warning
}

// Read loads and parses the log at path. The file is never modified.
func Read(path string) (*Log, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", path, err)
	}
	log, err := Parse(data)
	if err != nil {
		var repairErr *RepairError
		if errors.As(err, &repairErr) {
			repairErr.Path = path
		}
		return nil, err
	}
	log.Path = path
	return log, nil
}

// Parse repairs data if needed and decodes it into events. The top level may
// be an object with an "events" (or merged "steps") array or a bare array of
// events.
func Parse(data []byte) (*Log, error) {
	repaired, err := Repair(data)
	if err != nil {
		return nil, err
	}

	log := &Log{
		Size:     int64(len(data)),
		Repair:   repaired,
		Warnings: append([]models.Warning(nil), repaired.Warnings...),
	}

	dec := json.NewDecoder(bytes.NewReader(repaired.Data))
	tok, err := dec.Token()
	if err != nil {
		return nil, &RepairError{Offset: dec.InputOffset(), Err: err}
	}

	switch tok {
	case json.Delim('['):
		if err := decodeEvents(dec, log); err != nil {
			return nil, err
		}
	case json.Delim('{'):
		if err := decodeRoot(dec, log); err != nil {
			return nil, err
		}
	default:
		return nil, &RepairError{Offset: 0, Err: fmt.Errorf("unexpected top-level value %v", tok)}
	}

	log.Format = models.DetectFormat(log.Events)
	return log, nil
}

func decodeRoot(dec *json.Decoder, log *Log) error {
	sawEvents := false
	sawVersion := false
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return &RepairError{Offset: dec.InputOffset(), Err: err}
		}
		key, _ := tok.(string)

		switch key {
		case "events", "steps":
			sawEvents = true
			next, err := dec.Token()
			if err != nil {
				return &RepairError{Offset: dec.InputOffset(), Err: err}
			}
			if next != json.Delim('[') {
				log.Warnings = append(log.Warnings, models.Warning{
					Code:    models.WarnMissingEvents,
					Index:   models.NoEvent,
					Offset:  dec.InputOffset(),
					Message: fmt.Sprintf("events is %v, not an array", next),
				})
				if next == json.Delim('{') {
					if err := skipRest(dec); err != nil {
						return err
					}
				}
				continue
			}
			if err := decodeEvents(dec, log); err != nil {
				return err
			}
		case "trace_version", "log_version", "version":
			sawVersion = true
			log.Version = scalarString(dec)
		case "timestamp":
			log.Timestamp = scalarString(dec)
		case "metadata":
			var meta struct {
				Version   json.RawMessage `json:"rejection_log_version"`
				Timestamp json.RawMessage `json:"rejection_log_timestamp"`
			}
			if err := dec.Decode(&meta); err != nil {
				return &RepairError{Offset: dec.InputOffset(), Err: err}
			}
			if v := rawString(meta.Version); v != "" && log.Version == "" {
				sawVersion = true
				log.Version = v
			}
			if ts := rawString(meta.Timestamp); ts != "" && log.Timestamp == "" {
				log.Timestamp = ts
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return &RepairError{Offset: dec.InputOffset(), Err: err}
			}
		}
	}

	if !sawEvents {
		log.Warnings = append(log.Warnings, models.Warning{
			Code:    models.WarnMissingEvents,
			Index:   models.NoEvent,
			Message: "no events array found in log",
		})
	}
	if !sawVersion {
		log.Warnings = append(log.Warnings, models.Warning{
			Code:    models.WarnMissingVersion,
			Index:   models.NoEvent,
			Message: "log carries no version field",
		})
	}
	return nil
}

// decodeEvents consumes array elements up to and including the closing ']'.
func decodeEvents(dec *json.Decoder, log *Log) error {
	index := 0
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return &RepairError{Offset: dec.InputOffset(), Err: err}
		}
		offset := dec.InputOffset() - int64(len(raw))

		event, warn := adaptEvent(raw, index, offset)
		if warn != nil {
			log.Warnings = append(log.Warnings, *warn)
		} else {
			log.Events = append(log.Events, event)
		}
		index++
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return &RepairError{Offset: dec.InputOffset(), Err: err}
	}
	return nil
}

// skipRest consumes the remainder of an already opened container.
func skipRest(dec *json.Decoder) error {
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return &RepairError{Offset: dec.InputOffset(), Err: err}
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
	return nil
}

func scalarString(dec *json.Decoder) string {
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return ""
	}
	return rawString(raw)
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Slice returns the events whose byte offset lies in [from, to).
func (l *Log) Slice(from, to int64) []models.Event {
	var out []models.Event
	for _, e := range l.Events {
		if e.Offset >= from && e.Offset < to {
			out = append(out, e)
		}
	}
	return out
}
