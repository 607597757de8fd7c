// Package matcher decides which bytes of the shared rejection log belong to
// one proxied request.
//
// The inference server appends every request's events to a single file. A
// Resource serializes access to one such file: a Lease records the file
// length before the request is forwarded and, once the response is back,
// reads only the bytes appended since. Consecutive leases on one file
// therefore own disjoint byte ranges.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aigoflow/grammar-tracer/internal/models"
	"github.com/aigoflow/grammar-tracer/internal/tracelog"
)

const (
	DefaultSettleQuiet = 50 * time.Millisecond
	DefaultSettleMax   = 2 * time.Second
)

// Options control how long a lease waits for the log writer to go quiet.
type Options struct {
	SettleQuiet time.Duration
	SettleMax   time.Duration
}

// Registry hands out one Resource per physical log file.
type Registry struct {
	opts Options

	mu        sync.Mutex
	resources map[string]*Resource
}

func NewRegistry(opts Options) *Registry {
	if opts.SettleMax <= 0 {
		opts.SettleMax = DefaultSettleMax
	}
	return &Registry{opts: opts, resources: make(map[string]*Resource)}
}

// Resource returns the resource guarding path. Paths that resolve to the same
// absolute location share one resource.
func (r *Registry) Resource(path string) (*Resource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve log path %s: %w", path, err)
	}
	abs = filepath.Clean(abs)

	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.resources[abs]; ok {
		return res, nil
	}
	res := &Resource{path: abs, opts: r.opts, sem: make(chan struct{}, 1)}
	r.resources[abs] = res
	return res, nil
}

// Resource is the mutual-exclusion region of one log file.
type Resource struct {
	path string
	opts Options
	sem  chan struct{}
}

func (r *Resource) Path() string { return r.path }

// Acquire takes the region and records the log length. It fails with
// ErrUpstreamTimeout when ctx ends first.
func (r *Resource) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, timeoutError(r.path, "waiting for log", ctx.Err())
	}

	lease := &Lease{res: r, acquired: time.Now()}
	info, err := os.Stat(r.path)
	switch {
	case err == nil:
		lease.before = info.Size()
		lease.info = info
	case errors.Is(err, fs.ErrNotExist):
		// The server creates the log on its first event.
	default:
		<-r.sem
		return nil, fmt.Errorf("stat log %s: %w", r.path, err)
	}
	return lease, nil
}

// Lease is one request's hold on a Resource.
type Lease struct {
	res      *Resource
	before   int64
	info     os.FileInfo
	acquired time.Time

	mu       sync.Mutex
	released bool
}

// Before is the log length recorded when the lease was taken.
func (l *Lease) Before() int64 { return l.before }

// Held is how long the lease has been held so far.
func (l *Lease) Held() time.Duration { return time.Since(l.acquired) }

// Release frees the region. It is safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	<-l.res.sem
}

// Settle waits for the log writer to go quiet without reading the log. A
// request that is not traced still settles before release so its late
// events do not land in the next lease's range.
func (l *Lease) Settle(ctx context.Context) error {
	if err := settle(ctx, l.res.path, l.res.opts.SettleQuiet, l.res.opts.SettleMax); err != nil {
		return timeoutError(l.res.path, "waiting for log to settle", err)
	}
	return nil
}

// Slice is the part of the log that belongs to one request.
type Slice struct {
	Path      string
	Start     int64
	End       int64
	Version   string
	Timestamp string
	TaskID    string
	Events    []models.Event
	Warnings  []models.Warning
}

// Slice waits for the log to settle and returns the events appended since
// the lease was taken. Bytes before the lease are not parsed. When taskID
// names a task present in those events, the slice is narrowed to that task.
func (l *Lease) Slice(ctx context.Context, taskID string) (*Slice, error) {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return nil, ErrReleased
	}

	path := l.res.path
	if err := settle(ctx, path, l.res.opts.SettleQuiet, l.res.opts.SettleMax); err != nil {
		return nil, timeoutError(path, "waiting for log to settle", err)
	}

	out := &Slice{Path: path, Start: l.before, End: l.before}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if l.info != nil {
			return nil, &MatchError{Path: path, Before: l.before, After: 0, Reason: "log removed"}
		}
		return out, nil
	case err != nil:
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}

	after := info.Size()
	if after < l.before {
		return nil, &MatchError{Path: path, Before: l.before, After: after, Reason: "log shrank"}
	}
	if l.info != nil && !os.SameFile(l.info, info) {
		return nil, &MatchError{Path: path, Before: l.before, After: after, Reason: "log rotated"}
	}
	out.End = after
	if after == l.before {
		return out, nil
	}

	// Only the appended bytes are parsed. A range that starts inside a record
	// left incomplete by an earlier request falls back to the whole file.
	log, err := tracelog.ReadRange(path, l.before, after)
	if errors.Is(err, tracelog.ErrMisaligned) {
		log, err = tracelog.Read(path)
	}
	if err != nil {
		return nil, err
	}
	if log.Size < after {
		return nil, &MatchError{Path: path, Before: l.before, After: log.Size, Reason: "log shrank"}
	}
	return SliceLog(log, l.before, after, taskID)
}

// SliceLog cuts the byte range [from, to) out of a log that was already read.
// Log-level warnings are kept; event warnings are kept when they fall inside
// the range.
func SliceLog(log *tracelog.Log, from, to int64, taskID string) (*Slice, error) {
	if from < 0 || to < from || to > log.Size {
		return nil, &MatchError{Path: log.Path, Before: from, After: to, Reason: fmt.Sprintf("range outside log of %d bytes", log.Size)}
	}
	out := &Slice{
		Path:      log.Path,
		Start:     from,
		End:       to,
		Version:   log.Version,
		Timestamp: log.Timestamp,
		Events:    log.Slice(from, to),
	}

	for _, w := range log.Warnings {
		if w.Index == models.NoEvent || (w.Offset >= from && w.Offset < to) {
			out.Warnings = append(out.Warnings, w)
		}
	}
	if cut := log.Repair.CutOffset; cut >= 0 && cut < to {
		out.Warnings = append(out.Warnings, models.Warning{
			Code:    models.WarnSliceTruncated,
			Index:   models.NoEvent,
			Offset:  cut,
			Message: fmt.Sprintf("slice [%d, %d) ends in an incomplete record at byte offset %d", from, to, cut),
		})
	}

	out.filterTask(taskID)
	return out, nil
}

func (s *Slice) filterTask(taskID string) {
	ids := models.TaskIDs(s.Events)
	if taskID != "" {
		for _, id := range ids {
			if id != taskID {
				continue
			}
			kept := s.Events[:0:0]
			for _, e := range s.Events {
				if e.TaskID == taskID {
					kept = append(kept, e)
				}
			}
			s.Events = kept
			s.TaskID = taskID
			return
		}
	}
	switch len(ids) {
	case 0:
	case 1:
		s.TaskID = ids[0]
	default:
		s.Warnings = append(s.Warnings, models.Warning{
			Code:    models.WarnMultipleTasks,
			Index:   models.NoEvent,
			Offset:  s.Start,
			Message: fmt.Sprintf("slice holds events of %d tasks %v and no task id identifies the request", len(ids), ids),
		})
	}
}
