package tracelog

import "fmt"

// RepairError reports a log that could not be restored to a well-formed
// document. It is fatal for the log it names.
type RepairError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *RepairError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("unrecoverable log at byte offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("unrecoverable log %s at byte offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *RepairError) Unwrap() error {
	return e.Err
}
