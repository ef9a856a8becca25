package vfs

import "errors"

// Filesystem conditions. Their text is what users see.
var (
	ErrNotFound   = errors.New("file does not exist")
	ErrPermission = errors.New("permission denied")
	ErrBadName    = errors.New("bad block name")
	ErrNotFolder  = errors.New("not a folder")
	ErrNotFile    = errors.New("not a file")
	ErrExists     = errors.New("file exists")
	ErrNotEmpty   = errors.New("folder is not empty")
	ErrLocked     = errors.New("file is locked")
	ErrCycle      = errors.New("cannot place a folder inside itself")
	ErrLinked     = errors.New("block is already linked in another folder")
	ErrStopped    = errors.New("device stopped")
)

// PathError records a failed filesystem operation. Its message is meant for
// the user, e.g. "cp: /tmp/x: file does not exist".
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	switch {
	case e.Op == "" && e.Path == "":
		return e.Err.Error()
	case e.Op == "":
		return e.Path + ": " + e.Err.Error()
	case e.Path == "":
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

// Wrap wraps err as a PathError unless it already is one, in which case the
// operation name is replaced.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PathError
	if errors.As(err, &pe) {
		return &PathError{Op: op, Path: pe.Path, Err: pe.Err}
	}
	return &PathError{Op: op, Path: path, Err: err}
}
