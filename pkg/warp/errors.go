package warp

import (
	"errors"
	"fmt"
)

// ErrBadShape is returned when an input or output shape has a non-positive
// extent. Validation failures are reported before any device resource is
// touched.
var ErrBadShape = errors.New("shape must be positive on every axis")

// Stage identifies the pipeline step that failed. Stage failures are
// reported once and never retried: device resource exhaustion is typically
// not transient within a single process run.
type Stage int

const (
	StageAlloc Stage = iota
	StageUpload
	StageLaunch
	StageDownload
)

func (s Stage) String() string {
	switch s {
	case StageAlloc:
		return "allocation"
	case StageUpload:
		return "upload"
	case StageLaunch:
		return "kernel launch"
	case StageDownload:
		return "download"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// StageError reports which pipeline stage failed. The pipeline guarantees
// that no device allocation leaks regardless of the failing stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
