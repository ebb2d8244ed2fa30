package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/terrain.report/internal/pointcloud"
	"github.com/banshee-data/terrain.report/internal/raster"
	"github.com/banshee-data/terrain.report/internal/wbt"
)

// ErrorKind is a coarse-grained categorisation of tile failures.
type ErrorKind string

const (
	KindUnreadable    ErrorKind = "unreadable_input"
	KindToolFailure   ErrorKind = "external_tool_failure"
	KindShapeMismatch ErrorKind = "shape_mismatch"
	KindIO            ErrorKind = "io_failure"
	KindCanceled      ErrorKind = "canceled"
)

// Classify maps a wrapped sentinel error onto its kind. Errors that carry
// no known sentinel are I/O failures.
func Classify(err error) ErrorKind {
	var se *StageError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se) && se.Kind != "":
		return se.Kind
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, pointcloud.ErrUnreadable):
		return KindUnreadable
	case errors.Is(err, wbt.ErrToolFailed):
		return KindToolFailure
	case errors.Is(err, raster.ErrShapeMismatch):
		return KindShapeMismatch
	}
	return KindIO
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && Classify(err) == kind
}

// Stage names one step of the tile pipeline.
type Stage string

const (
	StageLoad         Stage = "load"
	StageCountProxy   Stage = "count_proxy"
	StageElevationHR  Stage = "elevation_hr"
	StageElevationLR  Stage = "elevation_lr"
	StageGradient     Stage = "gradient"
	StageGroundCount  Stage = "ground_count"
	StageAllCount     Stage = "all_count"
	StageDensityRatio Stage = "density_ratio"
	StageCleanup      Stage = "cleanup"
)

// StageError wraps the cause of a tile failure with the tile and stage.
type StageError struct {
	Tile  string
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func newStageError(tile string, stage Stage, err error) *StageError {
	return &StageError{Tile: tile, Stage: stage, Kind: Classify(err), Err: err}
}

func (e *StageError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Tile, e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
