// Package wbt drives the WhiteboxTools command line for the two raster
// generation passes of the terrain pipeline: TIN gridding of ground
// elevation and point-density counting.
package wbt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/terrain.report/internal/fsutil"
	"github.com/banshee-data/terrain.report/internal/monitoring"
	"github.com/banshee-data/terrain.report/internal/pointcloud"
)

// ErrToolFailed marks an external tool invocation that exited non-zero,
// timed out, or exited zero without producing its output file.
var ErrToolFailed = errors.New("external tool failed")

// Algorithm names a WhiteboxTools tool.
type Algorithm string

const (
	LidarTINGridding  Algorithm = "LidarTINGridding"
	LidarPointDensity Algorithm = "LidarPointDensity"
)

// Request is one tool invocation.
type Request struct {
	Algorithm  Algorithm
	Input      string
	Output     string
	Resolution float64
	// Radius is the search radius for LidarPointDensity; zero omits it.
	Radius float64
	// Exclude lists classification codes the tool must skip; empty keeps
	// every point.
	Exclude pointcloud.ClassSet
	// WorkDir is passed as --wd when set.
	WorkDir string
}

// Validate checks that the request can be turned into a command line.
func (r Request) Validate() error {
	switch {
	case r.Algorithm == "":
		return fmt.Errorf("tool request: algorithm required")
	case r.Input == "" || r.Output == "":
		return fmt.Errorf("tool request: input and output paths required")
	case !(r.Resolution > 0) || math.IsInf(r.Resolution, 0):
		return fmt.Errorf("tool request: invalid resolution %g", r.Resolution)
	case r.Radius < 0 || math.IsNaN(r.Radius):
		return fmt.Errorf("tool request: invalid radius %g", r.Radius)
	}
	return nil
}

// Args renders the request as WhiteboxTools arguments.
func (r Request) Args() []string {
	args := []string{"-r=" + string(r.Algorithm)}
	if r.WorkDir != "" {
		args = append(args, "--wd="+r.WorkDir)
	}
	args = append(args,
		"--input="+r.Input,
		"--output="+r.Output,
		"--resolution="+formatNumber(r.Resolution),
	)
	if r.Radius > 0 {
		args = append(args, "--radius="+formatNumber(r.Radius))
	}
	if len(r.Exclude) > 0 {
		args = append(args, "--exclude_cls="+r.Exclude.String())
	}
	return args
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Tool runs raster generation requests. The pipeline only depends on this
// capability, so tests substitute a fake that writes synthetic rasters.
type Tool interface {
	Run(ctx context.Context, req Request) error
}

// CommandTool runs requests through the WhiteboxTools executable.
type CommandTool struct {
	Executable string
	// Timeout bounds a single invocation; zero means no bound.
	Timeout time.Duration
	FS      fsutil.FileSystem
	Builder CommandBuilder
}

// NewCommandTool returns a CommandTool that executes real processes.
func NewCommandTool(executable string, timeout time.Duration, fs fsutil.FileSystem) *CommandTool {
	return &CommandTool{
		Executable: executable,
		Timeout:    timeout,
		FS:         fs,
		Builder:    ExecCommandBuilder{},
	}
}

// Run executes req once. There is no retry.
func (t *CommandTool) Run(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	// Final outputs live at fixed paths, so a file from an earlier run
	// must not pass for this run's output.
	if err := t.FS.Remove(req.Output); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove previous %s: %w", req.Output, err)
	}

	args := req.Args()
	monitoring.Tracef("exec %s %s", t.Executable, strings.Join(args, " "))

	out, err := t.exec(ctx, args)
	if len(out) > 0 {
		monitoring.Tracef("%s output for %s:\n%s", req.Algorithm, filepath.Base(req.Input), bytes.TrimSpace(out))
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Algorithm, filepath.Base(req.Input), err)
	}
	// WhiteboxTools reports some failures on stdout and still exits 0.
	if !t.FS.Exists(req.Output) {
		return fmt.Errorf("%w: %s exited 0 but wrote no %s: %s", ErrToolFailed, req.Algorithm, req.Output, lastLine(out))
	}
	return nil
}

// Version runs the executable with --version and returns the first line
// it prints. It is used to fail fast when the tool is not installed.
func (t *CommandTool) Version(ctx context.Context) (string, error) {
	out, err := t.exec(ctx, []string{"--version"})
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", t.Executable, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("%w: %s --version printed nothing", ErrToolFailed, t.Executable)
}

func (t *CommandTool) exec(ctx context.Context, args []string) ([]byte, error) {
	runCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	builder := t.Builder
	if builder == nil {
		builder = ExecCommandBuilder{}
	}

	out, err := builder.BuildCommand(runCtx, t.Executable, args...).Run()
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if runCtx.Err() != nil {
		return out, fmt.Errorf("%w: timed out after %v", ErrToolFailed, t.Timeout)
	}
	if detail := lastLine(out); detail != "" {
		return out, fmt.Errorf("%w: %v: %s", ErrToolFailed, err, detail)
	}
	return out, fmt.Errorf("%w: %v", ErrToolFailed, err)
}

// lastLine returns the last non-blank line of tool output, which is where
// WhiteboxTools prints its error message.
func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
