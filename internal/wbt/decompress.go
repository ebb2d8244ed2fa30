package wbt

import (
	"context"
	"fmt"
	"strings"

	"github.com/banshee-data/terrain.report/internal/fsutil"
	"github.com/banshee-data/terrain.report/internal/monitoring"
)

// Decompressor turns a LAZ tile into a plain LAS file with an external
// command such as ["pdal", "translate", "{input}", "{output}"].
type Decompressor struct {
	Command []string
	FS      fsutil.FileSystem
	Builder CommandBuilder
}

// NewDecompressor returns nil when command is empty, meaning LAZ input is
// not supported.
func NewDecompressor(command []string, fs fsutil.FileSystem) *Decompressor {
	if len(command) == 0 {
		return nil
	}
	return &Decompressor{Command: command, FS: fs, Builder: ExecCommandBuilder{}}
}

// Decompress writes the decompressed form of input to output.
func (d *Decompressor) Decompress(ctx context.Context, input, output string) error {
	argv := make([]string, len(d.Command))
	for i, a := range d.Command {
		a = strings.ReplaceAll(a, "{input}", input)
		argv[i] = strings.ReplaceAll(a, "{output}", output)
	}
	monitoring.Tracef("exec %s", strings.Join(argv, " "))

	out, err := d.Builder.BuildCommand(ctx, argv[0], argv[1:]...).Run()
	if len(out) > 0 {
		monitoring.Tracef("%s output:\n%s", argv[0], strings.TrimSpace(string(out)))
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: decompress %s: %v: %s", ErrToolFailed, input, err, lastLine(out))
	}
	if !d.FS.Exists(output) {
		return fmt.Errorf("%w: decompress %s wrote no %s", ErrToolFailed, input, output)
	}
	return nil
}
