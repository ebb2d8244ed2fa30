package wbt

import (
	"context"
	"os/exec"
	"time"
)

// waitDelay bounds how long a killed command may hold its output pipes.
const waitDelay = 2 * time.Second

// CommandExecutor runs one prepared external command.
type CommandExecutor interface {
	// Run executes the command and returns the combined output (stdout+stderr).
	Run() ([]byte, error)
}

// CommandBuilder prepares external commands. Commands are never run
// through a shell; arguments reach the executable verbatim.
type CommandBuilder interface {
	BuildCommand(ctx context.Context, name string, args ...string) CommandExecutor
}

// ExecCommandExecutor wraps exec.Cmd to implement CommandExecutor.
type ExecCommandExecutor struct {
	cmd *exec.Cmd
}

// Run executes the command and returns combined output.
func (e *ExecCommandExecutor) Run() ([]byte, error) {
	return e.cmd.CombinedOutput()
}

// ExecCommandBuilder implements CommandBuilder using exec.CommandContext,
// so cancelling ctx kills the child process.
type ExecCommandBuilder struct{}

// BuildCommand creates a CommandExecutor for the given command and arguments.
func (ExecCommandBuilder) BuildCommand(ctx context.Context, name string, args ...string) CommandExecutor {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay
	return &ExecCommandExecutor{cmd: cmd}
}

// MockCommandExecutor implements CommandExecutor for testing.
type MockCommandExecutor struct {
	// Output is the output to return from Run.
	Output []byte
	// Err is the error to return from Run.
	Err error
	// OnRun, when set, runs before Run returns; a non-nil result replaces Err.
	OnRun func() error
	// RunCalled indicates whether Run was called.
	RunCalled bool
}

// Run returns the configured output and error.
func (m *MockCommandExecutor) Run() ([]byte, error) {
	m.RunCalled = true
	if m.OnRun != nil {
		if err := m.OnRun(); err != nil {
			return m.Output, err
		}
	}
	return m.Output, m.Err
}

// MockBuiltCommand records details of a built command.
type MockBuiltCommand struct {
	Name string
	Args []string
}

// MockCommandBuilder implements CommandBuilder for testing.
type MockCommandBuilder struct {
	// Commands records all commands that were built.
	Commands []MockBuiltCommand
	// ExecutorFactory creates executors based on the command. When nil a
	// default MockCommandExecutor that succeeds silently is returned.
	ExecutorFactory func(name string, args []string) *MockCommandExecutor
}

// BuildCommand records the command and returns its mock executor.
func (b *MockCommandBuilder) BuildCommand(_ context.Context, name string, args ...string) CommandExecutor {
	b.Commands = append(b.Commands, MockBuiltCommand{Name: name, Args: args})
	if b.ExecutorFactory != nil {
		return b.ExecutorFactory(name, args)
	}
	return &MockCommandExecutor{}
}

// LastCommand returns the most recently built command, or nil if none.
func (b *MockCommandBuilder) LastCommand() *MockBuiltCommand {
	if len(b.Commands) == 0 {
		return nil
	}
	return &b.Commands[len(b.Commands)-1]
}
