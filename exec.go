package honggfuzz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Targets are the programs under test. The fuzzer treats a target as a black
// box: one input goes in, one verdict comes out. FuncTarget runs a Go
// function in process, CmdTarget forks an external binary per input.

// A CrashError is returned by Target.Run when the target failed in a way
// that counts as a finding. Any other error from Run means the run itself
// could not be carried out (e.g. the binary is missing) and aborts the
// campaign.
type CrashError struct {
	Kind    CrashKind
	Message string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type Target interface {
	// Name identifies the target in reports and status views.
	Name() string
	// Run executes the target once on input. It returns nil if the target
	// survived, a *CrashError if it did not, and any other error if the
	// run could not be performed at all.
	Run(ctx context.Context, input []byte) error
}

// A FuncTarget runs a Go function inside the fuzzer's process. Panics in the
// function are recovered and reported as crashes, so a finding does not end
// the campaign. Returned errors count as findings, too: a function under
// test must return nil for every input it handled gracefully.
type FuncTarget struct {
	name string
	fn   func(data []byte) error
}

func NewFuncTarget(name string, fn func(data []byte) error) *FuncTarget {
	return &FuncTarget{name: name, fn: fn}
}

func (t *FuncTarget) Name() string { return t.name }

func (t *FuncTarget) Run(ctx context.Context, input []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CrashError{Kind: CrashPanic, Message: fmt.Sprint(r)}
		}
	}()
	if err := t.fn(input); err != nil {
		var ce *CrashError
		if errors.As(err, &ce) {
			return ce
		}
		return &CrashError{Kind: CrashExit, Message: err.Error()}
	}
	return nil
}

// FileArgPlaceholder in a command argument is replaced by the path of a file
// holding the current input. Without a placeholder the input arrives on the
// child's stdin.
const FileArgPlaceholder = "___FILE___"

type CmdTargetConfig struct {
	// Argv holds the binary and its arguments.
	Argv []string
	// Timeout caps a single run. Zero means no limit.
	Timeout time.Duration
	// WorkDir is where input files for FileArgPlaceholder substitution are
	// written. Empty means the OS temp dir.
	WorkDir string
	// Verbose attaches the child's stdout and stderr to ours instead of
	// the null device.
	Verbose bool
}

// A CmdTarget executes an external binary once per input.
type CmdTarget struct {
	cfg      CmdTargetConfig
	name     string
	useFiles bool
}

func NewCmdTarget(cfg CmdTargetConfig) (*CmdTarget, error) {
	if len(cfg.Argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	useFiles := false
	for _, a := range cfg.Argv[1:] {
		if strings.Contains(a, FileArgPlaceholder) {
			useFiles = true
			break
		}
	}
	return &CmdTarget{
		cfg:      cfg,
		name:     filepath.Base(cfg.Argv[0]),
		useFiles: useFiles,
	}, nil
}

func (t *CmdTarget) Name() string { return t.name }

func (t *CmdTarget) Run(ctx context.Context, input []byte) error {
	runCtx := ctx
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}
	argv := t.cfg.Argv
	if t.useFiles {
		f, err := os.CreateTemp(t.cfg.WorkDir, "hfz-input-*")
		if err != nil {
			return fmt.Errorf("cannot create input file: %w", err)
		}
		defer os.Remove(f.Name())
		if _, err := f.Write(input); err != nil {
			f.Close()
			return fmt.Errorf("cannot write input file: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("cannot write input file: %w", err)
		}
		argv = make([]string, len(t.cfg.Argv))
		for i, a := range t.cfg.Argv {
			argv[i] = strings.ReplaceAll(a, FileArgPlaceholder, f.Name())
		}
	}
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	if !t.useFiles {
		cmd.Stdin = bytes.NewReader(input)
	}
	if t.cfg.Verbose {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	// With Stdout and Stderr left nil, os/exec connects the child to the
	// null device.
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// The campaign is shutting down and the child got killed with it.
		// Not a finding.
		return ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &CrashError{
			Kind:    CrashTimeout,
			Message: fmt.Sprintf("no verdict after %v", t.cfg.Timeout),
		}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// "exit status 3" or "signal: segmentation fault".
		msg := ee.ProcessState.String()
		if ee.ProcessState.ExitCode() == -1 {
			return &CrashError{Kind: CrashSignal, Message: msg}
		}
		return &CrashError{Kind: CrashExit, Message: msg}
	}
	return fmt.Errorf("cannot run %s: %w", t.name, err)
}
