package honggfuzz

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"
)

func checkCrash(t *testing.T, err error, wantKind CrashKind, wantMsg string) {
	t.Helper()
	if wantKind == "" {
		if err != nil {
			t.Fatalf("want no error, got %v", err)
		}
		return
	}
	var ce *CrashError
	if !errors.As(err, &ce) {
		t.Fatalf("want *CrashError, got %v", err)
	}
	if ce.Kind != wantKind {
		t.Errorf("want kind %s, got %s", wantKind, ce.Kind)
	}
	if !strings.Contains(ce.Message, wantMsg) {
		t.Errorf("want message containing %q, got %q", wantMsg, ce.Message)
	}
}

func TestFuncTargetVerdicts(t *testing.T) {
	tests := []struct {
		name     string
		fn       func(data []byte) error
		wantKind CrashKind
		wantMsg  string
	}{
		{"survives", func([]byte) error { return nil }, "", ""},
		{"panic", func([]byte) error { panic("boom") }, CrashPanic, "boom"},
		{"runtime panic", func(data []byte) error { _ = data[100]; return nil }, CrashPanic, "index out of range"},
		{"error", func([]byte) error { return errors.New("bad checksum") }, CrashExit, "bad checksum"},
		{"crash error", func([]byte) error {
			return &CrashError{Kind: CrashSignal, Message: "SIGSEGV"}
		}, CrashSignal, "SIGSEGV"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tgt := NewFuncTarget("demo", test.fn)
			err := tgt.Run(context.Background(), []byte("x"))
			checkCrash(t, err, test.wantKind, test.wantMsg)
		})
	}
}

func skipUnlessUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
}

func TestCmdTargetExitCodes(t *testing.T) {
	skipUnlessUnix(t)
	tests := []struct {
		name     string
		script   string
		wantKind CrashKind
		wantMsg  string
	}{
		{"clean exit", "exit 0", "", ""},
		{"nonzero exit", "exit 3", CrashExit, "exit status 3"},
		{"killed", "kill -KILL $$", CrashSignal, "killed"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tgt, err := NewCmdTarget(CmdTargetConfig{
				Argv: []string{"/bin/sh", "-c", test.script},
			})
			if err != nil {
				t.Fatal("NewCmdTarget: ", err)
			}
			checkCrash(t, tgt.Run(context.Background(), []byte("data")), test.wantKind, test.wantMsg)
		})
	}
}

func TestCmdTargetStdin(t *testing.T) {
	skipUnlessUnix(t)
	tgt, err := NewCmdTarget(CmdTargetConfig{
		Argv: []string{"/bin/sh", "-c", `read line; test "$line" != KABOOM`},
	})
	if err != nil {
		t.Fatal("NewCmdTarget: ", err)
	}
	if err := tgt.Run(context.Background(), []byte("fine\n")); err != nil {
		t.Errorf("survivable input crashed: %v", err)
	}
	checkCrash(t, tgt.Run(context.Background(), []byte("KABOOM\n")), CrashExit, "exit status 1")
}

func TestCmdTargetFilePlaceholder(t *testing.T) {
	skipUnlessUnix(t)
	dir := t.TempDir()
	// test -s fails on an empty file.
	tgt, err := NewCmdTarget(CmdTargetConfig{
		Argv:    []string{"/bin/sh", "-c", "test -s " + FileArgPlaceholder},
		WorkDir: dir,
	})
	if err != nil {
		t.Fatal("NewCmdTarget: ", err)
	}
	if err := tgt.Run(context.Background(), []byte("payload")); err != nil {
		t.Errorf("non-empty input crashed: %v", err)
	}
	checkCrash(t, tgt.Run(context.Background(), nil), CrashExit, "exit status 1")
	// Input files must not pile up between runs.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal("ReadDir: ", err)
	}
	if len(entries) != 0 {
		t.Errorf("want empty work dir, got %d leftover files", len(entries))
	}
}

func TestCmdTargetTimeout(t *testing.T) {
	skipUnlessUnix(t)
	tgt, err := NewCmdTarget(CmdTargetConfig{
		Argv:    []string{"/bin/sh", "-c", "sleep 10"},
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal("NewCmdTarget: ", err)
	}
	start := time.Now()
	checkCrash(t, tgt.Run(context.Background(), nil), CrashTimeout, "no verdict")
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run took %v, want well below the sleep duration", elapsed)
	}
}

func TestCmdTargetCanceledRunIsNoFinding(t *testing.T) {
	skipUnlessUnix(t)
	tgt, err := NewCmdTarget(CmdTargetConfig{
		Argv: []string{"/bin/sh", "-c", "sleep 10"},
	})
	if err != nil {
		t.Fatal("NewCmdTarget: ", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	runErr := tgt.Run(ctx, nil)
	var ce *CrashError
	if errors.As(runErr, &ce) {
		t.Errorf("canceled run reported a crash: %v", runErr)
	}
	if !errors.Is(runErr, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", runErr)
	}
}

func TestCmdTargetMissingBinary(t *testing.T) {
	tgt, err := NewCmdTarget(CmdTargetConfig{
		Argv: []string{"/no/such/binary-qzx"},
	})
	if err != nil {
		t.Fatal("NewCmdTarget: ", err)
	}
	runErr := tgt.Run(context.Background(), nil)
	if runErr == nil {
		t.Fatal("want error for missing binary")
	}
	var ce *CrashError
	if errors.As(runErr, &ce) {
		t.Errorf("missing binary must not count as a crash, got %v", runErr)
	}
}

func TestNewCmdTargetValidation(t *testing.T) {
	if _, err := NewCmdTarget(CmdTargetConfig{}); err == nil {
		t.Error("want error for empty argv")
	}
	tgt, err := NewCmdTarget(CmdTargetConfig{Argv: []string{"/usr/bin/parse-pdf", "-q"}})
	if err != nil {
		t.Fatal("NewCmdTarget: ", err)
	}
	if got := tgt.Name(); got != "parse-pdf" {
		t.Errorf("want name parse-pdf, got %q", got)
	}
}
