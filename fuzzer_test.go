package honggfuzz

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestFuzzerFindsPanic(t *testing.T) {
	// Crashes whenever mangling changed the input's length. Insert and
	// erase are two of the eight mangle ops, so that happens within a
	// handful of executions.
	target := NewFuncTarget("len4", func(data []byte) error {
		if len(data) != 4 {
			panic("bad length")
		}
		return nil
	})
	corpus := NewCorpus(64)
	if _, err := corpus.Add([]byte("ABCD")); err != nil {
		t.Fatal("Add: ", err)
	}
	f := NewFuzzer(FuzzerConfig{
		Workers:      2,
		MaxExecs:     5000,
		Seed:         7,
		MaxInputSize: 64,
	}, target, corpus)
	if err := f.Run(context.Background()); err != nil {
		t.Fatal("Run: ", err)
	}
	status := f.Status()
	if status.Execs != 5000 {
		t.Errorf("want 5000 execs, got %d", status.Execs)
	}
	if status.Crashes == 0 {
		t.Error("want at least one crash")
	}
	if !status.Finished {
		t.Error("want a finished status after Run")
	}
	reports := f.Reports()
	if len(reports) == 0 {
		t.Fatal("want at least one novel report")
	}
	if int64(len(reports)) != status.UniqueCrashes {
		t.Errorf("status reports %d unique crashes, got %d reports", status.UniqueCrashes, len(reports))
	}
	for _, r := range reports {
		if r.Kind != CrashPanic {
			t.Errorf("want kind %s, got %s", CrashPanic, r.Kind)
		}
		if r.Target != "len4" {
			t.Errorf("want target len4, got %q", r.Target)
		}
		if r.CampaignId != f.CampaignId() {
			t.Errorf("report has campaign %s, want %s", r.CampaignId, f.CampaignId())
		}
		if len(r.Input) == 4 {
			t.Errorf("crash input has the surviving length: %v", r.Input)
		}
		if r.InputHash != Hash64(r.Input) {
			t.Errorf("input hash %d does not match input %v", r.InputHash, r.Input)
		}
	}
}

func TestFuzzerSeedReproducible(t *testing.T) {
	run := func() []uint64 {
		target := NewFuncTarget("len8", func(data []byte) error {
			if len(data) != 8 {
				panic("bad length")
			}
			return nil
		})
		corpus := NewCorpus(64)
		if _, err := corpus.Add([]byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
			t.Fatal("Add: ", err)
		}
		f := NewFuzzer(FuzzerConfig{
			Workers:      1,
			MaxExecs:     3000,
			Seed:         99,
			MaxInputSize: 64,
		}, target, corpus)
		if err := f.Run(context.Background()); err != nil {
			t.Fatal("Run: ", err)
		}
		var hashes []uint64
		for _, r := range f.Reports() {
			hashes = append(hashes, r.InputHash)
		}
		return hashes
	}
	first := run()
	second := run()
	if len(first) == 0 {
		t.Error("want at least one report from the seeded run")
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("seeded runs diverged (-first +second):\n%s", diff)
	}
}

func TestFuzzerExitOnCrash(t *testing.T) {
	target := NewFuncTarget("instant", func(data []byte) error {
		panic("instant crash")
	})
	f := NewFuzzer(FuzzerConfig{
		Workers:      4,
		ExitOnCrash:  true,
		Seed:         3,
		MaxInputSize: 64,
	}, target, nil)
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal("Run: ", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("campaign did not stop after the first crash")
	}
	if len(f.Reports()) == 0 {
		t.Error("want at least one report")
	}
}

func TestFuzzerInfraErrorAborts(t *testing.T) {
	target, err := NewCmdTarget(CmdTargetConfig{
		Argv: []string{"/no/such/fuzz-target-qzx"},
	})
	if err != nil {
		t.Fatal("NewCmdTarget: ", err)
	}
	f := NewFuzzer(FuzzerConfig{
		Workers:      2,
		Duration:     time.Minute,
		Seed:         1,
		MaxInputSize: 64,
	}, target, nil)
	runErr := f.Run(context.Background())
	if runErr == nil {
		t.Fatal("want an error when the target cannot run at all")
	}
	if !strings.Contains(runErr.Error(), "worker") {
		t.Errorf("want a worker error, got %v", runErr)
	}
}

func TestFuzzerWritesArchive(t *testing.T) {
	dir := t.TempDir()
	target := NewFuncTarget("len3", func(data []byte) error {
		if len(data) != 3 {
			panic("bad length")
		}
		return nil
	})
	corpus := NewCorpus(64)
	if _, err := corpus.Add([]byte("abc")); err != nil {
		t.Fatal("Add: ", err)
	}
	f := NewFuzzer(FuzzerConfig{
		Workers:      1,
		MaxExecs:     1000,
		Seed:         11,
		MaxInputSize: 64,
		ReportDir:    dir,
	}, target, corpus)
	if err := f.Run(context.Background()); err != nil {
		t.Fatal("Run: ", err)
	}
	arch, err := ReadReportArchive(dir, f.CampaignId())
	if err != nil {
		t.Fatal("ReadReportArchive: ", err)
	}
	if arch.Header == nil {
		t.Fatal("archive has no header")
	}
	if arch.Header.CampaignId != f.CampaignId() || arch.Header.Target != "len3" {
		t.Errorf("unexpected header: %+v", arch.Header)
	}
	if diff := cmp.Diff(f.Reports(), arch.Reports); diff != "" {
		t.Errorf("archived reports differ (-want +got):\n%s", diff)
	}
}
