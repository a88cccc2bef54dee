package honggfuzz

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kingjohntom/honggfuzz/hlog"
)

// The fuzzing campaign engine. A Fuzzer picks corpus inputs, mangles them,
// feeds them to the target, and collects crash reports. Workers run
// concurrently, each with its own random stream, and only synchronize on the
// (rare) crash path.

type FuzzerConfig struct {
	// Workers is the number of concurrent fuzzing goroutines.
	// Zero means one per CPU.
	Workers int
	// Duration ends the campaign after a fixed time. Zero runs until the
	// context is done or MaxExecs is reached.
	Duration time.Duration
	// MaxExecs ends the campaign after a fixed number of executions.
	// Zero means no limit.
	MaxExecs int64
	// ExitOnCrash ends the campaign at the first novel crash.
	ExitOnCrash bool
	// Seed makes campaigns repeatable: worker i derives its random stream
	// from Seed+i. Zero seeds every worker from the entropy source.
	Seed uint64
	// MaxInputSize and MaxMangleOps are passed through to the mangler.
	MaxInputSize int
	MaxMangleOps int
	// ReportDir, if non-empty, receives one compressed report archive per
	// campaign.
	ReportDir string
}

// Workers count their executions locally and flush in batches, so the shared
// counter is not touched a million times per second.
const execBatchSize = 64

type Fuzzer struct {
	cfg        FuzzerConfig
	campaignId string
	target     Target
	corpus     *Corpus
	mangler    *Mangler

	execsCounter    *Counter
	crashesCounter  *Counter
	timeoutsCounter *Counter
	dupsCounter     *Counter
	execTime        *Distribution
	inputLen        *Distribution

	started   time.Time
	execsLeft atomic.Int64
	cancel    context.CancelFunc

	mut      sync.Mutex
	seen     map[uint64]bool
	reports  []*CrashReport
	archive  *ReportWriter
	finished bool
}

func mustDistribution(name string, upperBounds []float64) *Distribution {
	d, err := NewDistribution(name, upperBounds)
	if err != nil {
		panic(fmt.Sprintf("invalid distribution %s: %s", name, err))
	}
	return d
}

// NewFuzzer prepares a campaign for target using the given seed corpus.
// A nil corpus starts empty. Call Run to start fuzzing.
func NewFuzzer(cfg FuzzerConfig, target Target, corpus *Corpus) *Fuzzer {
	if corpus == nil {
		corpus = NewCorpus(cfg.MaxInputSize)
	}
	return &Fuzzer{
		cfg:        cfg,
		campaignId: uuid.NewString(),
		target:     target,
		corpus:     corpus,
		started:    time.Now(),
		mangler: NewMangler(ManglerConfig{
			MaxInputSize: cfg.MaxInputSize,
			MaxOps:       cfg.MaxMangleOps,
		}),
		execsCounter:    NewCounter("/fuzz/execs"),
		crashesCounter:  NewCounter("/fuzz/crashes/total"),
		timeoutsCounter: NewCounter("/fuzz/crashes/timeout"),
		dupsCounter:     NewCounter("/fuzz/crashes/duplicate"),
		execTime:        mustDistribution("/fuzz/exec/seconds", DistribRange(1e-6, 60, 1.5)),
		inputLen:        mustDistribution("/fuzz/input/bytes", DistribRange(1, 1<<20, 2)),
		seen:            map[uint64]bool{},
	}
}

func (f *Fuzzer) CampaignId() string { return f.campaignId }

func (f *Fuzzer) Corpus() *Corpus { return f.corpus }

// Run fuzzes until ctx is done or a configured limit is reached. It returns
// an error only if the campaign could not run, not when crashes were found;
// call Reports or Status for the findings.
func (f *Fuzzer) Run(ctx context.Context) error {
	if f.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Duration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	f.cancel = cancel
	if f.cfg.MaxExecs > 0 {
		f.execsLeft.Store(f.cfg.MaxExecs)
	}
	if f.corpus.Len() == 0 {
		// An empty corpus still fuzzes: the mangler grows empty inputs.
		f.corpus.Add(nil)
	}
	if f.cfg.ReportDir != "" {
		w, err := NewReportWriter(f.cfg.ReportDir, f.campaignId)
		if err != nil {
			return err
		}
		err = w.WriteHeader(&ArchiveHeader{
			CampaignId: f.campaignId,
			Target:     f.target.Name(),
			Started:    f.started,
		})
		if err != nil {
			w.Close()
			return err
		}
		f.archive = w
	}
	workers := f.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	hlog.Infof("Campaign %s: fuzzing %s with %d workers, %d corpus inputs",
		f.campaignId, f.target.Name(), workers, f.corpus.Len())
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error { return f.worker(gctx, id) })
	}
	err := g.Wait()
	f.mut.Lock()
	f.finished = true
	archive := f.archive
	f.archive = nil
	f.mut.Unlock()
	if cerr := archive.Close(); cerr != nil && err == nil {
		err = cerr
	}
	hlog.Infof("Campaign %s finished: %d execs, %d unique crashes",
		f.campaignId, f.execsCounter.Value(), len(f.Reports()))
	return err
}

func (f *Fuzzer) worker(ctx context.Context, id int) error {
	var rnd *Rand
	if f.cfg.Seed != 0 {
		rnd = NewRand(f.cfg.Seed + uint64(id))
	} else {
		rnd = &Rand{}
	}
	pending := 0
	defer func() { f.execsCounter.Add(int64(pending)) }()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if f.cfg.MaxExecs > 0 && f.execsLeft.Add(-1) < 0 {
			return nil
		}
		input := f.mangler.Mutate(rnd, f.corpus.Pick(rnd))
		start := time.Now()
		err := f.target.Run(ctx, input)
		if ctx.Err() != nil {
			// Shutdown killed the run, so whatever it returned is not
			// a verdict.
			return nil
		}
		f.execTime.Add(time.Since(start).Seconds())
		f.inputLen.Add(float64(len(input)))
		pending++
		if pending >= execBatchSize {
			f.execsCounter.Add(int64(pending))
			pending = 0
		}
		if err == nil {
			continue
		}
		var ce *CrashError
		if !errors.As(err, &ce) {
			return fmt.Errorf("worker %d: %w", id, err)
		}
		f.recordCrash(ce, input)
	}
}

func (f *Fuzzer) recordCrash(ce *CrashError, input []byte) {
	if ce.Kind == CrashTimeout {
		f.timeoutsCounter.Increment()
	} else {
		f.crashesCounter.Increment()
	}
	h := Hash64(input)
	f.mut.Lock()
	if f.seen[h] {
		f.mut.Unlock()
		f.dupsCounter.Increment()
		return
	}
	f.seen[h] = true
	report := NewCrashReport(f.campaignId, f.target.Name(), ce.Kind, ce.Message, input)
	f.reports = append(f.reports, report)
	if err := f.archive.Write(report); err != nil {
		hlog.Errorf("Cannot archive crash report %s: %s", report.Id, err)
	}
	f.mut.Unlock()
	hlog.Infof("New %s crash for %s: %s (input: %s)",
		ce.Kind, f.target.Name(), ce.Message, printableInput(input, 40))
	if f.cfg.ExitOnCrash {
		f.cancel()
	}
}

// Reports returns the novel crash reports recorded so far, in the order they
// were found.
func (f *Fuzzer) Reports() []*CrashReport {
	f.mut.Lock()
	defer f.mut.Unlock()
	return append([]*CrashReport(nil), f.reports...)
}

// Counters returns the campaign's live counters. They may still be updated
// while the campaign runs; read them via Value.
func (f *Fuzzer) Counters() []*Counter {
	return []*Counter{f.execsCounter, f.crashesCounter, f.timeoutsCounter, f.dupsCounter}
}

// Distributions returns copies of the campaign's value distributions.
func (f *Fuzzer) Distributions() []*Distribution {
	return []*Distribution{f.execTime.Copy(), f.inputLen.Copy()}
}

// Status summarizes the campaign for status views and stores.
func (f *Fuzzer) Status() *CampaignStatus {
	f.mut.Lock()
	unique := int64(len(f.reports))
	finished := f.finished
	f.mut.Unlock()
	execs := f.execsCounter.Value()
	var eps float64
	if elapsed := time.Since(f.started).Seconds(); elapsed > 0 && execs > 0 {
		eps = float64(execs) / elapsed
	}
	return &CampaignStatus{
		CampaignId:    f.campaignId,
		Target:        f.target.Name(),
		Started:       f.started,
		Updated:       time.Now(),
		Execs:         execs,
		ExecsPerSec:   eps,
		Crashes:       f.crashesCounter.Value(),
		Timeouts:      f.timeoutsCounter.Value(),
		UniqueCrashes: unique,
		CorpusLen:     f.corpus.Len(),
		CorpusBytes:   f.corpus.Size(),
		Finished:      finished,
	}
}
