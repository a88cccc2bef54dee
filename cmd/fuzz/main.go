// fuzz runs a fuzzing campaign against a target binary:
//
//	fuzz -corpus seeds -duration 1h -- ./pngparse ___FILE___
//
// The target reads its input from stdin, or from a temp file if one of its
// arguments is the ___FILE___ placeholder. Novel crashes are written to a
// local report archive. With -addr the embedded dashboard serves live
// campaign status, with -redis-addr status goes to a Redis instance shared
// by a fuzzing farm.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kingjohntom/honggfuzz"
	"github.com/kingjohntom/honggfuzz/hfmem"
	"github.com/kingjohntom/honggfuzz/hlog"
)

func main() {
	cfg := honggfuzz.FuzzerConfig{}

	flag.IntVar(&cfg.Workers, "workers", 0, "Number of concurrent workers. 0 means one per CPU.")
	flag.DurationVar(&cfg.Duration, "duration", 0, "How long to fuzz. 0 means until interrupted.")
	flag.Int64Var(&cfg.MaxExecs, "max-execs", 0, "Maximum number of target executions. 0 means unlimited.")
	flag.BoolVar(&cfg.ExitOnCrash, "exit-on-crash", false, "Stop the campaign after the first novel crash")
	flag.Uint64Var(&cfg.Seed, "seed", 0, "Seed for deterministic mutations. 0 seeds from the OS entropy pool.")
	flag.IntVar(&cfg.MaxInputSize, "max-input-size", 0, "Maximum size of mutated inputs in bytes")
	flag.IntVar(&cfg.MaxMangleOps, "max-mangle-ops", 0, "Maximum number of mutation ops per input")
	flag.StringVar(&cfg.ReportDir, "report-dir", "reports", "Directory for crash report archives. Empty disables archiving.")
	corpusDir := flag.String("corpus", "", "Directory with seed inputs")
	runTimeout := flag.Duration("run-timeout", 10*time.Second, "Timeout for a single target execution")
	verbose := flag.Bool("verbose", false, "Connect the target's stdout and stderr to the fuzzer's")
	addr := flag.String("addr", "", "If set, serve the dashboard on this address (e.g. localhost:8080)")
	redisAddr := flag.String("redis-addr", "", "If set, publish campaign status to this Redis instance")
	publishInterval := flag.Duration("publish-interval", 2*time.Second, "How often to publish campaign status")
	htmlReport := flag.String("html-report", "", "If set, write an HTML campaign report to this file when done")
	flag.Parse()

	if len(flag.Args()) == 0 {
		fmt.Fprintf(os.Stderr, "usage: fuzz [flags] <target> [args...]\nUse %s in args for file based input.\n",
			honggfuzz.FileArgPlaceholder)
		os.Exit(1)
	}
	target, err := honggfuzz.NewCmdTarget(honggfuzz.CmdTargetConfig{
		Argv:    flag.Args(),
		Timeout: *runTimeout,
		Verbose: *verbose,
	})
	if err != nil {
		hlog.Fatalf("Invalid target: %s", err)
	}
	corpus := honggfuzz.NewCorpus(cfg.MaxInputSize)
	if *corpusDir != "" {
		n, err := corpus.LoadDir(*corpusDir)
		if err != nil {
			hlog.Fatalf("Cannot load corpus: %s", err)
		}
		hlog.Infof("Loaded %d seed inputs (%s) from %s", n, humanize.IBytes(uint64(corpus.Size())), *corpusDir)
	}
	f := honggfuzz.NewFuzzer(cfg, target, corpus)

	ctx, cancel := context.WithCancel(context.Background())
	// First Ctrl-C stops the campaign cleanly, the second one kills the
	// process the hard way.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		signal.Reset(os.Interrupt)
		hlog.Infof("Interrupted, stopping campaign")
		cancel()
	}()

	memStore := honggfuzz.NewMemoryStore(0)
	var campaigns honggfuzz.CampaignStore = memStore
	var reports honggfuzz.ReportStore = memStore
	var events honggfuzz.EventBus = memStore
	if *redisAddr != "" {
		rc, err := hfmem.NewRedisClient(&hfmem.RedisClientConfig{Addr: *redisAddr})
		if err != nil {
			hlog.Fatalf("Cannot connect to Redis: %s", err)
		}
		defer rc.Close()
		campaigns, reports, events = rc, rc, rc
	}
	if *addr != "" {
		srv, err := honggfuzz.NewServer(&honggfuzz.ServerConfig{Addr: *addr}, campaigns, reports, events)
		if err != nil {
			hlog.Fatalf("Cannot create dashboard: %s", err)
		}
		go srv.Serve()
		hlog.Infof("Campaign page: http://%s/fuzz/campaigns/%s", *addr, f.CampaignId())
	}
	pubCtx, pubCancel := context.WithCancel(context.Background())
	pubDone := make(chan struct{})
	go func() {
		honggfuzz.PublishStatus(pubCtx, f, campaigns, reports, events, *publishInterval)
		close(pubDone)
	}()

	err = f.Run(ctx)
	// Cancel publishing only after Run returned, the final update marks the
	// campaign as finished.
	pubCancel()
	<-pubDone
	if err != nil {
		hlog.Fatalf("Campaign failed: %s", err)
	}

	status := f.Status()
	hlog.Infof("Campaign %s finished: %s execs (%s/s), %s crashes (%d unique, %d timeouts)",
		status.CampaignId,
		humanize.Comma(status.Execs),
		humanize.CommafWithDigits(status.ExecsPerSec, 1),
		humanize.Comma(status.Crashes),
		status.UniqueCrashes, status.Timeouts)
	if *htmlReport != "" {
		if err := honggfuzz.ExportCampaignHTML(*htmlReport, status, f.Reports(), f.Distributions()); err != nil {
			hlog.Errorf("Cannot write HTML report: %s", err)
		} else {
			hlog.Infof("Wrote HTML report to %s", *htmlReport)
		}
	}
}
