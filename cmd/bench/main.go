// bench measures raw fuzzing throughput against a target: how many
// executions per second the mutation engine and the process runner sustain,
// without any campaign bookkeeping. Useful to compare stdin vs. file input
// modes and to size -workers for a machine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"github.com/kingjohntom/honggfuzz"
)

var cpuProfile = flag.String("cpuprofile", "", "write cpu profile to file")
var maxRuntime = flag.Duration("maxruntime", time.Duration(30)*time.Second, "maximum time to run the benchmark")
var numExecs = flag.Int("numexecs", 1000, "Number of target executions")
var numWorkers = flag.Int("workers", 1, "Number of concurrent workers")
var seed = flag.Uint64("seed", 1, "Seed for the random mutations")
var inputFile = flag.String("input", "", "Seed input file. If empty, mutations start from an empty input.")
var runTimeout = flag.Duration("run-timeout", 10*time.Second, "Timeout for a single target execution")

func main() {
	flag.Parse()
	if len(flag.Args()) == 0 {
		fmt.Fprintf(os.Stderr, "usage: bench [flags] <target> [args...]\nUse %s in args for file based input.\n",
			honggfuzz.FileArgPlaceholder)
		os.Exit(1)
	}
	// Optional profiling
	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *maxRuntime)
	defer cancel()
	// Use Ctrl-C to interrupt early, but still print results.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		signal.Reset(os.Interrupt)
		fmt.Fprint(os.Stderr, "Interrupted, ending benchmark\n")
		cancel()
	}()

	target, err := honggfuzz.NewCmdTarget(honggfuzz.CmdTargetConfig{
		Argv:    flag.Args(),
		Timeout: *runTimeout,
	})
	if err != nil {
		log.Fatal(err)
	}
	corpus := honggfuzz.NewCorpus(0)
	var input []byte
	if *inputFile != "" {
		input, err = os.ReadFile(*inputFile)
		if err != nil {
			log.Fatal(err)
		}
	}
	if _, err := corpus.Add(input); err != nil {
		log.Fatal(err)
	}

	started := time.Now()
	fmt.Println("Started", started)

	var mut sync.Mutex
	durations := []float64{}
	crashes := 0

	var execsLeft atomic.Int64
	execsLeft.Store(int64(*numExecs))
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < *numWorkers; i++ {
		rnd := honggfuzz.NewRand(*seed + uint64(i))
		g.Go(func() error {
			mangler := honggfuzz.NewMangler(honggfuzz.ManglerConfig{})
			for ctx.Err() == nil && execsLeft.Add(-1) >= 0 {
				data := mangler.Mutate(rnd, corpus.Pick(rnd))
				t0 := time.Now()
				err := target.Run(ctx, data)
				elapsed := time.Since(t0)
				if ctx.Err() != nil {
					return nil
				}
				crashed := false
				if err != nil {
					crashErr := &honggfuzz.CrashError{}
					if !errors.As(err, &crashErr) {
						return err
					}
					crashed = true
				}
				mut.Lock()
				durations = append(durations, elapsed.Seconds())
				if crashed {
					crashes++
				}
				mut.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
	elapsed := time.Since(started)
	fmt.Println("Finished", time.Now())
	var sb strings.Builder
	flag.Visit(func(f *flag.Flag) {
		fmt.Fprintf(&sb, " -%s=%v", f.Name, f.Value)
	})
	fmt.Printf("Flags:%s\n", sb.String())
	n := len(durations)
	fmt.Printf("=== Final results:\n")
	fmt.Printf("  Execs: %s in %v (%s/s)\n",
		humanize.Comma(int64(n)), elapsed.Round(time.Millisecond),
		humanize.CommafWithDigits(float64(n)/elapsed.Seconds(), 1))
	fmt.Printf("  Crashes: %s\n", humanize.Comma(int64(crashes)))
	if n > 0 {
		p50, _ := stats.Percentile(durations, 50)
		p90, _ := stats.Percentile(durations, 90)
		p99, _ := stats.Percentile(durations, 99)
		fmt.Printf("  Exec latency: p50=%.1fms p90=%.1fms p99=%.1fms\n",
			p50*1000, p90*1000, p99*1000)
	}
}
