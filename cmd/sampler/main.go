// The sampler command writes a zip archive of mutated inputs. Useful to
// eyeball what the mutation engine produces for a given seed corpus and to
// hand interesting inputs to other tools.
package main

import (
	"archive/zip"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"time"

	"github.com/kingjohntom/honggfuzz"
)

func main() {
	numSamples := flag.Int("num-samples", 100, "Number of mutated inputs to generate.")
	seed := flag.Uint64("seed", 1, "Seed for the random mutations.")
	corpusDir := flag.String("corpus", "", "Directory with seed inputs. If empty, mutations start from an empty input.")
	maxOps := flag.Int("max-mangle-ops", 0, "Maximum number of mutation ops per input.")
	maxInputSize := flag.Int("max-input-size", 0, "Maximum size of mutated inputs in bytes.")
	outputDir := flag.String("output-dir", ".", "Directory to which samples are written.")
	flag.Parse()
	if len(flag.Args()) > 0 {
		log.Fatalf("Unexpected args: %v", flag.Args())
	}
	samplesFile := path.Join(*outputDir, fmt.Sprintf("samples-%s.zip", time.Now().Format("20060102-150405")))
	zf, err := os.Create(samplesFile)
	if err != nil {
		log.Fatalf("create file: %v", err)
	}
	defer zf.Close()
	zw := zip.NewWriter(zf)
	defer zw.Close()
	corpus := honggfuzz.NewCorpus(*maxInputSize)
	if *corpusDir != "" {
		n, err := corpus.LoadDir(*corpusDir)
		if err != nil {
			log.Fatalf("load corpus: %v", err)
		}
		fmt.Printf("Loaded %d seed inputs from %s\n", n, *corpusDir)
	}
	if corpus.Len() == 0 {
		corpus.Add(nil)
	}
	rnd := honggfuzz.NewRand(*seed)
	mangler := honggfuzz.NewMangler(honggfuzz.ManglerConfig{
		MaxInputSize: *maxInputSize,
		MaxOps:       *maxOps,
	})
	started := time.Now()
	totalBytes := 0
	for i := 0; i < *numSamples; i++ {
		data := mangler.Mutate(rnd, corpus.Pick(rnd))
		f, err := zw.Create(fmt.Sprintf("sample-%06d.bin", i))
		if err != nil {
			log.Fatalf("add zip entry: %v", err)
		}
		if _, err := f.Write(data); err != nil {
			log.Fatalf("write zip entry: %v", err)
		}
		totalBytes += len(data)
	}
	fmt.Printf("Generated %d samples (%d bytes) in %s after %.1fs\n",
		*numSamples, totalBytes, samplesFile, time.Since(started).Seconds())
}
