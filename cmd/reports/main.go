// reports lists and extracts crash reports from the archive directory that
// the fuzz command writes.
//
//	reports                          # all campaigns under -dir
//	reports -campaign <id>           # one campaign in detail
//	reports -extract <report-id>     # write a crashing input to -o
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kingjohntom/honggfuzz"
)

var (
	reportDir  = flag.String("dir", "reports", "Directory with crash report archives")
	campaignId = flag.String("campaign", "", "Campaign to list in detail. If empty, all campaigns are listed.")
	extractId  = flag.String("extract", "", "ID of the report whose input is written to -o")
	outputFile = flag.String("o", "input.bin", "Output file for -extract")
)

func listCampaigns() error {
	ids, err := honggfuzz.ListReportArchives(*reportDir)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Printf("No report archives found in %s\n", *reportDir)
		return nil
	}
	for _, id := range ids {
		arch, err := honggfuzz.ReadReportArchive(*reportDir, id)
		if err != nil {
			return fmt.Errorf("read archive %s: %w", id, err)
		}
		target := "<unknown>"
		started := ""
		if arch.Header != nil {
			target = arch.Header.Target
			started = humanize.Time(arch.Header.Started)
		}
		fmt.Printf("%-36s  %-20s %3d crashes  %s\n", id, target, len(arch.Reports), started)
	}
	return nil
}

func listCampaign(id string) error {
	arch, err := honggfuzz.ReadReportArchive(*reportDir, id)
	if err != nil {
		return err
	}
	if arch.Header != nil {
		fmt.Printf("Campaign %s against %s, started %s\n",
			arch.Header.CampaignId, arch.Header.Target, arch.Header.Started.Format(time.RFC3339))
	}
	for _, r := range arch.Reports {
		fmt.Printf("%s  %-8s %016x  %4d bytes  %s\n", r.Id, r.Kind, r.InputHash, len(r.Input), r.Message)
	}
	return nil
}

func extractInput(id string) error {
	ids, err := honggfuzz.ListReportArchives(*reportDir)
	if err != nil {
		return err
	}
	for _, cid := range ids {
		arch, err := honggfuzz.ReadReportArchive(*reportDir, cid)
		if err != nil {
			return fmt.Errorf("read archive %s: %w", cid, err)
		}
		for _, r := range arch.Reports {
			if r.Id != id {
				continue
			}
			if err := os.WriteFile(*outputFile, r.Input, 0644); err != nil {
				return err
			}
			fmt.Printf("Wrote %d bytes of %s crash input to %s\n", len(r.Input), r.Kind, *outputFile)
			return nil
		}
	}
	return fmt.Errorf("no report %s in %s", id, *reportDir)
}

func main() {
	flag.Parse()
	if len(flag.Args()) > 0 {
		log.Fatalf("Unexpected args: %v", flag.Args())
	}
	var err error
	switch {
	case *extractId != "":
		err = extractInput(*extractId)
	case *campaignId != "":
		err = listCampaign(*campaignId)
	default:
		err = listCampaigns()
	}
	if err != nil {
		log.Fatal(err)
	}
}
