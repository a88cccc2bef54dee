package honggfuzz

import (
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Crash reports and the campaign archive format. One archive file holds all
// reports of a campaign as a gzip-compressed sequence of gobs, so a crashing
// overnight run costs little disk.

type CrashKind string

const (
	CrashPanic   CrashKind = "panic"
	CrashExit    CrashKind = "exit"
	CrashSignal  CrashKind = "signal"
	CrashTimeout CrashKind = "timeout"
)

type CrashReport struct {
	Id         string
	CampaignId string
	Target     string
	Kind       CrashKind
	// Message holds the panic value, exit status, or signal name.
	Message   string
	Input     []byte
	InputHash uint64
	Time      time.Time // Will be added automatically by the .Write method if not specified.
}

type ArchiveHeader struct {
	CampaignId string
	Target     string
	Started    time.Time
}

type ReportArchive struct {
	Header  *ArchiveHeader
	Reports []*CrashReport
}

// reportRecord is the struct that is persisted on disk
// as a sequence of gobs.
type reportRecord struct {
	// Only one of the fields will ever be populated.
	Header *ArchiveHeader
	Report *CrashReport
}

// NewCrashReport assembles a report for a failed execution. The input hash
// doubles as the novelty key: two crashes on the same input are one crash.
func NewCrashReport(campaignId, target string, kind CrashKind, msg string, input []byte) *CrashReport {
	return &CrashReport{
		Id:         uuid.NewString(),
		CampaignId: campaignId,
		Target:     target,
		Kind:       kind,
		Message:    msg,
		Input:      append([]byte(nil), input...),
		InputHash:  Hash64(input),
		Time:       time.Now(),
	}
}

// Returns a relative file path for the given campaignId.
// Archives are stored in subdirectories named after the first two uppercase(d) letters.
func reportPath(campaignId string) string {
	if campaignId == "" {
		campaignId = "_"
	}
	if len(campaignId) < 2 {
		return fmt.Sprintf("%s/%s.crash.gz", strings.ToUpper(campaignId), campaignId)
	}
	dir := strings.ToUpper(campaignId[:2])
	return fmt.Sprintf("%s/%s.crash.gz", dir, campaignId)
}

type ReportWriter struct {
	w          io.WriteCloser
	gz         *gzip.Writer
	enc        *gob.Encoder
	numRecords int // Number of records written so far
	closed     bool
}

func NewReportWriter(reportDir, campaignId string) (*ReportWriter, error) {
	p := path.Join(reportDir, reportPath(campaignId))
	err := os.MkdirAll(path.Dir(p), 0755)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, err
	}
	gz := gzip.NewWriter(f)
	enc := gob.NewEncoder(gz)
	return &ReportWriter{
		w:   f,
		gz:  gz,
		enc: enc,
	}, nil
}

// Writes the given header to the writer's archive.
// This method must be called only once, and before any calls to Write.
// w may be a nil receiver, in which case this method does nothing.
func (w *ReportWriter) WriteHeader(header *ArchiveHeader) error {
	if w == nil {
		return nil
	}
	if w.numRecords != 0 {
		return fmt.Errorf("header must be the first record written")
	}
	w.numRecords++
	return w.enc.Encode(reportRecord{Header: header})
}

// Appends the given report to the writer's archive.
// w may be a nil receiver, in which case this method does nothing.
func (w *ReportWriter) Write(report *CrashReport) error {
	if w == nil {
		return nil
	}
	if report.Time.IsZero() {
		report.Time = time.Now()
	}
	w.numRecords++
	return w.enc.Encode(reportRecord{Report: report})
}

func (w *ReportWriter) Close() error {
	if w == nil {
		return nil
	}
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.gz.Close(); err != nil {
		return err
	}
	return w.w.Close()
}

func ReadReportArchive(reportDir, campaignId string) (*ReportArchive, error) {
	f, err := os.Open(path.Join(reportDir, reportPath(campaignId)))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	dec := gob.NewDecoder(r)
	arch := &ReportArchive{}
	for {
		var record reportRecord
		err := dec.Decode(&record)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if record.Header != nil {
			arch.Header = record.Header
		} else if record.Report != nil {
			arch.Reports = append(arch.Reports, record.Report)
		}
	}
	return arch, nil
}

// ListReportArchives returns the campaign IDs of all archives under
// reportDir, in no particular order.
func ListReportArchives(reportDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(reportDir, "*", "*.crash.gz"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), ".crash.gz"))
	}
	return ids, nil
}

// printableInput renders up to max input bytes for logs and views,
// replacing non-printable bytes with dots.
func printableInput(input []byte, max int) string {
	n := len(input)
	truncated := false
	if n > max {
		n = max
		truncated = true
	}
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		c := input[i]
		if c >= 0x20 && c < 0x7f {
			b[i] = c
		} else {
			b[i] = '.'
		}
	}
	if truncated {
		return string(b) + "..."
	}
	return string(b)
}
