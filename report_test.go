package honggfuzz

import (
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestReportPath(t *testing.T) {
	tests := []struct {
		name       string
		campaignId string
		want       string
	}{
		{"lowercase", "abcdef", "AB/abcdef.crash.gz"},
		{"uppercase", "ABCDEF", "AB/ABCDEF.crash.gz"},
		{"empty", "", "_/_.crash.gz"},
		{"short", "a", "A/a.crash.gz"},
		{"two", "ab", "AB/ab.crash.gz"},
		{"uuid", "b3f02c9e-0d4a-4d7e-8991-6d41b26c5b3a", "B3/b3f02c9e-0d4a-4d7e-8991-6d41b26c5b3a.crash.gz"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := reportPath(test.campaignId); got != test.want {
				t.Errorf("Unexpected path for campaignId: want: %q, got: %q", test.want, got)
			}
		})
	}
}

func TestReportArchiveRoundtrip(t *testing.T) {
	dir := t.TempDir()
	const campaignId = "testcampaign"
	w, err := NewReportWriter(dir, campaignId)
	if err != nil {
		t.Fatal(err)
	}
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	header := &ArchiveHeader{CampaignId: campaignId, Target: "parser", Started: started}
	if err := w.WriteHeader(header); err != nil {
		t.Fatal(err)
	}
	reports := []*CrashReport{
		NewCrashReport(campaignId, "parser", CrashPanic, "index out of range", []byte("bad\x00input")),
		NewCrashReport(campaignId, "parser", CrashTimeout, "deadline exceeded", []byte("slow input")),
	}
	for _, rep := range reports {
		if err := w.Write(rep); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	arch, err := ReadReportArchive(dir, campaignId)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(header, arch.Header); diff != "" {
		t.Errorf("Header mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(reports, arch.Reports); diff != "" {
		t.Errorf("Reports mismatch (-want +got):\n%s", diff)
	}
}

func TestListReportArchives(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"alpha", "beta", "al-second"} {
		w, err := NewReportWriter(dir, id)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := ListReportArchives(dir)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(ids)
	want := []string{"al-second", "alpha", "beta"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("Archive list mismatch (-want +got):\n%s", diff)
	}
}

func TestReportWriterHeaderMustComeFirst(t *testing.T) {
	dir := t.TempDir()
	w, err := NewReportWriter(dir, "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Write(NewCrashReport("c1", "t", CrashExit, "exit status 1", nil)); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteHeader(&ArchiveHeader{CampaignId: "c1"}); err == nil {
		t.Error("WriteHeader after Write did not fail")
	}
}

func TestReportWriterNilReceiver(t *testing.T) {
	var w *ReportWriter
	if err := w.WriteHeader(&ArchiveHeader{}); err != nil {
		t.Errorf("nil WriteHeader: %v", err)
	}
	if err := w.Write(&CrashReport{}); err != nil {
		t.Errorf("nil Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

func TestNewCrashReport(t *testing.T) {
	input := []byte("crashing input")
	r := NewCrashReport("camp", "parser", CrashSignal, "SIGSEGV", input)
	if r.Id == "" {
		t.Error("report has no id")
	}
	if r.InputHash != Hash64(input) {
		t.Errorf("InputHash = %#x, want %#x", r.InputHash, Hash64(input))
	}
	if r.Time.IsZero() {
		t.Error("report has no timestamp")
	}
	// The report must hold its own copy of the input.
	input[0] = 'X'
	if r.Input[0] == 'X' {
		t.Error("report aliases the caller's input buffer")
	}
}

func TestPrintableInput(t *testing.T) {
	tests := []struct {
		input []byte
		max   int
		want  string
	}{
		{[]byte("plain"), 10, "plain"},
		{[]byte("with\x00null"), 10, "with.null"},
		{[]byte("\x01\x02ab\xff"), 10, "..ab."},
		{[]byte("truncate me"), 8, "truncate..."},
		{nil, 4, ""},
	}
	for _, tc := range tests {
		if got := printableInput(tc.input, tc.max); got != tc.want {
			t.Errorf("printableInput(%q, %d) = %q, want %q", tc.input, tc.max, got, tc.want)
		}
	}
}
