package honggfuzz

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore(time.Hour)
	s, err := NewServer(&ServerConfig{Addr: "localhost:0"}, store, store, store)
	if err != nil {
		t.Fatal("NewServer: ", err)
	}
	return s, store
}

func getBody(t *testing.T, url string, wantStatus int) []byte {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal("GET: ", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: want status %d, got %d", url, wantStatus, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal("ReadAll: ", err)
	}
	return body
}

func TestServerApiCampaigns(t *testing.T) {
	s, store := newTestServer(t)
	status := &CampaignStatus{
		CampaignId: "camp-1",
		Target:     "pngparse",
		Updated:    time.Now(),
		Execs:      12345,
	}
	if err := store.UpdateCampaign(context.Background(), status); err != nil {
		t.Fatal("UpdateCampaign: ", err)
	}
	ts := httptest.NewServer(s.loggingHandler(s.createMux()))
	defer ts.Close()

	var cs []*CampaignStatus
	if err := json.Unmarshal(getBody(t, ts.URL+"/fuzz/api/campaigns", http.StatusOK), &cs); err != nil {
		t.Fatal("Unmarshal: ", err)
	}
	if len(cs) != 1 || cs[0].CampaignId != "camp-1" {
		t.Errorf("unexpected campaign list: %+v", cs)
	}
	var c CampaignStatus
	if err := json.Unmarshal(getBody(t, ts.URL+"/fuzz/api/campaigns/camp-1", http.StatusOK), &c); err != nil {
		t.Fatal("Unmarshal: ", err)
	}
	if c.Target != "pngparse" || c.Execs != 12345 {
		t.Errorf("unexpected campaign: %+v", c)
	}
	getBody(t, ts.URL+"/fuzz/api/campaigns/no-such-campaign", http.StatusNotFound)
}

func TestServerApiReports(t *testing.T) {
	s, store := newTestServer(t)
	rep := NewCrashReport("camp-1", "pngparse", CrashPanic, "slice bounds out of range", []byte("crash-input"))
	if _, err := store.StoreNewReport(context.Background(), rep); err != nil {
		t.Fatal("StoreNewReport: ", err)
	}
	ts := httptest.NewServer(s.loggingHandler(s.createMux()))
	defer ts.Close()

	var views []*CrashView
	if err := json.Unmarshal(getBody(t, ts.URL+"/fuzz/api/reports", http.StatusOK), &views); err != nil {
		t.Fatal("Unmarshal: ", err)
	}
	if len(views) != 1 || views[0].Id != rep.Id {
		t.Fatalf("unexpected report list: %+v", views)
	}
	if want := fmt.Sprintf("%016x", rep.InputHash); views[0].InputHash != want {
		t.Errorf("want input hash %s, got %s", want, views[0].InputHash)
	}
	var view CrashView
	if err := json.Unmarshal(getBody(t, ts.URL+"/fuzz/api/reports/"+rep.Id, http.StatusOK), &view); err != nil {
		t.Fatal("Unmarshal: ", err)
	}
	if view.Kind != CrashPanic || view.InputLen != len("crash-input") {
		t.Errorf("unexpected report view: %+v", view)
	}
	input := getBody(t, ts.URL+"/fuzz/api/reports/"+rep.Id+"/input", http.StatusOK)
	if string(input) != "crash-input" {
		t.Errorf("want raw input %q, got %q", "crash-input", input)
	}
	var campaignViews []*CrashView
	if err := json.Unmarshal(getBody(t, ts.URL+"/fuzz/api/campaigns/camp-1/reports", http.StatusOK), &campaignViews); err != nil {
		t.Fatal("Unmarshal: ", err)
	}
	if len(campaignViews) != 1 {
		t.Errorf("want 1 campaign report, got %d", len(campaignViews))
	}
	getBody(t, ts.URL+"/fuzz/api/reports/no-such-report", http.StatusNotFound)
}

func TestServerDashboardHtml(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	status := &CampaignStatus{CampaignId: "11112222-3333-4444-5555-666677778888", Target: "pngparse", Updated: time.Now()}
	if err := store.UpdateCampaign(ctx, status); err != nil {
		t.Fatal("UpdateCampaign: ", err)
	}
	rep := NewCrashReport(status.CampaignId, "pngparse", CrashSignal, "segmentation fault", []byte("bad\x00bytes"))
	if _, err := store.StoreNewReport(ctx, rep); err != nil {
		t.Fatal("StoreNewReport: ", err)
	}
	ts := httptest.NewServer(s.loggingHandler(s.createMux()))
	defer ts.Close()

	// "/" redirects to the dashboard.
	body := string(getBody(t, ts.URL+"/", http.StatusOK))
	if !strings.Contains(body, "honggfuzz") || !strings.Contains(body, "pngparse") {
		t.Errorf("dashboard is missing expected content:\n%s", body)
	}
	if !strings.Contains(body, "bad.bytes") {
		t.Error("dashboard does not show the printable crash input")
	}
	body = string(getBody(t, ts.URL+"/fuzz/campaigns/"+status.CampaignId, http.StatusOK))
	if !strings.Contains(body, "segmentation fault") {
		t.Errorf("campaign page is missing the crash message:\n%s", body)
	}
	getBody(t, ts.URL+"/fuzz/campaigns/no-such-campaign", http.StatusNotFound)
}

func TestServerStatusz(t *testing.T) {
	s, store := newTestServer(t)
	if err := store.UpdateCampaign(context.Background(), &CampaignStatus{CampaignId: "camp-1", Updated: time.Now()}); err != nil {
		t.Fatal("UpdateCampaign: ", err)
	}
	ts := httptest.NewServer(s.loggingHandler(s.createMux()))
	defer ts.Close()

	// Warm up the request counter.
	getBody(t, ts.URL+"/fuzz/api/campaigns", http.StatusOK)
	var resp StatuszResponse
	if err := json.Unmarshal(getBody(t, ts.URL+"/statusz", http.StatusOK), &resp); err != nil {
		t.Fatal("Unmarshal: ", err)
	}
	if resp.NumCampaigns != 1 {
		t.Errorf("want 1 campaign, got %d", resp.NumCampaigns)
	}
	found := false
	for _, c := range resp.Counters {
		if c.Name == "/server/requests" && c.Value >= 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("statusz is missing the request counter: %+v", resp.Counters)
	}
}

func TestServerSSEInitialEvent(t *testing.T) {
	s, store := newTestServer(t)
	if err := store.UpdateCampaign(context.Background(), &CampaignStatus{CampaignId: "camp-1", Target: "pngparse", Updated: time.Now()}); err != nil {
		t.Fatal("UpdateCampaign: ", err)
	}
	ts := httptest.NewServer(s.loggingHandler(s.createMux()))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/fuzz/sse/camp-1")
	if err != nil {
		t.Fatal("GET: ", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("want text/event-stream, got %q", ct)
	}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev StatusEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("cannot unmarshal event %q: %s", line, err)
		}
		if ev.Campaign == nil || ev.Campaign.CampaignId != "camp-1" {
			t.Errorf("unexpected initial event: %+v", ev)
		}
		return
	}
	t.Fatal("no SSE event received")
}
