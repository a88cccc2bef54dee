package honggfuzz

// The dashboard server. It serves campaign status over HTTP: an HTML
// dashboard, a JSON API, and SSE streams with live campaign events.
// Campaign and report data come from the configured stores, so the server
// works the same whether the fuzzing happens in-process (cmd/fuzz with
// -addr) or on a fleet of machines sharing a Redis or PostgreSQL store
// (cmd/server).

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kingjohntom/honggfuzz/hlog"
)

type ServerConfig struct {
	Addr string

	TlsCertChain string
	TlsPrivKey   string

	// CampaignTTL is how long campaigns stay on the dashboard after their
	// last update.
	CampaignTTL time.Duration
	// ListLimit caps the number of campaigns and reports in list views.
	ListLimit int
}

type Server struct {
	config    *ServerConfig
	campaigns CampaignStore
	reports   ReportStore
	events    EventBus
	renderer  *Renderer
	started   time.Time

	// Request counters and latency distributions, created on first use.
	countersMut sync.Mutex
	counters    map[string]*Counter
	distribMut  sync.Mutex
	distrib     map[string]*Distribution
}

func NewServer(config *ServerConfig, campaigns CampaignStore, reports ReportStore, events EventBus) (*Server, error) {
	renderer, err := NewRenderer()
	if err != nil {
		return nil, err
	}
	if config.ListLimit <= 0 {
		config.ListLimit = 100
	}
	return &Server{
		config:    config,
		campaigns: campaigns,
		reports:   reports,
		events:    events,
		renderer:  renderer,
		started:   time.Now(),
		counters:  make(map[string]*Counter),
		distrib:   make(map[string]*Distribution),
	}, nil
}

func (s *Server) Counter(name string) *Counter {
	s.countersMut.Lock()
	defer s.countersMut.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c := NewCounter(name)
	s.counters[name] = c
	return c
}

func (s *Server) IncCounter(name string) {
	s.Counter(name).Increment()
}

func (s *Server) AddDistribValue(name string, value float64) {
	s.distribMut.Lock()
	d, ok := s.distrib[name]
	if !ok {
		d = mustDistribution(name, DistribRange(1e-6, 60, 2))
		s.distrib[name] = d
	}
	s.distribMut.Unlock()
	d.Add(value)
}

func (s *Server) loggingHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hlog.Infof("Incoming request: %s %s %s", r.RemoteAddr, r.Method, r.URL.String())
		started := time.Now()
		h.ServeHTTP(w, r)
		s.IncCounter("/server/requests")
		s.AddDistribValue("/server/request/seconds", time.Since(started).Seconds())
	})
}

// Returns the last path segment of requests below /fuzz, e.g. the campaign
// ID of "/fuzz/sse/<campaignId>".
func campaignIdFromPath(path string) string {
	pathSegs := strings.Split(path, "/")
	l := len(pathSegs)
	if l >= 2 && pathSegs[1] == "fuzz" {
		return pathSegs[l-1]
	}
	return ""
}

func shortId(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (s *Server) writeJson(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, "Serialization error", http.StatusInternalServerError)
		panic(fmt.Sprintf("Cannot serialize my own structs?! %s", err))
	}
}

// Rows for the HTML templates, with numbers preformatted for humans.

type campaignRow struct {
	CampaignId string
	ShortId    string
	Target     string
	Started    string
	Execs      string
	Rate       string
	Crashes    int64
	Unique     int64
	Corpus     string
	Updated    string
	Finished   bool
}

func newCampaignRow(c *CampaignStatus) campaignRow {
	return campaignRow{
		CampaignId: c.CampaignId,
		ShortId:    shortId(c.CampaignId),
		Target:     c.Target,
		Started:    c.Started.Format(time.RFC3339),
		Execs:      humanize.Comma(c.Execs),
		Rate:       humanize.CommafWithDigits(c.ExecsPerSec, 1) + "/s",
		Crashes:    c.Crashes,
		Unique:     c.UniqueCrashes,
		Corpus:     fmt.Sprintf("%d inputs, %s", c.CorpusLen, humanize.IBytes(uint64(c.CorpusBytes))),
		Updated:    humanize.Time(c.Updated),
		Finished:   c.Finished,
	}
}

func campaignRows(cs []*CampaignStatus) []campaignRow {
	rows := make([]campaignRow, len(cs))
	for i, c := range cs {
		rows[i] = newCampaignRow(c)
	}
	return rows
}

type crashRow struct {
	Id         string
	ShortId    string
	CampaignId string
	Campaign   string
	Kind       CrashKind
	Message    string
	Input      string
	Time       string
}

func crashRows(reports []*CrashReport) []crashRow {
	rows := make([]crashRow, len(reports))
	for i, r := range reports {
		rows[i] = crashRow{
			Id:         r.Id,
			ShortId:    shortId(r.Id),
			CampaignId: r.CampaignId,
			Campaign:   shortId(r.CampaignId),
			Kind:       r.Kind,
			Message:    r.Message,
			Input:      printableInput(r.Input, 40),
			Time:       humanize.Time(r.Time),
		}
	}
	return rows
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	cs, err := s.campaigns.ListRecentCampaigns(r.Context(), s.config.ListLimit)
	if err != nil {
		hlog.Errorf("Cannot list campaigns: %s", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	reports, err := s.reports.ListRecentReports(r.Context(), 10)
	if err != nil {
		hlog.Errorf("Cannot list reports: %s", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	data := map[string]any{
		"Campaigns": campaignRows(cs),
		"Reports":   crashRows(reports),
	}
	if err := s.renderer.Render(w, dashboardHtmlFilename, data); err != nil {
		hlog.Errorf("Cannot render dashboard: %s", err)
		http.Error(w, "", http.StatusInternalServerError)
	}
}

func (s *Server) handleCampaignPage(w http.ResponseWriter, r *http.Request) {
	campaignId := campaignIdFromPath(r.URL.Path)
	c, err := s.campaigns.LookupCampaign(r.Context(), campaignId)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "No such campaign", http.StatusNotFound)
			return
		}
		hlog.Errorf("Cannot look up campaign %s: %s", campaignId, err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	reports, err := s.reports.ListCampaignReports(r.Context(), campaignId)
	if err != nil {
		hlog.Errorf("Cannot list reports for campaign %s: %s", campaignId, err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	data := map[string]any{
		"Campaign": newCampaignRow(c),
		"Reports":  crashRows(reports),
	}
	if err := s.renderer.Render(w, campaignHtmlFilename, data); err != nil {
		hlog.Errorf("Cannot render campaign page: %s", err)
		http.Error(w, "", http.StatusInternalServerError)
	}
}

func (s *Server) handleApiCampaigns(w http.ResponseWriter, r *http.Request) {
	cs, err := s.campaigns.ListRecentCampaigns(r.Context(), s.config.ListLimit)
	if err != nil {
		hlog.Errorf("Cannot list campaigns: %s", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	s.writeJson(w, cs)
}

// Serves both /fuzz/api/campaigns/<id> and /fuzz/api/campaigns/<id>/reports.
func (s *Server) handleApiCampaign(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if campaignId, ok := strings.CutSuffix(path, "/reports"); ok {
		reports, err := s.reports.ListCampaignReports(r.Context(), campaignIdFromPath(campaignId))
		if err != nil {
			hlog.Errorf("Cannot list campaign reports: %s", err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		views := make([]*CrashView, len(reports))
		for i, rep := range reports {
			views[i] = NewCrashView(rep)
		}
		s.writeJson(w, views)
		return
	}
	c, err := s.campaigns.LookupCampaign(r.Context(), campaignIdFromPath(path))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "No such campaign", http.StatusNotFound)
			return
		}
		hlog.Errorf("Cannot look up campaign: %s", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	s.writeJson(w, c)
}

func (s *Server) handleApiReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.reports.ListRecentReports(r.Context(), s.config.ListLimit)
	if err != nil {
		hlog.Errorf("Cannot list reports: %s", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	views := make([]*CrashView, len(reports))
	for i, rep := range reports {
		views[i] = NewCrashView(rep)
	}
	s.writeJson(w, views)
}

// Serves /fuzz/api/reports/<id> as a CrashView and
// /fuzz/api/reports/<id>/input as the raw input bytes.
func (s *Server) handleApiReport(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	rawInput := false
	if p, ok := strings.CutSuffix(path, "/input"); ok {
		rawInput = true
		path = p
	}
	rep, err := s.reports.LookupReport(r.Context(), campaignIdFromPath(path))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "No such report", http.StatusNotFound)
			return
		}
		hlog.Errorf("Cannot look up report: %s", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if rawInput {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", inputFilename(rep.InputHash)))
		w.Write(rep.Input)
		return
	}
	s.writeJson(w, NewCrashView(rep))
}

func sendSSEEvent(w http.ResponseWriter, ev *StatusEvent) error {
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(ev); err != nil {
		panic(fmt.Sprintf("Cannot serialize my own structs?! %s", err))
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", buf.String()); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	campaignId := campaignIdFromPath(r.URL.Path)
	if campaignId == "" {
		http.Error(w, "Invalid campaign ID", http.StatusBadRequest)
		return
	}
	status, err := s.campaigns.LookupCampaign(r.Context(), campaignId)
	if err != nil {
		http.Error(w, "No such campaign", http.StatusNotFound)
		return
	}
	s.IncCounter("/server/sse/connections")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	// Send the current status so clients have a baseline before the first
	// published event arrives.
	if err := sendSSEEvent(w, &StatusEvent{Timestamp: time.Now(), Campaign: status}); err != nil {
		hlog.Errorf("Cannot send initial StatusEvent: %s", err)
		return
	}
	// Campaign events arrive on the bus as pre-serialized StatusEvent
	// JSON, so they are relayed verbatim.
	eventCh := make(chan string)
	go s.events.Subscribe(r.Context(), campaignId, eventCh)
	for {
		select {
		case e, ok := <-eventCh:
			if !ok {
				sendSSEEvent(w, &StatusEvent{Timestamp: time.Now(), LastEvent: true})
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", e); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case <-r.Context().Done():
			hlog.Infof("SSE connection for campaign %s closed", campaignId)
			return
		}
	}
}

func (s *Server) handleStatusz(w http.ResponseWriter, r *http.Request) {
	var resp StatuszResponse
	resp.Started = s.started
	resp.Uptime = time.Since(s.started).Round(time.Second).String()
	if cs, err := s.campaigns.ListRecentCampaigns(r.Context(), s.config.ListLimit); err == nil {
		resp.NumCampaigns = len(cs)
	}
	s.countersMut.Lock()
	for _, c := range s.counters {
		resp.Counters = append(resp.Counters, NewCounterView(c))
	}
	s.countersMut.Unlock()
	sort.Slice(resp.Counters, func(i, j int) bool { return resp.Counters[i].Name < resp.Counters[j].Name })
	s.distribMut.Lock()
	for _, d := range s.distrib {
		resp.Distributions = append(resp.Distributions, NewDistributionView(d))
	}
	s.distribMut.Unlock()
	sort.Slice(resp.Distributions, func(i, j int) bool { return resp.Distributions[i].Name < resp.Distributions[j].Name })
	s.writeJson(w, &resp)
}

func (s *Server) defaultHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		http.Redirect(w, r, "/fuzz", http.StatusSeeOther)
		return
	}
	http.Error(w, "", http.StatusNotFound)
}

func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()
	// JSON API
	mux.HandleFunc("/fuzz/api/campaigns", s.handleApiCampaigns)
	mux.HandleFunc("/fuzz/api/campaigns/", s.handleApiCampaign)
	mux.HandleFunc("/fuzz/api/reports", s.handleApiReports)
	mux.HandleFunc("/fuzz/api/reports/", s.handleApiReport)
	// Server-sent event handling
	mux.HandleFunc("/fuzz/sse/", s.handleSSE)
	// HTML views
	mux.HandleFunc("/fuzz", s.handleDashboard)
	mux.HandleFunc("/fuzz/campaigns/", s.handleCampaignPage)
	// Technical services
	mux.HandleFunc("/statusz", s.handleStatusz)

	mux.HandleFunc("/", s.defaultHandler)
	return mux
}

func (s *Server) Serve() {
	srv := &http.Server{
		Addr:    s.config.Addr,
		Handler: s.loggingHandler(s.createMux()),
	}
	hlog.Infof("Dashboard listening on %s", srv.Addr)
	if s.config.TlsCertChain != "" && s.config.TlsPrivKey != "" {
		hlog.Fatalf("server: %s", srv.ListenAndServeTLS(s.config.TlsCertChain, s.config.TlsPrivKey))
	}
	hlog.Fatalf("server: %s", srv.ListenAndServe())
}

// PublishStatus periodically writes f's status to the campaign store and
// publishes StatusEvents on the bus until ctx is done. Novel crash reports
// are stored and published as they appear. Call it in a goroutine next to
// Fuzzer.Run and cancel ctx once Run returned; the final update then shows
// the campaign as finished.
func PublishStatus(ctx context.Context, f *Fuzzer, campaigns CampaignStore, reports ReportStore, events EventBus, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	published := 0
	publish := func(ctx context.Context) {
		status := f.Status()
		if err := campaigns.UpdateCampaign(ctx, status); err != nil {
			hlog.Errorf("Cannot update campaign %s: %s", f.CampaignId(), err)
		}
		rs := f.Reports()
		for _, rep := range rs[published:] {
			if _, err := reports.StoreNewReport(ctx, rep); err != nil {
				hlog.Errorf("Cannot store report %s: %s", rep.Id, err)
			}
			events.Publish(ctx, f.CampaignId(), marshalEvent(&StatusEvent{
				Timestamp: time.Now(),
				Crash:     NewCrashView(rep),
			}))
		}
		published = len(rs)
		events.Publish(ctx, f.CampaignId(), marshalEvent(&StatusEvent{
			Timestamp: time.Now(),
			Campaign:  status,
			LastEvent: status.Finished,
		}))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			publish(ctx)
		case <-ctx.Done():
			// One final update, detached from the canceled context.
			publish(context.Background())
			return
		}
	}
}

func marshalEvent(ev *StatusEvent) string {
	data, err := json.Marshal(ev)
	if err != nil {
		panic(fmt.Sprintf("Cannot serialize my own structs?! %s", err))
	}
	return string(data)
}
