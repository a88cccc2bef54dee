package honggfuzz

// Contains interfaces and the in-memory implementation for storing campaign
// data. A single-process fuzzing run keeps everything in memory. Fuzzing
// farms with several machines and a shared dashboard use the hfmem (Redis)
// or hfsql (PostgreSQL) implementations instead.

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by lookups for unknown campaign or report IDs.
// Store implementations translate their backend's miss into this error.
var ErrNotFound = errors.New("not found")

type ReportStore interface {
	// StoreNewReport stores r unless a report with the same ID exists.
	StoreNewReport(ctx context.Context, r *CrashReport) (bool, error)
	LookupReport(ctx context.Context, reportId string) (*CrashReport, error)
	// ListRecentReports returns up to limit reports, newest first.
	ListRecentReports(ctx context.Context, limit int) ([]*CrashReport, error)
	// ListCampaignReports returns the campaign's reports, newest first.
	ListCampaignReports(ctx context.Context, campaignId string) ([]*CrashReport, error)
}

type CampaignStore interface {
	// UpdateCampaign inserts or overwrites the campaign's status.
	UpdateCampaign(ctx context.Context, status *CampaignStatus) error
	LookupCampaign(ctx context.Context, campaignId string) (*CampaignStatus, error)
	// ListRecentCampaigns returns up to limit campaigns, most recently
	// updated first.
	ListRecentCampaigns(ctx context.Context, limit int) ([]*CampaignStatus, error)
}

// An EventBus distributes campaign events to dashboard subscribers.
type EventBus interface {
	Publish(ctx context.Context, campaignId string, event string) error
	// Subscribe forwards events for campaignId to ch until ctx is done,
	// then closes ch.
	Subscribe(ctx context.Context, campaignId string, ch chan<- string)
}

const maxStoredReports = 10000

// A MemoryStore keeps the campaigns and crash reports of a single fuzzing
// process. Campaigns expire campaignTTL after their last update. Reports are
// capped; the oldest ones get evicted.
type MemoryStore struct {
	mut         sync.Mutex
	campaigns   map[string]*CampaignStatus
	reports     map[string]*CrashReport
	reportOrder []string // report IDs, oldest first
	subs        map[string][]chan string
	campaignTTL time.Duration
	maxReports  int
	lastCleanup time.Time
}

func NewMemoryStore(campaignTTL time.Duration) *MemoryStore {
	if campaignTTL <= 0 {
		campaignTTL = 24 * time.Hour
	}
	return &MemoryStore{
		campaigns:   make(map[string]*CampaignStatus),
		reports:     make(map[string]*CrashReport),
		subs:        make(map[string][]chan string),
		campaignTTL: campaignTTL,
		maxReports:  maxStoredReports,
	}
}

// Removes expired campaigns. Called with s.mut held.
func (s *MemoryStore) cleanup() {
	if time.Since(s.lastCleanup) < 1*time.Minute {
		return
	}
	now := time.Now()
	for id, c := range s.campaigns {
		if now.Sub(c.Updated) > s.campaignTTL {
			delete(s.campaigns, id)
		}
	}
	s.lastCleanup = now
}

func (s *MemoryStore) StoreNewReport(ctx context.Context, r *CrashReport) (bool, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, ok := s.reports[r.Id]; ok {
		return false, nil
	}
	if len(s.reportOrder) >= s.maxReports {
		// A dashboard lists recent findings, so evict the oldest.
		oldest := s.reportOrder[0]
		s.reportOrder = s.reportOrder[1:]
		delete(s.reports, oldest)
	}
	s.reports[r.Id] = r
	s.reportOrder = append(s.reportOrder, r.Id)
	return true, nil
}

func (s *MemoryStore) LookupReport(ctx context.Context, reportId string) (*CrashReport, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	r, ok := s.reports[reportId]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListRecentReports(ctx context.Context, limit int) ([]*CrashReport, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	reports := make([]*CrashReport, 0, limit)
	for i := len(s.reportOrder) - 1; i >= 0 && len(reports) < limit; i-- {
		reports = append(reports, s.reports[s.reportOrder[i]])
	}
	return reports, nil
}

func (s *MemoryStore) ListCampaignReports(ctx context.Context, campaignId string) ([]*CrashReport, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	var reports []*CrashReport
	for i := len(s.reportOrder) - 1; i >= 0; i-- {
		r := s.reports[s.reportOrder[i]]
		if r.CampaignId == campaignId {
			reports = append(reports, r)
		}
	}
	return reports, nil
}

func (s *MemoryStore) UpdateCampaign(ctx context.Context, status *CampaignStatus) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.cleanup()
	// Store a copy, callers tend to reuse their status structs.
	cp := *status
	s.campaigns[status.CampaignId] = &cp
	return nil
}

func (s *MemoryStore) LookupCampaign(ctx context.Context, campaignId string) (*CampaignStatus, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.cleanup()
	c, ok := s.campaigns[campaignId]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListRecentCampaigns(ctx context.Context, limit int) ([]*CampaignStatus, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	cs := make([]*CampaignStatus, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].Updated.After(cs[j].Updated) })
	if len(cs) > limit {
		cs = cs[:limit]
	}
	return cs, nil
}

func (s *MemoryStore) Publish(ctx context.Context, campaignId string, event string) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, relay := range s.subs[campaignId] {
		select {
		case relay <- event:
		default:
			// Slow subscriber: drop the event rather than stall the
			// campaign.
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, campaignId string, ch chan<- string) {
	relay := make(chan string, 16)
	s.mut.Lock()
	s.subs[campaignId] = append(s.subs[campaignId], relay)
	s.mut.Unlock()
	defer func() {
		s.mut.Lock()
		subs := s.subs[campaignId]
		for i, c := range subs {
			if c == relay {
				s.subs[campaignId] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(s.subs[campaignId]) == 0 {
			delete(s.subs, campaignId)
		}
		s.mut.Unlock()
		close(ch)
	}()
	for {
		select {
		case event := <-relay:
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
