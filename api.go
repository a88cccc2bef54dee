package honggfuzz

import (
	"fmt"
	"time"
)

// JSON types shared between the fuzzer, the stores, and the dashboard
// server.

// CampaignStatus is the dashboard's view of one fuzzing campaign. Fuzzing
// processes periodically write it to the campaign store.
type CampaignStatus struct {
	CampaignId  string    `json:"campaignId"`
	Target      string    `json:"target"`
	Started     time.Time `json:"started"`
	Updated     time.Time `json:"updated"`
	Execs       int64     `json:"execs"`
	ExecsPerSec float64   `json:"execsPerSec"`
	// Crashes counts crashing executions, including duplicates.
	Crashes       int64 `json:"crashes"`
	Timeouts      int64 `json:"timeouts"`
	UniqueCrashes int64 `json:"uniqueCrashes"`
	CorpusLen     int   `json:"corpusLen"`
	CorpusBytes   int64 `json:"corpusBytes"`
	Finished      bool  `json:"finished,omitempty"`
}

// CrashView is the JSON rendering of a crash report. The raw input is
// reduced to a printable preview plus its hash; the full bytes live in the
// report archive.
type CrashView struct {
	Id         string    `json:"id"`
	CampaignId string    `json:"campaignId"`
	Target     string    `json:"target"`
	Kind       CrashKind `json:"kind"`
	Message    string    `json:"message"`
	Input      string    `json:"input"`
	InputLen   int       `json:"inputLen"`
	InputHash  string    `json:"inputHash"`
	Time       time.Time `json:"time"`
}

const crashViewInputPreview = 64

func NewCrashView(r *CrashReport) *CrashView {
	return &CrashView{
		Id:         r.Id,
		CampaignId: r.CampaignId,
		Target:     r.Target,
		Kind:       r.Kind,
		Message:    r.Message,
		Input:      printableInput(r.Input, crashViewInputPreview),
		InputLen:   len(r.Input),
		InputHash:  fmt.Sprintf("%016x", r.InputHash),
		Time:       r.Time,
	}
}

// StatusEvent is what dashboard clients receive on their SSE connection.
type StatusEvent struct {
	Timestamp     time.Time       `json:"timestamp"`
	Campaign      *CampaignStatus `json:"campaign,omitempty"`
	Crash         *CrashView      `json:"crash,omitempty"`
	Announcements []string        `json:"announcements,omitempty"`
	LastEvent     bool            `json:"lastEvent,omitempty"` // Signals to clients that this is the last event they will receive.
}

// Serialization of counters and distributions for /statusz.

type CounterView struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

func NewCounterView(c *Counter) CounterView {
	return CounterView{Name: c.Name(), Value: c.Value()}
}

type DistributionView struct {
	Name  string  `json:"name"`
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

func NewDistributionView(d *Distribution) DistributionView {
	d = d.Copy()
	v := DistributionView{
		Name:  d.name,
		Count: d.totalCount,
		Sum:   d.sum,
	}
	// min and max are infinities while the distribution is empty, and
	// encoding/json refuses those.
	if d.totalCount > 0 {
		v.Min = d.min
		v.Max = d.max
		v.Mean = d.sum / float64(d.totalCount)
	}
	return v
}

type StatuszResponse struct {
	Started       time.Time          `json:"started"`
	Uptime        string             `json:"uptime"`
	NumCampaigns  int                `json:"numCampaigns"`
	Counters      []CounterView      `json:"counters"`
	Distributions []DistributionView `json:"distributions"`
}
