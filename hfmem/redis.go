// Package hfmem provides Redis-backed campaign stores. Several fuzzer
// processes on different machines report into one Redis instance and a
// shared dashboard reads from it. Campaign statuses and crash reports are
// stored as JSON values with a TTL; listings go through sorted sets keyed
// by update time.
package hfmem

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/kingjohntom/honggfuzz"
	"github.com/kingjohntom/honggfuzz/hlog"
)

type RedisClientConfig struct {
	Addr string
	DB   int
	// CampaignTTL bounds how long a campaign stays listed after its last
	// status update. Defaults to 24 hours.
	CampaignTTL time.Duration
	// ReportTTL bounds how long crash reports are kept. Defaults to 7 days.
	ReportTTL time.Duration
}

type RedisClient struct {
	client *redis.Client
	config RedisClientConfig
}

func NewRedisClient(config *RedisClientConfig) (*RedisClient, error) {
	cfg := *config
	if cfg.CampaignTTL <= 0 {
		cfg.CampaignTTL = 24 * time.Hour
	}
	if cfg.ReportTTL <= 0 {
		cfg.ReportTTL = 7 * 24 * time.Hour
	}
	c := &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr: cfg.Addr,
			DB:   cfg.DB,
		}),
		config: cfg,
	}
	// Fuzzers and Redis usually get started together, so give Redis a
	// moment to come up.
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(c.Ping, b); err != nil {
		return nil, fmt.Errorf("cannot reach Redis at %s: %w", cfg.Addr, err)
	}
	hlog.Infof("Connected to Redis at %s", c.client.Options().Addr)
	return c, nil
}

func (c *RedisClient) Ping() error {
	return c.client.Ping(context.Background()).Err()
}

func (c *RedisClient) Close() error {
	return c.client.Close()
}

func (c *RedisClient) UpdateCampaign(ctx context.Context, status *honggfuzz.CampaignStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, "campaign:"+status.CampaignId, data, c.config.CampaignTTL).Err(); err != nil {
		return err
	}
	updated := status.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	return c.client.ZAdd(ctx, "recentcampaigns", redis.Z{
		Score:  float64(updated.UnixMilli()),
		Member: status.CampaignId,
	}).Err()
}

func (c *RedisClient) LookupCampaign(ctx context.Context, campaignId string) (*honggfuzz.CampaignStatus, error) {
	data, err := c.client.Get(ctx, "campaign:"+campaignId).Bytes()
	if err == redis.Nil {
		return nil, honggfuzz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	status := &honggfuzz.CampaignStatus{}
	if err := json.Unmarshal(data, status); err != nil {
		return nil, err
	}
	return status, nil
}

func (c *RedisClient) ListRecentCampaigns(ctx context.Context, limit int) ([]*honggfuzz.CampaignStatus, error) {
	minScore := time.Now().Add(-c.config.CampaignTTL).UnixMilli()
	ids, err := c.client.ZRevRangeByScore(ctx, "recentcampaigns", &redis.ZRangeBy{
		Min:   fmt.Sprintf("%d", minScore),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	cs := make([]*honggfuzz.CampaignStatus, 0, len(ids))
	for _, id := range ids {
		status, err := c.LookupCampaign(ctx, id)
		if err == honggfuzz.ErrNotFound {
			// The value expired, only the index entry is left.
			continue
		}
		if err != nil {
			return nil, err
		}
		cs = append(cs, status)
	}
	c.trimIndex(ctx, "recentcampaigns", int64(2*limit))
	return cs, nil
}

func (c *RedisClient) StoreNewReport(ctx context.Context, r *honggfuzz.CrashReport) (bool, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return false, err
	}
	ok, err := c.client.SetNX(ctx, "report:"+r.Id, data, c.config.ReportTTL).Result()
	if err != nil || !ok {
		return false, err
	}
	z := redis.Z{Score: float64(r.Time.UnixMilli()), Member: r.Id}
	if err := c.client.ZAdd(ctx, "recentreports", z).Err(); err != nil {
		return true, err
	}
	if err := c.client.ZAdd(ctx, "reports:"+r.CampaignId, z).Err(); err != nil {
		return true, err
	}
	// The per-campaign index dies with its reports.
	return true, c.client.Expire(ctx, "reports:"+r.CampaignId, c.config.ReportTTL).Err()
}

func (c *RedisClient) LookupReport(ctx context.Context, reportId string) (*honggfuzz.CrashReport, error) {
	data, err := c.client.Get(ctx, "report:"+reportId).Bytes()
	if err == redis.Nil {
		return nil, honggfuzz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r := &honggfuzz.CrashReport{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *RedisClient) ListRecentReports(ctx context.Context, limit int) ([]*honggfuzz.CrashReport, error) {
	minScore := time.Now().Add(-c.config.ReportTTL).UnixMilli()
	ids, err := c.client.ZRevRangeByScore(ctx, "recentreports", &redis.ZRangeBy{
		Min:   fmt.Sprintf("%d", minScore),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	reports := make([]*honggfuzz.CrashReport, 0, len(ids))
	for _, id := range ids {
		r, err := c.LookupReport(ctx, id)
		if err == honggfuzz.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	c.trimIndex(ctx, "recentreports", int64(2*limit))
	return reports, nil
}

func (c *RedisClient) ListCampaignReports(ctx context.Context, campaignId string) ([]*honggfuzz.CrashReport, error) {
	ids, err := c.client.ZRevRange(ctx, "reports:"+campaignId, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	reports := make([]*honggfuzz.CrashReport, 0, len(ids))
	for _, id := range ids {
		r, err := c.LookupReport(ctx, id)
		if err == honggfuzz.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Keeps a listing index from growing forever. Only the newest n entries
// survive.
func (c *RedisClient) trimIndex(ctx context.Context, key string, n int64) {
	size, err := c.client.ZCard(ctx, key).Result()
	if err != nil || size <= n {
		return
	}
	if err := c.client.ZRemRangeByRank(ctx, key, 0, size-n-1).Err(); err != nil {
		hlog.Errorf("Failed to trim %s: %v", key, err)
	}
}

func (c *RedisClient) Publish(ctx context.Context, campaignId string, event string) error {
	return c.client.Publish(ctx, "sse:"+campaignId, event).Err()
}

func (c *RedisClient) Subscribe(ctx context.Context, campaignId string, ch chan<- string) {
	sub := c.client.Subscribe(ctx, "sse:"+campaignId)
	defer sub.Close()
	defer close(ch)
	for {
		select {
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			select {
			case ch <- msg.Payload:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
