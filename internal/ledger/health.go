package ledger

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const (
	balanceCacheKey = "sponsor:balance"
	statsCacheKey   = "sponsor:stats"
	balanceTTL      = 60 * time.Second
	statsTTL        = 24 * time.Hour

	// Average sponsored group costs ~0.002 of the native coin.
	microPerSponsoredTx = 2000
)

// Cache is the short-TTL store behind the monitor; redis in production, an
// in-memory map in tests.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type SponsorStats struct {
	SponsoredCount int64  `json:"sponsored_count"`
	FeesPaidMicro  uint64 `json:"fees_paid"`
	FailedCount    int64  `json:"failed_count"`
}

type Health struct {
	Healthy         bool         `json:"healthy"`
	Warning         bool         `json:"warning"`
	CanSponsor      bool         `json:"can_sponsor"`
	Balance         string       `json:"balance"`
	EstimatedTxs    int64        `json:"estimated_txs"`
	Stats           SponsorStats `json:"stats"`
	Recommendations []string     `json:"recommendations"`
}

// Monitor gates sponsored operations on the sponsor account's spendable
// balance. Balance reads are cached briefly; the ledger's own sequencing is
// authoritative, this cache only protects the node from hot-path reads.
type Monitor struct {
	client    Client
	cache     Cache
	address   string
	minMicro  uint64
	warnMicro uint64
}

func NewMonitor(client Client, cache Cache, address, minBalance, warnBalance string) *Monitor {
	return &Monitor{
		client:    client,
		cache:     cache,
		address:   address,
		minMicro:  toMicro(minBalance),
		warnMicro: toMicro(warnBalance),
	}
}

func toMicro(value string) uint64 {
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return 0
	}
	return uint64(parsed.Shift(6).IntPart())
}

func (m *Monitor) Check(ctx context.Context) (Health, error) {
	spendable, err := m.spendableMicro(ctx)
	if err != nil {
		return Health{}, err
	}
	health := Health{
		Healthy:      spendable >= m.warnMicro,
		Warning:      spendable < m.warnMicro && spendable >= m.minMicro,
		CanSponsor:   spendable >= m.minMicro,
		Balance:      decimal.NewFromUint64(spendable).Shift(-6).StringFixed(6),
		EstimatedTxs: int64(spendable / microPerSponsoredTx),
		Stats:        m.stats(ctx),
	}
	switch {
	case !health.CanSponsor:
		health.Recommendations = append(health.Recommendations, "sponsor balance below minimum; fund the sponsor account now")
	case health.Warning:
		health.Recommendations = append(health.Recommendations, "sponsor balance below warning threshold; schedule a top-up")
	}
	if health.Stats.FailedCount > 0 {
		health.Recommendations = append(health.Recommendations, "sponsored submissions have failed recently; check node connectivity")
	}
	return health, nil
}

// CanSponsor is the fast-path gate for the group builder.
func (m *Monitor) CanSponsor(ctx context.Context) (bool, error) {
	spendable, err := m.spendableMicro(ctx)
	if err != nil {
		return false, err
	}
	return spendable >= m.minMicro, nil
}

func (m *Monitor) RecordSponsored(ctx context.Context, feeMicro uint64) {
	stats := m.stats(ctx)
	stats.SponsoredCount++
	stats.FeesPaidMicro += feeMicro
	m.writeStats(ctx, stats)
	// The balance just moved; force a fresh read on the next check.
	if err := m.cache.Delete(ctx, balanceCacheKey); err != nil {
		log.Printf("sponsor monitor: balance cache invalidation failed: %v", err)
	}
}

func (m *Monitor) RecordFailed(ctx context.Context) {
	stats := m.stats(ctx)
	stats.FailedCount++
	m.writeStats(ctx, stats)
}

func (m *Monitor) spendableMicro(ctx context.Context) (uint64, error) {
	if cached, ok, err := m.cache.Get(ctx, balanceCacheKey); err == nil && ok {
		if value, parseErr := strconv.ParseUint(cached, 10, 64); parseErr == nil {
			return value, nil
		}
	}
	info, err := m.client.AccountInformation(ctx, m.address)
	if err != nil {
		return 0, err
	}
	spendable := uint64(0)
	if info.BalanceMicro > info.MinBalanceMicro {
		spendable = info.BalanceMicro - info.MinBalanceMicro
	}
	if err := m.cache.Set(ctx, balanceCacheKey, strconv.FormatUint(spendable, 10), balanceTTL); err != nil {
		log.Printf("sponsor monitor: balance cache write failed: %v", err)
	}
	return spendable, nil
}

func (m *Monitor) stats(ctx context.Context) SponsorStats {
	var stats SponsorStats
	if cached, ok, err := m.cache.Get(ctx, statsCacheKey); err == nil && ok {
		_ = json.Unmarshal([]byte(cached), &stats)
	}
	return stats
}

func (m *Monitor) writeStats(ctx context.Context, stats SponsorStats) {
	encoded, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, statsCacheKey, string(encoded), statsTTL); err != nil {
		log.Printf("sponsor monitor: stats cache write failed: %v", err)
	}
}
