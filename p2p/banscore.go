package p2p

import "time"

// Ban scoring policy: non-consensus, per-connection.
const (
	BanThreshold      = 100
	ThrottleThreshold = 50
	BanDuration       = 24 * time.Hour

	BanScoreDecaysPerMinute = 1

	// RateLimitBanScoreDelta is added to a connection's ban score for
	// every read cycle its token bucket rejects. A peer that sustains a
	// flood long enough to exhaust its bucket crosses BanThreshold and
	// gets banned rather than throttled forever.
	RateLimitBanScoreDelta = 5
)

// BanScore accumulates misbehavior points with linear decay, mirroring
// the pack's connection-policy primitive but retuned to this protocol's
// 24h ban duration.
type BanScore struct {
	score       int
	lastUpdated time.Time
}

func (b *BanScore) Score(now time.Time) int {
	b.decayTo(now)
	return b.score
}

func (b *BanScore) Add(now time.Time, delta int) int {
	b.decayTo(now)
	b.score += delta
	if b.score < 0 {
		b.score = 0
	}
	return b.score
}

func (b *BanScore) ShouldBan(now time.Time) bool {
	return b.Score(now) >= BanThreshold
}

func (b *BanScore) ShouldThrottle(now time.Time) bool {
	return b.Score(now) >= ThrottleThreshold
}

func (b *BanScore) decayTo(now time.Time) {
	if b.lastUpdated.IsZero() {
		b.lastUpdated = now
		return
	}
	if now.Before(b.lastUpdated) {
		b.lastUpdated = now
		return
	}
	minutes := int(now.Sub(b.lastUpdated) / time.Minute)
	if minutes <= 0 {
		return
	}
	b.score -= minutes * BanScoreDecaysPerMinute
	if b.score < 0 {
		b.score = 0
	}
	b.lastUpdated = now
}
