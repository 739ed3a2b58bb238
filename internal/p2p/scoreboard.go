package p2p

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/equinox-chain/eqxd/internal/storage"
)

// Strike weights (spec.md §4.6.8), fixed and consensus-independent.
const (
	StrikeMalformedMessage = 3
	StrikeInvalidBlock     = 2
	StrikeInvalidTx        = 1
	StrikeSpamPing         = 1
)

const banKeyPrefix = "ban/"

// BanRecord is a persisted ban entry, keyed by IP (not IP:port), so
// reconnecting from a new ephemeral port does not reset the counter.
type BanRecord struct {
	IP        string `json:"ip"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func (r *BanRecord) isExpired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// Scoreboard tracks per-IP misbehavior scores and bans (spec.md §4.6.8).
type Scoreboard struct {
	mu        sync.RWMutex
	scores    map[string]int
	bans      map[string]*BanRecord
	db        storage.DB // nil disables persistence (unit tests)
	threshold int
	duration  time.Duration
	onBan     func(ip string)
}

// NewScoreboard creates a Scoreboard. db may be nil to disable persistence.
func NewScoreboard(db storage.DB, threshold int, duration time.Duration) *Scoreboard {
	if threshold <= 0 {
		threshold = 20
	}
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	return &Scoreboard{
		scores:    make(map[string]int),
		bans:      make(map[string]*BanRecord),
		db:        db,
		threshold: threshold,
		duration:  duration,
	}
}

// SetBanCallback registers a function invoked when an IP is newly banned,
// used by Node to disconnect any live connection from that IP.
func (sb *Scoreboard) SetBanCallback(fn func(ip string)) { sb.onBan = fn }

// LoadBans restores persisted, non-expired bans into memory.
func (sb *Scoreboard) LoadBans() {
	if sb.db == nil {
		return
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	now := time.Now()
	sb.db.ForEach([]byte(banKeyPrefix), func(key, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		if !rec.isExpired(now) {
			sb.bans[rec.IP] = &rec
		}
		return nil
	})
}

// RecordOffense adds a penalty to ip's score. If it crosses the ban
// threshold, the IP is banned for the configured duration.
func (sb *Scoreboard) RecordOffense(ip string, weight int, reason string) {
	sb.mu.Lock()
	if rec, ok := sb.bans[ip]; ok && !rec.isExpired(time.Now()) {
		sb.mu.Unlock()
		return
	}
	sb.scores[ip] += weight
	if sb.scores[ip] < sb.threshold {
		sb.mu.Unlock()
		return
	}
	now := time.Now()
	rec := &BanRecord{
		IP:        ip,
		Reason:    reason,
		Score:     sb.scores[ip],
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(sb.duration).Unix(),
	}
	sb.bans[ip] = rec
	delete(sb.scores, ip)
	sb.mu.Unlock()

	if sb.db != nil {
		if data, err := json.Marshal(rec); err == nil {
			sb.db.Put([]byte(banKeyPrefix+ip), data)
		}
	}
	if sb.onBan != nil {
		sb.onBan(ip)
	}
}

// IsBanned reports whether ip is currently under an active ban.
func (sb *Scoreboard) IsBanned(ip string) bool {
	sb.mu.RLock()
	rec, ok := sb.bans[ip]
	sb.mu.RUnlock()
	if !ok {
		return false
	}
	if rec.isExpired(time.Now()) {
		sb.mu.Lock()
		delete(sb.bans, ip)
		sb.mu.Unlock()
		if sb.db != nil {
			sb.db.Delete([]byte(banKeyPrefix + ip))
		}
		return false
	}
	return true
}

// Unban manually lifts a ban.
func (sb *Scoreboard) Unban(ip string) {
	sb.mu.Lock()
	delete(sb.bans, ip)
	delete(sb.scores, ip)
	sb.mu.Unlock()
	if sb.db != nil {
		sb.db.Delete([]byte(banKeyPrefix + ip))
	}
}

// BanList returns a snapshot of active bans.
func (sb *Scoreboard) BanList() []BanRecord {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	now := time.Now()
	out := make([]BanRecord, 0, len(sb.bans))
	for _, rec := range sb.bans {
		if !rec.isExpired(now) {
			out = append(out, *rec)
		}
	}
	return out
}

// PruneExpired removes expired bans from memory and storage. Called by
// the maintenance task every 30s (spec.md §4.6.6).
func (sb *Scoreboard) PruneExpired() {
	sb.mu.Lock()
	now := time.Now()
	var expired []string
	for ip, rec := range sb.bans {
		if rec.isExpired(now) {
			expired = append(expired, ip)
		}
	}
	for _, ip := range expired {
		delete(sb.bans, ip)
	}
	sb.mu.Unlock()

	if sb.db != nil {
		for _, ip := range expired {
			sb.db.Delete([]byte(banKeyPrefix + ip))
		}
	}
}
