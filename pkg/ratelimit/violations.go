package ratelimit

import (
	"sync"
	"time"
)

// ViolationRecord tracks rate-limit violations for one identifier.
type ViolationRecord struct {
	Count         int
	LastViolation time.Time
	Banned        bool
	BanExpires    time.Time
	History       []time.Time

	// lastDecay marks how far the hourly decay has been applied, so
	// repeated sweeps never decay the same elapsed hours twice.
	lastDecay time.Time
}

type banOutcome int

const (
	banNone banOutcome = iota
	banTemporary
	banPermanent
)

// violationTracker counts violations per identifier and escalates to
// temporary then permanent bans. Counts decay over time via Sweep.
type violationTracker struct {
	mu        sync.Mutex
	records   map[string]*ViolationRecord
	permaBans map[string]struct{}

	banThreshold      int
	permaBanThreshold int
	tempBanDuration   time.Duration
	decayPerHour      int
	maxHistory        int
}

func newViolationTracker(cfg Config) *violationTracker {
	return &violationTracker{
		records:           make(map[string]*ViolationRecord),
		permaBans:         make(map[string]struct{}),
		banThreshold:      cfg.BanThreshold,
		permaBanThreshold: cfg.PermaBanThreshold,
		tempBanDuration:   cfg.TempBanDuration,
		decayPerHour:      cfg.DecayPerHour,
		maxHistory:        cfg.MaxViolationHistory,
	}
}

// banStatus reports the active ban for an identifier: permanent bans first,
// then unexpired temporary bans.
func (t *violationTracker) banStatus(identifier string, now time.Time) (banned bool, permanent bool, expires time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.permaBans[identifier]; ok {
		return true, true, time.Time{}
	}
	if rec, ok := t.records[identifier]; ok && rec.Banned && now.Before(rec.BanExpires) {
		return true, false, rec.BanExpires
	}
	return false, false, time.Time{}
}

// record registers one violation and returns the escalation it caused, if
// any. Counting continues while temp-banned so a persistent offender still
// reaches the permanent threshold.
func (t *violationTracker) record(identifier string, now time.Time) (banOutcome, *ViolationRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[identifier]
	if !ok {
		rec = &ViolationRecord{}
		t.records[identifier] = rec
	}

	rec.Count++
	rec.LastViolation = now
	rec.History = append(rec.History, now)
	if len(rec.History) > t.maxHistory {
		rec.History = rec.History[len(rec.History)-t.maxHistory:]
	}

	if rec.Count >= t.permaBanThreshold {
		if _, already := t.permaBans[identifier]; !already {
			t.permaBans[identifier] = struct{}{}
			return banPermanent, rec
		}
		return banNone, rec
	}

	if rec.Count >= t.banThreshold && (!rec.Banned || !now.Before(rec.BanExpires)) {
		rec.Banned = true
		rec.BanExpires = now.Add(t.tempBanDuration)
		return banTemporary, rec
	}

	return banNone, rec
}

// sweep applies hourly decay, clears expired temporary bans, and evicts
// drained records. Returns the number of evicted records.
func (t *violationTracker) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	// Copy keys before mutating the map mid-traversal.
	keys := make([]string, 0, len(t.records))
	for k := range t.records {
		keys = append(keys, k)
	}

	for _, k := range keys {
		rec := t.records[k]

		if rec.Banned && !now.Before(rec.BanExpires) {
			rec.Banned = false
		}

		since := rec.LastViolation
		if rec.lastDecay.After(since) {
			since = rec.lastDecay
		}
		hours := int(now.Sub(since).Hours())
		if hours > 0 && t.decayPerHour > 0 {
			rec.Count -= hours * t.decayPerHour
			if rec.Count < 0 {
				rec.Count = 0
			}
			rec.lastDecay = since.Add(time.Duration(hours) * time.Hour)
		}

		if rec.Count == 0 && !rec.Banned {
			delete(t.records, k)
			evicted++
		}
	}
	return evicted
}

// unban clears both the permanent-ban entry and the violation record.
func (t *violationTracker) unban(identifier string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, hadPerma := t.permaBans[identifier]
	rec, hadRecord := t.records[identifier]
	wasBanned := hadPerma || (hadRecord && rec.Banned)

	delete(t.permaBans, identifier)
	delete(t.records, identifier)
	return wasBanned
}

// snapshot returns a copy of the record for an identifier, if any.
func (t *violationTracker) snapshot(identifier string) (ViolationRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[identifier]
	if !ok {
		return ViolationRecord{}, false
	}
	out := *rec
	out.History = append([]time.Time(nil), rec.History...)
	return out, true
}

func (t *violationTracker) counts() (records int, permaBans int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records), len(t.permaBans)
}
