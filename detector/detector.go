// Package detector tracks per-user message rates inside a sliding window
// and decides when and for how long a user should be muted. Only the
// per-group on/off switches are durable; user records live and die with the
// process.
package detector

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// timestampCap bounds each user's recorded timestamps; the oldest entry is
// evicted first.
const timestampCap = 100

type Config struct {
	Window          time.Duration // sliding window for rate evaluation
	Threshold       int           // messages within Window that trigger a mute
	BaseDurationSec int           // first-violation mute length
	Multiplier      float64       // escalation factor per repeat violation
	MaxDurationSec  int           // escalation cap
}

func DefaultConfig() Config {
	return Config{
		Window:          10 * time.Second,
		Threshold:       5,
		BaseDurationSec: 60,
		Multiplier:      2.0,
		MaxDurationSec:  3600,
	}
}

// SwitchStore persists the per-group enable flags.
type SwitchStore interface {
	LoadSwitches() (map[int64]bool, error)
	SetSwitch(groupID int64, enabled bool) error
}

type record struct {
	timestamps     *queue.Queue // time.Time values, oldest first
	violations     int
	lastMuteAt     time.Time
	lastMuteDurSec int
	muted          bool
}

func newRecord() *record {
	return &record{timestamps: queue.New()}
}

type UserStats struct {
	Violations     int
	RecentMessages int
	LastMuteAt     time.Time
	LastMuteDurSec int
}

type GroupStatus struct {
	Enabled         bool
	TrackedUsers    int
	TotalViolations int
}

type Detector struct {
	cfg   Config
	store SwitchStore

	mu      sync.Mutex
	records map[int64]map[int64]*record
	enabled map[int64]bool

	now func() time.Time
}

// New builds a detector and loads the persisted group switches. A store
// read failure is logged and treated as "no switches yet"; a nil store
// disables persistence.
func New(cfg Config, store SwitchStore) *Detector {
	d := &Detector{
		cfg:     cfg,
		store:   store,
		records: make(map[int64]map[int64]*record),
		enabled: make(map[int64]bool),
		now:     time.Now,
	}
	if store != nil {
		switches, err := store.LoadSwitches()
		if err != nil {
			slog.Error("loading group switches failed", "err", err)
		} else {
			d.enabled = switches
			slog.Info("group switches loaded", "groups", len(switches))
		}
	}
	return d
}

func (d *Detector) IsEnabled(groupID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled[groupID]
}

// SetEnabled flips detection for a group and persists the switch set.
// In-memory state stays authoritative if the write fails.
func (d *Detector) SetEnabled(groupID int64, enabled bool) {
	d.mu.Lock()
	d.enabled[groupID] = enabled
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.SetSwitch(groupID, enabled); err != nil {
			slog.Error("persisting group switch failed", "group", groupID, "err", err)
		}
	}
	slog.Info("spam detection toggled", "group", groupID, "enabled", enabled)
}

// RecordMessage notes one message from a user and reports whether it
// crossed the threshold. On a trigger it returns the mute length in
// seconds; the caller is responsible for issuing the mute.
func (d *Detector) RecordMessage(groupID, userID int64) (durationSec int, triggered bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled[groupID] {
		return 0, false
	}

	now := d.now()
	rec := d.record(groupID, userID)

	if rec.muted {
		if now.Before(rec.lastMuteAt.Add(time.Duration(rec.lastMuteDurSec) * time.Second)) {
			// Still muted: not recorded, not evaluated.
			return 0, false
		}
		rec.muted = false
	}

	if rec.timestamps.Length() == timestampCap {
		rec.timestamps.Remove()
	}
	rec.timestamps.Add(now)

	cutoff := now.Add(-d.cfg.Window)
	recent := 0
	for i := rec.timestamps.Length() - 1; i >= 0; i-- {
		if !rec.timestamps.Get(i).(time.Time).After(cutoff) {
			break // timestamps are ordered, the rest are older
		}
		recent++
	}

	if recent < d.cfg.Threshold {
		return 0, false
	}

	rec.violations++
	rec.muted = true
	rec.lastMuteAt = now
	rec.lastMuteDurSec = d.muteDuration(rec.violations)
	// Clearing prevents an immediate re-trigger once the mute expires.
	rec.timestamps = queue.New()

	slog.Warn("spam detected",
		"group", groupID, "user", userID,
		"violations", rec.violations, "duration", rec.lastMuteDurSec)

	return rec.lastMuteDurSec, true
}

// muteDuration escalates geometrically with the violation count, capped at
// the configured maximum.
func (d *Detector) muteDuration(violations int) int {
	// Cap in float64 before converting: the product overflows int for
	// large violation counts, and an overflowed conversion would slip past
	// an int comparison.
	dur := float64(d.cfg.BaseDurationSec) * math.Pow(d.cfg.Multiplier, float64(violations-1))
	if dur >= float64(d.cfg.MaxDurationSec) {
		return d.cfg.MaxDurationSec
	}
	return int(dur)
}

// ResetUser forgets a user entirely; their next message counts as the
// first ever seen.
func (d *Detector) ResetUser(groupID, userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if users, ok := d.records[groupID]; ok {
		if _, ok := users[userID]; ok {
			delete(users, userID)
			slog.Info("user record reset", "group", groupID, "user", userID)
		}
	}
}

func (d *Detector) UserStats(groupID, userID int64) UserStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := d.record(groupID, userID)
	return UserStats{
		Violations:     rec.violations,
		RecentMessages: rec.timestamps.Length(),
		LastMuteAt:     rec.lastMuteAt,
		LastMuteDurSec: rec.lastMuteDurSec,
	}
}

// Status reports every group with a known switch, whether the switch is
// currently on or off.
func (d *Detector) Status() map[int64]GroupStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := make(map[int64]GroupStatus, len(d.enabled))
	for groupID, enabled := range d.enabled {
		s := GroupStatus{Enabled: enabled}
		for _, rec := range d.records[groupID] {
			s.TrackedUsers++
			s.TotalViolations += rec.violations
		}
		status[groupID] = s
	}
	return status
}

// record returns the user's record, creating it lazily. Callers hold d.mu.
func (d *Detector) record(groupID, userID int64) *record {
	users, ok := d.records[groupID]
	if !ok {
		users = make(map[int64]*record)
		d.records[groupID] = users
	}
	rec, ok := users[userID]
	if !ok {
		rec = newRecord()
		users[userID] = rec
	}
	return rec
}
