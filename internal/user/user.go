// Package user implements the per-username accumulator (spec's User data
// model): address validation state, session/all-time best difficulty, and
// accepted/rejected counters, adapted from the teacher's worker.Manager
// sync.Map-based registry and Prometheus hashrate gauge idiom.
package user

import (
	"context"
	"sync"
	"time"

	"github.com/basaltpool/stratum-engine/internal/address"
	"github.com/basaltpool/stratum-engine/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	activeUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_active_users",
		Help: "Number of distinct pool usernames registered since the process started",
	})

	userHashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stratum_user_hashrate",
		Help: "Estimated hashrate per pool username, derived from accepted share difficulty",
	}, []string{"username"})
)

func init() {
	prometheus.MustRegister(activeUsers)
	prometheus.MustRegister(userHashrate)
}

// User is the accumulator keyed by pool username (a payout address or
// address.workername), per spec §3.
type User struct {
	Username              string
	Address               string
	PayoutAddressValidated bool

	mu                sync.RWMutex
	sessionBestDiff   float64
	allTimeBestDiff   float64
	acceptedShares    int64
	rejectedShares    int64
	lastShareAt       time.Time
	lastActivityAt    time.Time
}

// RecordAccepted updates counters and the monotonic best-difficulty
// invariant after an accepted share.
func (u *User) RecordAccepted(shareDiff float64, now time.Time) (sessionBestUpdated, allTimeBestUpdated bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.acceptedShares++
	u.lastShareAt = now
	u.lastActivityAt = now

	if shareDiff > u.sessionBestDiff {
		u.sessionBestDiff = shareDiff
		sessionBestUpdated = true
	}
	if shareDiff > u.allTimeBestDiff {
		u.allTimeBestDiff = shareDiff
		allTimeBestUpdated = true
	}
	return sessionBestUpdated, allTimeBestUpdated
}

// RecordRejected increments the rejected-share counter; stale and duplicate
// rejections are counted uniformly with invalid ones. Rejected shares do
// not reach the variance engine.
func (u *User) RecordRejected(now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rejectedShares++
	u.lastActivityAt = now
}

// Stats is a point-in-time snapshot of a user's accumulator, safe to read
// without holding the user's lock afterward.
type Stats struct {
	SessionBestDiff float64
	AllTimeBestDiff float64
	AcceptedShares  int64
	RejectedShares  int64
	LastShareAt     time.Time
}

func (u *User) Snapshot() Stats {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return Stats{
		SessionBestDiff: u.sessionBestDiff,
		AllTimeBestDiff: u.allTimeBestDiff,
		AcceptedShares:  u.acceptedShares,
		RejectedShares:  u.rejectedShares,
		LastShareAt:     u.lastShareAt,
	}
}

// SeedAllTimeBest restores the all-time-best difficulty from persistent
// storage (Postgres) on first sight of a username this process lifetime.
func (u *User) SeedAllTimeBest(best float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if best > u.allTimeBestDiff {
		u.allTimeBestDiff = best
	}
}

// Registry tracks live User accumulators by username, keyed across all
// sessions (a username may have multiple concurrent worker connections).
type Registry struct {
	logger *zap.Logger
	users  sync.Map // map[string]*User

	store *storage.PostgresClient // nil disables durable seeding/persistence
}

// NewRegistry creates an empty user registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger.Named("user")}
}

// SetStore attaches the solo-payout ledger so new users are seeded with
// their durable all-time-best difficulty and so RunPersistence has
// somewhere to flush snapshots.
func (r *Registry) SetStore(store *storage.PostgresClient) {
	r.store = store
}

// GetOrCreate returns the existing User for username, validating and
// creating one if this is the first time it's been seen this process
// lifetime. network governs which address encoding is accepted. A newly
// created user's all-time-best difficulty is seeded from the ledger in the
// background so authorize never blocks on a database round trip.
func (r *Registry) GetOrCreate(username string, network address.Network) *User {
	if existing, ok := r.users.Load(username); ok {
		return existing.(*User)
	}

	addr, workerName := splitUsername(username)
	validated := false
	if _, err := address.Validate(addr, network); err == nil {
		validated = true
	} else {
		r.logger.Debug("username address failed validation",
			zap.String("username", username), zap.String("worker", workerName), zap.Error(err))
	}

	u := &User{
		Username:               username,
		Address:                addr,
		PayoutAddressValidated: validated,
	}

	actual, loaded := r.users.LoadOrStore(username, u)
	if loaded {
		return actual.(*User)
	}
	activeUsers.Inc()

	if r.store != nil {
		go r.seedFromStore(u)
	}
	return u
}

func (r *Registry) seedFromStore(u *User) {
	record, err := r.store.GetUser(context.Background(), u.Username)
	if err != nil {
		r.logger.Warn("failed to seed user from ledger", zap.String("username", u.Username), zap.Error(err))
		return
	}
	if record != nil {
		u.SeedAllTimeBest(record.AllTimeBestDifficulty)
	}
}

// RunPersistence periodically flushes every live user's snapshot to the
// ledger until ctx is cancelled, so a restart doesn't lose all-time-best
// or share counts. No-op if no store is attached.
func (r *Registry) RunPersistence(ctx context.Context, interval time.Duration) {
	if r.store == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.flushAll(context.Background())
			return
		case <-ticker.C:
			r.flushAll(ctx)
		}
	}
}

func (r *Registry) flushAll(ctx context.Context) {
	now := time.Now()
	r.users.Range(func(_, v interface{}) bool {
		u := v.(*User)
		stats := u.Snapshot()
		record := &storage.UserRecord{
			Username:               u.Username,
			Address:                u.Address,
			PayoutAddressValidated: u.PayoutAddressValidated,
			AllTimeBestDifficulty:  stats.AllTimeBestDiff,
			AcceptedShares:         stats.AcceptedShares,
			RejectedShares:         stats.RejectedShares,
			FirstSeenAt:            now,
			LastSeenAt:             now,
		}
		if err := r.store.UpsertUser(ctx, record); err != nil {
			r.logger.Warn("failed to persist user snapshot", zap.String("username", u.Username), zap.Error(err))
		}
		return true
	})
}

// UpdateHashrate recomputes and publishes the Prometheus hashrate gauge for
// username from its accepted-share difficulty and elapsed window, mirroring
// the teacher's difficulty*2^32/share_time_seconds estimator.
func (r *Registry) UpdateHashrate(username string, avgShareDifficulty float64, avgIntervalSeconds float64) {
	if avgIntervalSeconds <= 0 {
		return
	}
	hashrate := avgShareDifficulty * 4294967296.0 / avgIntervalSeconds
	userHashrate.WithLabelValues(username).Set(hashrate)
}

// Remove drops a username from the registry and decrements the active-user
// gauge. The server does not call it, so a username stays registered, and
// counted by the gauge, for the life of the process.
func (r *Registry) Remove(username string) {
	if _, ok := r.users.LoadAndDelete(username); ok {
		activeUsers.Dec()
	}
}

// splitUsername separates "address.workername" into its two parts; a
// username with no "." has an empty worker name.
func splitUsername(username string) (addr, worker string) {
	for i := 0; i < len(username); i++ {
		if username[i] == '.' {
			return username[:i], username[i+1:]
		}
	}
	return username, ""
}
