package keylease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/types"
)

// errLeaseHeld marks a candidate whose lease file is validly held by
// someone else. It never escapes Acquire.
var errLeaseHeld = errors.New("lease held by another owner")

// PoolSource describes where one pool's candidate credentials come from.
// Candidate order: primary env key, then inline keys, then keyring file
// entries; duplicates removed, order preserved.
type PoolSource struct {
	// PrimaryEnv names the environment variable carrying the primary key.
	PrimaryEnv string
	// Keys is the inline candidate list.
	Keys []string
	// RecheckExhausted re-admits keys cached as exhausted (ranked last).
	// When false they are excluded outright.
	RecheckExhausted bool
}

// ProbeResult is the outcome of a preflight liveness check.
type ProbeResult struct {
	Status     KeyStatus
	HTTPStatus int
	RateLimit  map[string]string
}

// Prober performs a zero-cost liveness call against a credential.
type Prober interface {
	Probe(ctx context.Context, key string) ProbeResult
}

// Manager hands out cross-process exclusive leases on pool credentials.
// Mutual exclusion rests entirely on atomic create-if-absent lease files;
// no shared memory, no database.
type Manager struct {
	leaseDir    string
	keyringPath string
	health      *HealthStore
	pools       map[string]PoolSource
	prober      Prober
	logger      *zap.Logger

	agent     string
	hostname  string
	pid       int
	skewGrace time.Duration

	mu       sync.Mutex
	rrCursor map[string]int

	onReclaim func(pool string)

	now      func() time.Time
	pidAlive func(pid int) bool
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithProber sets the preflight prober.
func WithProber(p Prober) ManagerOption {
	return func(m *Manager) { m.prober = p }
}

// WithAgent labels leases with the owning agent name.
func WithAgent(agent string) ManagerOption {
	return func(m *Manager) { m.agent = agent }
}

// WithSkewGrace sets the clock-skew grace added before a remote lease is
// treated as expired.
func WithSkewGrace(d time.Duration) ManagerOption {
	return func(m *Manager) { m.skewGrace = d }
}

// WithReclaimHook registers a callback fired after a stale lease is
// reclaimed, with the pool recorded in the old lease ("unknown" when the
// file was unreadable).
func WithReclaimHook(fn func(pool string)) ManagerOption {
	return func(m *Manager) { m.onReclaim = fn }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithPIDChecker overrides local pid liveness detection. Intended for tests.
func WithPIDChecker(alive func(pid int) bool) ManagerOption {
	return func(m *Manager) { m.pidAlive = alive }
}

// WithHostname overrides the recorded host name. Intended for tests.
func WithHostname(host string) ManagerOption {
	return func(m *Manager) { m.hostname = host }
}

// NewManager creates a lease manager rooted at leaseDir.
func NewManager(leaseDir, keyringPath string, health *HealthStore, pools map[string]PoolSource, logger *zap.Logger, opts ...ManagerOption) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(leaseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create lease dir: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	m := &Manager{
		leaseDir:    leaseDir,
		keyringPath: keyringPath,
		health:      health,
		pools:       pools,
		logger:      logger,
		hostname:    hostname,
		pid:         os.Getpid(),
		skewGrace:   30 * time.Second,
		rrCursor:    make(map[string]int),
		now:         time.Now,
		pidAlive:    defaultPIDAlive,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// defaultPIDAlive treats "definitely not running" as dead and everything
// else (permission denied, probe failure) as alive, so a lease is never
// reclaimed on an uncertain answer.
func defaultPIDAlive(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return exists
}

type candidate struct {
	key string
	fp  string
	rec HealthRecord
}

// candidates assembles the pool's deduplicated, order-preserving key list.
func (m *Manager) candidates(src PoolSource) []candidate {
	seen := make(map[string]struct{})
	var out []candidate

	add := func(key string) {
		if key == "" {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		fp := Fingerprint(key)
		out = append(out, candidate{key: key, fp: fp, rec: m.health.Get(fp)})
	}

	if src.PrimaryEnv != "" {
		add(os.Getenv(src.PrimaryEnv))
	}
	for _, k := range src.Keys {
		add(k)
	}
	if m.keyringPath != "" {
		keys, err := LoadKeyring(m.keyringPath)
		if err != nil {
			m.logger.Warn("keyring unreadable, continuing without it",
				zap.String("path", m.keyringPath),
				zap.Error(err))
		}
		for _, k := range keys {
			add(k)
		}
	}
	return out
}

// rankCandidates orders candidates healthiest-first and rotates equal-rank
// groups by the pool's round-robin cursor so ties never starve a key.
func (m *Manager) rankCandidates(pool string, cands []candidate, recheckExhausted bool) []candidate {
	m.mu.Lock()
	cursor := m.rrCursor[pool]
	m.rrCursor[pool]++
	m.mu.Unlock()

	groups := make(map[int][]candidate)
	var ranks []int
	for _, c := range cands {
		if c.rec.Status == StatusExhausted && !recheckExhausted {
			continue
		}
		r := c.rec.Status.rank()
		if _, ok := groups[r]; !ok {
			ranks = append(ranks, r)
		}
		groups[r] = append(groups[r], c)
	}
	sort.Ints(ranks)

	ranked := make([]candidate, 0, len(cands))
	for _, r := range ranks {
		g := groups[r]
		start := cursor % len(g)
		ranked = append(ranked, g[start:]...)
		ranked = append(ranked, g[:start]...)
	}
	return ranked
}

// Acquire claims a credential from the pool. With preflight enabled each
// claimed key is probed immediately and only an "ok" probe keeps the
// lease; anything else records the health outcome, releases, and moves on.
func (m *Manager) Acquire(ctx context.Context, pool, purpose string, ttl time.Duration, preflight bool) (*Lease, error) {
	src, ok := m.pools[pool]
	if !ok {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown credential pool %q", pool))
	}

	cands := m.rankCandidates(pool, m.candidates(src), src.RecheckExhausted)
	if len(cands) == 0 {
		return nil, types.NewError(types.ErrLeaseUnavailable, fmt.Sprintf("pool %q has no candidate credentials", pool))
	}

	skipped := 0
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lease, err := m.tryClaim(c, pool, purpose, ttl)
		if errors.Is(err, errLeaseHeld) {
			skipped++
			continue
		}
		if err != nil {
			return nil, err
		}

		if preflight && m.prober != nil {
			res := m.prober.Probe(ctx, c.key)
			if herr := m.health.Record(c.fp, HealthRecord{
				Status:         res.Status,
				LastCheckedAt:  m.now(),
				LastHTTPStatus: res.HTTPStatus,
				RateLimit:      res.RateLimit,
			}); herr != nil {
				m.logger.Warn("failed to persist probe outcome", zap.Error(herr))
			}
			if res.Status != StatusOK {
				m.logger.Info("preflight rejected credential",
					zap.String("pool", pool),
					zap.String("fingerprint", c.fp),
					zap.String("status", string(res.Status)))
				m.Release(lease)
				skipped++
				continue
			}
		}

		m.logger.Debug("lease acquired",
			zap.String("pool", pool),
			zap.String("fingerprint", c.fp),
			zap.String("lease_id", lease.LeaseID),
			zap.Time("expires_at", lease.ExpiresAt))
		return lease, nil
	}

	return nil, types.NewError(types.ErrLeaseUnavailable,
		fmt.Sprintf("pool %q: no credential could be leased (%d candidates unavailable)", pool, skipped))
}

// tryClaim attempts the exclusive create for one candidate, reclaiming a
// stale existing lease at most once.
func (m *Manager) tryClaim(c candidate, pool, purpose string, ttl time.Duration) (*Lease, error) {
	path := m.leasePath(c.fp)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			lease, werr := m.writeNewLease(f, c, pool, purpose, ttl)
			if werr != nil {
				f.Close()
				os.Remove(path)
				return nil, werr
			}
			return lease, nil
		}

		// The exists/other-error distinction matters: "exists" drives the
		// reclaim-or-skip branch, anything else is a real fault.
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lease file: %w", err)
		}

		existing, rerr := m.readLease(path)
		if rerr == nil && !m.stale(existing) {
			return nil, errLeaseHeld
		}
		// Unreadable or stale: reclaim and retry the exclusive create once.
		m.reclaim(path, existing)
	}

	// Lost the post-reclaim race to another acquirer.
	return nil, errLeaseHeld
}

func (m *Manager) writeNewLease(f *os.File, c candidate, pool, purpose string, ttl time.Duration) (*Lease, error) {
	now := m.now()
	lease := &Lease{
		Pool:        pool,
		Fingerprint: c.fp,
		LeaseID:     uuid.NewString(),
		PID:         m.pid,
		Host:        m.hostname,
		Agent:       m.agent,
		Purpose:     purpose,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
		Key:         c.key,
	}

	data, err := json.MarshalIndent(lease, "", "  ")
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("write lease file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close lease file: %w", err)
	}
	return lease, nil
}

// stale reports whether an on-disk lease may be reclaimed. Local leases
// die with their pid or expiry; remote leases only via expiry plus a
// clock-skew grace, because remote liveness cannot be checked.
func (m *Manager) stale(l *Lease) bool {
	now := m.now()
	if l.Host == m.hostname {
		if l.Expired(now) {
			return true
		}
		return !m.pidAlive(l.PID)
	}
	return now.After(l.ExpiresAt.Add(m.skewGrace))
}

// reclaim removes a stale lease file, falling back to an audit-suffixed
// rename when deletion is restricted.
func (m *Manager) reclaim(path string, old *Lease) {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		if old != nil {
			m.logger.Info("reclaimed stale lease",
				zap.String("fingerprint", old.Fingerprint),
				zap.String("owner_host", old.Host),
				zap.Int("owner_pid", old.PID),
				zap.Time("expired_at", old.ExpiresAt))
		}
		m.notifyReclaim(old)
		return
	}

	audit := fmt.Sprintf("%s.reclaimed-%d", path, m.now().UnixNano())
	if rerr := os.Rename(path, audit); rerr != nil {
		m.logger.Warn("failed to reclaim stale lease",
			zap.String("path", path),
			zap.Error(err))
		return
	}
	m.notifyReclaim(old)
}

func (m *Manager) notifyReclaim(old *Lease) {
	if m.onReclaim == nil {
		return
	}
	pool := "unknown"
	if old != nil && old.Pool != "" {
		pool = old.Pool
	}
	m.onReclaim(pool)
}

// Renew extends the lease expiry. It succeeds only while the on-disk
// lease_id still matches; false means ownership was lost to a reclaim.
func (m *Manager) Renew(lease *Lease, ttl time.Duration) (bool, error) {
	path := m.leasePath(lease.Fingerprint)
	current, err := m.readLease(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if current.LeaseID != lease.LeaseID {
		return false, nil
	}
	// An already-reclaimable lease must not be renewed: a concurrent
	// acquirer may legitimately reclaim it between the lease_id check and
	// the rename below, and the rename would overwrite the new owner's
	// lease file. Ownership is lost; the caller has to re-acquire.
	if m.stale(current) {
		return false, nil
	}

	current.ExpiresAt = m.now().Add(ttl)
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return false, err
	}

	// Atomic replace keeps the lease file continuously present: its
	// existence is the lock.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return false, fmt.Errorf("write renewed lease: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return false, fmt.Errorf("replace renewed lease: %w", err)
	}

	// Confirm the rename landed last. A reclaim racing this renew may have
	// written a new owner's lease after ours; their claim wins.
	after, err := m.readLease(path)
	if err != nil || after.LeaseID != lease.LeaseID {
		return false, nil
	}

	lease.ExpiresAt = current.ExpiresAt
	return true, nil
}

// Release deletes the lease file, but only while the on-disk lease_id
// still matches. Anything else is a silent no-op: the lease was already
// reclaimed and now belongs to someone else.
func (m *Manager) Release(lease *Lease) {
	if lease == nil {
		return
	}
	path := m.leasePath(lease.Fingerprint)
	current, err := m.readLease(path)
	if err != nil || current.LeaseID != lease.LeaseID {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to release lease",
			zap.String("path", path),
			zap.Error(err))
	}
}

// ListActiveLeases returns every lease on disk that is still valid.
func (m *Manager) ListActiveLeases() ([]*Lease, error) {
	entries, err := filepath.Glob(filepath.Join(m.leaseDir, "lease-*.json"))
	if err != nil {
		return nil, err
	}

	var leases []*Lease
	for _, path := range entries {
		l, err := m.readLease(path)
		if err != nil {
			continue
		}
		if !m.stale(l) {
			leases = append(leases, l)
		}
	}
	return leases, nil
}

// RecordKeyStatus persists a health outcome observed outside the preflight
// path, for example from a generation attempt's HTTP status.
func (m *Manager) RecordKeyStatus(fingerprint string, status KeyStatus, httpStatus int) error {
	return m.health.MarkStatus(fingerprint, status, httpStatus)
}

// PurgeKeyFromKeyring removes one credential line from the keyring file.
func (m *Manager) PurgeKeyFromKeyring(key string) (bool, error) {
	if m.keyringPath == "" {
		return false, nil
	}
	return PurgeKey(m.keyringPath, key)
}

func (m *Manager) leasePath(fingerprint string) string {
	return filepath.Join(m.leaseDir, "lease-"+fingerprint+".json")
}

func (m *Manager) readLease(path string) (*Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse lease file: %w", err)
	}
	return &l, nil
}
