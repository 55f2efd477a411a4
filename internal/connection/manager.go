// Package connection enforces the one-active-socket-per-user discipline:
// slot claiming, duplicate rejection, handshake attempt throttling, and
// forced disconnects.
package connection

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ClaimStatus is the outcome of a slot claim attempt.
type ClaimStatus int

const (
	// Claimed means the attempt now holds the user's slot (pending state).
	Claimed ClaimStatus = iota
	// Duplicate means another socket holds the slot.
	Duplicate
	// Throttled means the user crossed the attempt threshold and is cooling down.
	Throttled
)

func (s ClaimStatus) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case Duplicate:
		return "duplicate"
	case Throttled:
		return "throttled"
	default:
		return "unknown"
	}
}

// Snapshot summarizes the socket holding (or attempting to hold) a slot.
// It is what duplicate rejections and the info endpoint expose.
type Snapshot struct {
	SocketID    string    `json:"socket_id"`
	UserID      int64     `json:"user_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ClaimResult carries the status plus the existing holder on Duplicate.
type ClaimResult struct {
	Status   ClaimStatus
	Existing *Snapshot
}

// CloseFunc asks the gateway to close a socket. It reports whether the
// socket was still known. The manager never touches sockets directly; the
// gateway owns them and its disconnect path releases the slot.
type CloseFunc func(socketID string, reason string) bool

// Config tunes the throttle behavior.
type Config struct {
	ThrottleWindow   time.Duration // attempt-counting window
	MaxAttempts      int           // attempts within the window before throttling
	ThrottleCooldown time.Duration // how long a throttle persists past the last attempt
	PendingTTL       time.Duration // fallback claim deadline when the caller passes zero
}

type slot struct {
	socketID    string
	connectedAt time.Time
}

type pendingClaim struct {
	socketID string
	firstAt  time.Time
	count    int
	deadline time.Time
}

// Manager owns the per-user slot state machine:
// empty → pending (TryClaim) → active (Activate) → empty (Release).
type Manager struct {
	mu             sync.Mutex
	active         map[int64]slot
	pending        map[int64]*pendingClaim
	attempts       map[int64][]time.Time
	throttledUntil map[int64]time.Time

	cfg    Config
	closer CloseFunc
	logger zerolog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ThrottleCooldown <= 0 {
		cfg.ThrottleCooldown = 30 * time.Second
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 2 * time.Second
	}

	m := &Manager{
		active:         make(map[int64]slot),
		pending:        make(map[int64]*pendingClaim),
		attempts:       make(map[int64][]time.Time),
		throttledUntil: make(map[int64]time.Time),
		cfg:            cfg,
		logger:         logger,
		stopCleanup:    make(chan struct{}),
	}

	go m.cleanupLoop()

	return m
}

// SetCloser wires the gateway's close callback. Set once during composition,
// before any traffic.
func (m *Manager) SetCloser(closer CloseFunc) {
	m.closer = closer
}

// Stop halts the background cleanup loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCleanup) })
}

// TryClaim attempts to take the user's slot for a handshake in progress.
// Every call counts as an attempt for throttling, including rejected ones.
// deadline bounds the pending state; zero means now+PendingTTL.
func (m *Manager) TryClaim(userID int64, socketID string, deadline time.Time) ClaimResult {
	now := time.Now()
	if deadline.IsZero() {
		deadline = now.Add(m.cfg.PendingTTL)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.recordAttemptLocked(userID, now)

	if until, ok := m.throttledUntil[userID]; ok {
		if now.Before(until) {
			// Attempts during cooldown keep extending it.
			m.throttledUntil[userID] = now.Add(m.cfg.ThrottleCooldown)
			return ClaimResult{Status: Throttled}
		}
		delete(m.throttledUntil, userID)
	}

	if len(m.attempts[userID]) >= m.cfg.MaxAttempts {
		// Threshold crossed: this attempt still runs, the next short-circuits.
		m.throttledUntil[userID] = now.Add(m.cfg.ThrottleCooldown)
		m.logger.Warn().
			Int64("user_id", userID).
			Int("attempts", len(m.attempts[userID])).
			Dur("cooldown", m.cfg.ThrottleCooldown).
			Msg("Handshake attempts crossed throttle threshold")
	}

	if held, ok := m.active[userID]; ok {
		existing := Snapshot{SocketID: held.socketID, UserID: userID, ConnectedAt: held.connectedAt}
		return ClaimResult{Status: Duplicate, Existing: &existing}
	}

	if p, ok := m.pending[userID]; ok && now.Before(p.deadline) && p.socketID != socketID {
		// Another handshake owns the pending slot and has not timed out.
		existing := Snapshot{SocketID: p.socketID, UserID: userID, ConnectedAt: p.firstAt}
		return ClaimResult{Status: Duplicate, Existing: &existing}
	}

	count := 1
	firstAt := now
	if p, ok := m.pending[userID]; ok {
		count = p.count + 1
		firstAt = p.firstAt
	}
	m.pending[userID] = &pendingClaim{
		socketID: socketID,
		firstAt:  firstAt,
		count:    count,
		deadline: deadline,
	}

	return ClaimResult{Status: Claimed}
}

// Activate converts a pending claim into the active slot after handshake
// success. Returns false when the pending claim expired or was taken over —
// the caller must treat that as handshake_timeout and close the socket.
func (m *Manager) Activate(userID int64, socketID string) bool {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[userID]
	if !ok || p.socketID != socketID {
		return false
	}
	if now.After(p.deadline) {
		delete(m.pending, userID)
		return false
	}

	delete(m.pending, userID)
	m.active[userID] = slot{socketID: socketID, connectedAt: now}
	return true
}

// Release frees the user's slot if (and only if) it is held by the given
// socket. Out-of-order disconnect callbacks from an already-replaced socket
// are no-ops.
func (m *Manager) Release(userID int64, socketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.active[userID]; ok && held.socketID == socketID {
		delete(m.active, userID)
	}
	if p, ok := m.pending[userID]; ok && p.socketID == socketID {
		delete(m.pending, userID)
	}
}

// ForceDisconnect closes the user's active socket through the gateway. The
// gateway's disconnect path releases the slot; if the gateway no longer
// knows the socket the stale slot is dropped here.
func (m *Manager) ForceDisconnect(userID int64, reason string) bool {
	m.mu.Lock()
	held, ok := m.active[userID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if m.closer != nil && m.closer(held.socketID, reason) {
		return true
	}

	// Socket vanished without releasing: repair the slot.
	m.Release(userID, held.socketID)
	m.logger.Warn().
		Int64("user_id", userID).
		Str("socket_id", held.socketID).
		Msg("Released orphaned connection slot")
	return true
}

// Info returns the active slot summary for a user, if any.
func (m *Manager) Info(userID int64) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.active[userID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{SocketID: held.socketID, UserID: userID, ConnectedAt: held.connectedAt}, true
}

// ActiveCount reports how many users currently hold a slot.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ClearAll force-closes every active socket and resets throttle state.
// Returns the number of close requests issued.
func (m *Manager) ClearAll(reason string) int {
	m.mu.Lock()
	snapshots := make([]Snapshot, 0, len(m.active))
	for userID, held := range m.active {
		snapshots = append(snapshots, Snapshot{SocketID: held.socketID, UserID: userID, ConnectedAt: held.connectedAt})
	}
	m.pending = make(map[int64]*pendingClaim)
	m.attempts = make(map[int64][]time.Time)
	m.throttledUntil = make(map[int64]time.Time)
	m.mu.Unlock()

	// Closing happens outside the lock: each close re-enters Release via the
	// gateway's disconnect path.
	for _, s := range snapshots {
		if m.closer == nil || !m.closer(s.SocketID, reason) {
			m.Release(s.UserID, s.SocketID)
		}
	}
	return len(snapshots)
}

// ClearThrottle removes a user's throttle and attempt history (admin path).
func (m *Manager) ClearThrottle(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.throttledUntil, userID)
	delete(m.attempts, userID)
}

// recordAttemptLocked appends an attempt timestamp and prunes entries older
// than the window; caller holds m.mu.
func (m *Manager) recordAttemptLocked(userID int64, now time.Time) {
	cutoff := now.Add(-m.cfg.ThrottleWindow)
	ring := m.attempts[userID]
	kept := ring[:0]
	for _, at := range ring {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	m.attempts[userID] = append(kept, now)
}

// cleanupLoop expires stale pendings, finished cooldowns, and empty attempt
// rings. Expired pendings are handshake timeouts.
func (m *Manager) cleanupLoop() {
	interval := m.cfg.PendingTTL
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	cutoff := now.Add(-m.cfg.ThrottleWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, p := range m.pending {
		if now.After(p.deadline) {
			delete(m.pending, userID)
			m.logger.Debug().
				Int64("user_id", userID).
				Str("socket_id", p.socketID).
				Msg("Pending handshake expired")
		}
	}
	for userID, until := range m.throttledUntil {
		if now.After(until) {
			delete(m.throttledUntil, userID)
		}
	}
	for userID, ring := range m.attempts {
		kept := ring[:0]
		for _, at := range ring {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		if len(kept) == 0 {
			delete(m.attempts, userID)
		} else {
			m.attempts[userID] = kept
		}
	}
}
