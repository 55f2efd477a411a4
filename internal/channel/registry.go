package channel

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Registry maintains the bidirectional subscription indexes:
// channel → subscriber sockets and user → channels, plus per-channel
// metadata. A channel entry exists only while its subscriber set is
// non-empty.
//
// Writes serialize on one mutex. Reads on the fan-out path never take it:
// each channel keeps an immutable socket-id snapshot behind an atomic.Value,
// swapped copy-on-write by writers, so Subscribers is a lock-free load.
type Registry struct {
	mu             sync.RWMutex
	channels       map[string]*channelState
	userChannels   map[int64]map[string]struct{}
	maxSubscribers int // 0 = unlimited
}

type channelState struct {
	snapshot     atomic.Value     // []string of socket ids, immutable
	members      map[string]int64 // socket id → owning user id
	createdAt    time.Time
	lastActivity time.Time
}

// Info is the introspection view of one channel.
type Info struct {
	Name         string    `json:"name"`
	Type         Kind      `json:"type"`
	Subscribers  int       `json:"subscribers"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Stats is the aggregate registry view.
type Stats struct {
	TotalChannels      int            `json:"total_channels"`
	TotalSubscriptions int            `json:"total_subscriptions"`
	ByType             map[Kind]int   `json:"by_type"`
	TopChannels        []ChannelCount `json:"top_channels"`
}

// ChannelCount pairs a channel with its subscriber count.
type ChannelCount struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

func NewRegistry(maxSubscribers int) *Registry {
	return &Registry{
		channels:       make(map[string]*channelState),
		userChannels:   make(map[int64]map[string]struct{}),
		maxSubscribers: maxSubscribers,
	}
}

// Subscribe records a socket on a channel. Idempotent: re-subscribing an
// already-subscribed socket changes nothing. Returns ErrChannelFull when the
// per-channel cap would be exceeded.
func (r *Registry) Subscribe(socketID string, userID int64, channel string) error {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.channels[channel]
	if state != nil {
		if _, exists := state.members[socketID]; exists {
			state.lastActivity = now
			return nil
		}
		if r.maxSubscribers > 0 && len(state.members) >= r.maxSubscribers {
			return ErrChannelFull
		}
	} else {
		state = &channelState{
			members:   make(map[string]int64),
			createdAt: now,
		}
		r.channels[channel] = state
	}

	state.members[socketID] = userID
	state.lastActivity = now
	state.storeSnapshot()

	userSet := r.userChannels[userID]
	if userSet == nil {
		userSet = make(map[string]struct{})
		r.userChannels[userID] = userSet
	}
	userSet[channel] = struct{}{}

	return nil
}

// Unsubscribe removes a socket from a channel. Reports whether a
// subscription was actually removed. Removing the last subscriber deletes
// the channel entry and its metadata.
func (r *Registry) Unsubscribe(socketID string, userID int64, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(socketID, userID, channel)
}

// UnsubscribeAll removes a socket from every channel it is subscribed to and
// returns how many subscriptions were dropped. Concurrent fan-outs holding an
// older snapshot may still deliver one last event to the departing socket,
// but no subscription is ever observable in one index and not the other.
func (r *Registry) UnsubscribeAll(socketID string, userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	userSet := r.userChannels[userID]
	if len(userSet) == 0 {
		return 0
	}

	// Copy the channel list first; removeLocked mutates the set.
	names := make([]string, 0, len(userSet))
	for name := range userSet {
		names = append(names, name)
	}

	removed := 0
	for _, name := range names {
		if r.removeLocked(socketID, userID, name) {
			removed++
		}
	}
	return removed
}

// removeLocked unlinks one subscription from both indexes; caller holds r.mu.
func (r *Registry) removeLocked(socketID string, userID int64, channel string) bool {
	state := r.channels[channel]
	if state == nil {
		return false
	}
	if _, exists := state.members[socketID]; !exists {
		return false
	}

	delete(state.members, socketID)
	if len(state.members) == 0 {
		delete(r.channels, channel)
	} else {
		state.lastActivity = time.Now()
		state.storeSnapshot()
	}

	// Drop the user→channel link only when the user has no other socket left
	// on this channel.
	stillPresent := false
	for _, owner := range state.members {
		if owner == userID {
			stillPresent = true
			break
		}
	}
	if !stillPresent {
		if userSet := r.userChannels[userID]; userSet != nil {
			delete(userSet, channel)
			if len(userSet) == 0 {
				delete(r.userChannels, userID)
			}
		}
	}

	return true
}

// Subscribers returns the current subscriber snapshot for a channel. The
// returned slice is immutable; callers iterate it freely without holding any
// lock. Unknown channels yield nil.
func (r *Registry) Subscribers(channel string) []string {
	r.mu.RLock()
	state := r.channels[channel]
	r.mu.RUnlock()

	if state == nil {
		return nil
	}
	if v := state.snapshot.Load(); v != nil {
		return v.([]string)
	}
	return nil
}

// SubscriberCount reports the snapshot size without copying.
func (r *Registry) SubscriberCount(channel string) int {
	return len(r.Subscribers(channel))
}

// UserChannels returns a copy of the channels a user is subscribed to.
func (r *Registry) UserChannels(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userSet := r.userChannels[userID]
	if len(userSet) == 0 {
		return nil
	}
	out := make([]string, 0, len(userSet))
	for name := range userSet {
		out = append(out, name)
	}
	return out
}

// Touch refreshes a channel's activity timestamp (fan-out path).
func (r *Registry) Touch(channel string) {
	r.mu.Lock()
	if state := r.channels[channel]; state != nil {
		state.lastActivity = time.Now()
	}
	r.mu.Unlock()
}

// Channel returns the introspection view of one channel.
func (r *Registry) Channel(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := r.channels[name]
	if state == nil {
		return Info{}, false
	}
	return Info{
		Name:         name,
		Type:         Classify(name).Kind,
		Subscribers:  len(state.members),
		CreatedAt:    state.createdAt,
		LastActivity: state.lastActivity,
	}, true
}

// Stats aggregates the registry: totals, per-kind counts, and the ten
// busiest channels.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalChannels: len(r.channels),
		ByType:        make(map[Kind]int),
		TopChannels:   make([]ChannelCount, 0, len(r.channels)),
	}
	for name, state := range r.channels {
		n := len(state.members)
		stats.TotalSubscriptions += n
		stats.ByType[Classify(name).Kind]++
		stats.TopChannels = append(stats.TopChannels, ChannelCount{Name: name, Subscribers: n})
	}

	sort.Slice(stats.TopChannels, func(i, j int) bool {
		if stats.TopChannels[i].Subscribers != stats.TopChannels[j].Subscribers {
			return stats.TopChannels[i].Subscribers > stats.TopChannels[j].Subscribers
		}
		return stats.TopChannels[i].Name < stats.TopChannels[j].Name
	})
	if len(stats.TopChannels) > 10 {
		stats.TopChannels = stats.TopChannels[:10]
	}

	return stats
}

// TotalSubscriptions reports the live subscription count.
func (r *Registry) TotalSubscriptions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, state := range r.channels {
		total += len(state.members)
	}
	return total
}

// Clear drops every subscription and channel; used by the admin reset and
// the final stage of shutdown. Returns the number of subscriptions dropped.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for _, state := range r.channels {
		dropped += len(state.members)
	}
	r.channels = make(map[string]*channelState)
	r.userChannels = make(map[int64]map[string]struct{})
	return dropped
}

// storeSnapshot rebuilds the channel's immutable subscriber slice; caller
// holds the registry write lock.
func (s *channelState) storeSnapshot() {
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	s.snapshot.Store(ids)
}
