// Package presence implements the PresenceSet of spec.md §4.7: a
// per-channel client_id -> member map reconciled through SYNC.
package presence

import (
	"sync"

	"github.com/relaywire/realtime-go/internal/protocol"
)

// Member is one entry of the presence set, keyed by (ClientID, ConnectionID)
// per invariant 6.
type Member struct {
	ClientID     string
	ConnectionID string
	Data         interface{}
	Encoding     string
	Timestamp    int64
}

type memberKey struct {
	clientID     string
	connectionID string
}

// Set holds one channel's presence membership and the SYNC-in-progress
// buffer. It is owned by that channel's goroutine in production (spec.md
// §5) but its methods take a mutex for defensive safety.
type Set struct {
	mu      sync.Mutex
	members map[memberKey]Member

	syncing    bool
	syncBuffer []protocol.PresenceEvent
}

// New constructs an empty Set.
func New() *Set {
	return &Set{members: make(map[memberKey]Member)}
}

// Apply reconciles one live PresenceEvent per spec.md §4.7:
//   - Enter, Present: insert/overwrite, mark present.
//   - Update: modify existing member's data; insert if absent.
//   - Leave, Absent: remove.
//
// If a SYNC is in progress, the event is buffered instead of applied
// immediately and replayed atomically once BeginSync's snapshot lands
// (spec.md §4.7's SYNC protocol).
func (s *Set) Apply(ev protocol.PresenceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing {
		s.syncBuffer = append(s.syncBuffer, ev)
		return
	}
	s.applyLocked(ev)
}

func (s *Set) applyLocked(ev protocol.PresenceEvent) {
	key := memberKey{clientID: ev.ClientID, connectionID: ev.ConnectionID}
	switch ev.Action {
	case protocol.PresenceEnter, protocol.PresencePresent:
		s.members[key] = Member{
			ClientID: ev.ClientID, ConnectionID: ev.ConnectionID,
			Data: ev.Data, Encoding: ev.Encoding, Timestamp: ev.Timestamp,
		}
	case protocol.PresenceUpdate:
		m, ok := s.members[key]
		if !ok {
			m = Member{ClientID: ev.ClientID, ConnectionID: ev.ConnectionID}
		}
		m.Data = ev.Data
		m.Encoding = ev.Encoding
		m.Timestamp = ev.Timestamp
		s.members[key] = m
	case protocol.PresenceLeave, protocol.PresenceAbsent:
		delete(s.members, key)
	}
}

// BeginSync marks the start of a multi-frame SYNC: subsequent Apply calls
// buffer instead of mutating the set directly (spec.md §4.7).
func (s *Set) BeginSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncing = true
	s.syncBuffer = s.syncBuffer[:0]
}

// ApplySnapshot merges a SYNC page's membership into the set, applying each
// event as a live event would be applied, without touching s.syncing —
// multiple pages may arrive before CompleteSync (empty channelSerial
// continuation) is called. Members already in the set that the snapshot
// does not list are not removed, here or in CompleteSync.
func (s *Set) ApplySnapshot(snapshot []protocol.PresenceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members == nil {
		s.members = make(map[memberKey]Member)
	}
	for _, ev := range snapshot {
		s.applyLocked(ev)
	}
}

// CompleteSync ends the in-progress SYNC: the snapshot (already merged via
// ApplySnapshot) is now canonical, and any live events buffered during SYNC
// replay on top of it in arrival order (spec.md invariant 6, testable
// property 6: "After SYNC completes ... equals apply(E_after_sync, S)").
func (s *Set) CompleteSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncing = false
	buffered := s.syncBuffer
	s.syncBuffer = nil
	for _, ev := range buffered {
		s.applyLocked(ev)
	}
}

// DiscardSync abandons an in-progress SYNC without applying its buffer,
// used when the channel DETACHes mid-SYNC (spec.md §9 Open Question,
// resolved in DESIGN.md: "the in-progress SYNC is discarded on DETACH").
func (s *Set) DiscardSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncing = false
	s.syncBuffer = nil
}

// Members returns a snapshot copy of the current membership.
func (s *Set) Members() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	return out
}

// Get returns the member for (clientID, connectionID), if present.
func (s *Set) Get(clientID, connectionID string) (Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{clientID: clientID, connectionID: connectionID}]
	return m, ok
}

// Clear empties the set, e.g. on channel re-attach without resume (spec.md
// §4.5 Suspended -> Attaching: "channels are expected to reattach from
// scratch").
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = make(map[memberKey]Member)
	s.syncing = false
	s.syncBuffer = nil
}
