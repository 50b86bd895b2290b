package cache

import (
	"github.com/matheus3301/inbox/internal/model"
)

// Messages returns the messages of a thread ordered by (timestamp, id).
func (s *Store) Messages(threadID int64) []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.messages[threadID]
	out := make([]*model.Message, len(cur))
	copy(out, cur)
	return out
}

// HasMessages reports whether the thread has any message in memory.
func (s *Store) HasMessages(threadID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[threadID]) > 0
}

// SetMessages replaces the thread's list with page, or merges page into it by
// id when replace is false. Pending local messages survive a replace until a
// server message with the same client id arrives. Entries whose id and body
// are unchanged keep their previous value.
func (s *Store) SetMessages(threadID int64, page []model.Message, replace bool) {
	s.mu.Lock()
	cur := s.messages[threadID]
	prev := make(map[int64]*model.Message, len(cur))
	for _, m := range cur {
		prev[m.ID] = m
	}
	var base []*model.Message
	if replace {
		for _, m := range cur {
			if m.Status.Pending() || m.ID <= 0 {
				base = append(base, m)
			}
		}
	} else {
		base = append(base, cur...)
	}
	next := mergeMessages(base, prev, page, threadID)
	if samePointers(cur, next) {
		s.mu.Unlock()
		return
	}
	s.messages[threadID] = next
	if s.refreshSummaryLocked(threadID, next, 0) {
		s.sortLocked()
	}
	v := s.nextVersionLocked()
	s.mu.Unlock()

	s.persist(threadID, v, next)
	s.notify(Change{Kind: ChangeMessages, ThreadID: threadID})
}

// UpsertMessage inserts msg or merges it onto the message with the same id,
// field by field for partial payloads. A server message carrying the client
// id of a pending local message takes its place. The owning summary is
// created on first reference, its preview moves forward, and its unread count
// grows for new incoming confirmed messages not covered by the read marker.
// It returns false when nothing changed.
func (s *Store) UpsertMessage(msg model.Message) bool {
	threadID := msg.ThreadID
	if threadID == 0 {
		return false
	}
	s.mu.Lock()
	cur := s.messages[threadID]
	if i := indexOf(cur, msg.ID); i >= 0 {
		merged := model.MergeMessage(*cur[i], msg)
		if model.SameContent(cur[i], &merged) && merged.Timestamp.Equal(cur[i].Timestamp) {
			s.mu.Unlock()
			return false
		}
	}

	next, replacedLocal := dropPendingClone(cur, msg.ClientID, msg.ID)
	var m model.Message
	i := indexOf(next, msg.ID)
	isNew := i < 0 && !replacedLocal
	if i >= 0 {
		m = model.MergeMessage(*next[i], msg)
		next[i] = &m
	} else {
		m = msg
		m.Present = 0
		next = append(next, &m)
	}
	model.SortMessages(next)
	s.messages[threadID] = next

	bump := 0
	if isNew && !m.FromMe && m.Confirmed() {
		if mk, ok := s.lastRead[threadID]; !ok || !mk.coversMessage(&m) {
			bump = 1
		}
	}
	if s.refreshSummaryLocked(threadID, next, bump) {
		s.sortLocked()
	}
	v := s.nextVersionLocked()
	s.mu.Unlock()

	s.persist(threadID, v, next)
	s.notify(Change{Kind: ChangeMessages, ThreadID: threadID})
	return true
}

// ConfirmMessage swaps the optimistic message tempID for the server-confirmed
// version. If the confirmed id is already present, for example because the
// realtime echo won the race, only the temporary entry is removed.
func (s *Store) ConfirmMessage(threadID, tempID int64, confirmed model.Message) {
	confirmed.ThreadID = threadID
	s.mu.Lock()
	cur := s.messages[threadID]
	next := make([]*model.Message, 0, len(cur)+1)
	for _, m := range cur {
		if m.ID == tempID && tempID != confirmed.ID {
			continue
		}
		if confirmed.ClientID != "" && m.ClientID == confirmed.ClientID && m.ID != confirmed.ID {
			continue
		}
		next = append(next, m)
	}
	if i := indexOf(next, confirmed.ID); i >= 0 {
		if !model.SameContent(next[i], &confirmed) || next[i].Status != confirmed.Status {
			m := model.MergeMessage(*next[i], confirmed)
			next[i] = &m
		}
	} else {
		confirmed.Present = 0
		next = append(next, &confirmed)
	}
	model.SortMessages(next)
	if samePointers(cur, next) {
		s.mu.Unlock()
		return
	}
	s.messages[threadID] = next
	if s.refreshSummaryLocked(threadID, next, 0) {
		s.sortLocked()
	}
	v := s.nextVersionLocked()
	s.mu.Unlock()

	s.persist(threadID, v, next)
	s.notify(Change{Kind: ChangeMessages, ThreadID: threadID})
}

// SetStatus changes the client-only status of one message. Status is not part
// of the id and body comparison, so it has its own entry point.
func (s *Store) SetStatus(threadID, id int64, status model.MessageStatus) bool {
	s.mu.Lock()
	cur := s.messages[threadID]
	i := indexOf(cur, id)
	if i < 0 || cur[i].Status == status {
		s.mu.Unlock()
		return false
	}
	next := append([]*model.Message(nil), cur...)
	m := *cur[i]
	m.Status = status
	next[i] = &m
	s.messages[threadID] = next
	v := s.nextVersionLocked()
	s.mu.Unlock()

	s.persist(threadID, v, next)
	s.notify(Change{Kind: ChangeMessages, ThreadID: threadID})
	return true
}

// MessageByClientID finds a message of the thread by its client id.
func (s *Store) MessageByClientID(threadID int64, clientID string) (*model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[threadID] {
		if m.ClientID == clientID {
			return m, true
		}
	}
	return nil, false
}

// SetTyping flags a thread as typing or not.
func (s *Store) SetTyping(threadID int64, typing bool) {
	s.UpdateSummary(threadID, model.SummaryPatch{Typing: &typing})
}

// SetPresence records the counterparty presence of a thread, stamped with the
// store clock.
func (s *Store) SetPresence(threadID int64, presence string) {
	at := s.now()
	s.UpdateSummary(threadID, model.SummaryPatch{Presence: &presence, LastPresenceAt: &at})
}

// Message returns one message of a thread by id.
func (s *Store) Message(threadID, id int64) (*model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.findLocked(threadID, id)
	return m, m != nil
}

func (s *Store) findLocked(threadID, id int64) *model.Message {
	cur := s.messages[threadID]
	if i := indexOf(cur, id); i >= 0 {
		return cur[i]
	}
	return nil
}

// refreshSummaryLocked moves the summary preview to the newest message and
// adds bump to its unread count. A missing summary is created. It reports
// whether the summary changed.
func (s *Store) refreshSummaryLocked(threadID int64, list []*model.Message, bump int) bool {
	base := model.ThreadSummary{ID: threadID}
	if cur, ok := s.summaries[threadID]; ok {
		base = *cur
	}
	if n := len(list); n > 0 {
		last := list[n-1]
		if !last.Timestamp.Before(base.LastMessageAt) {
			base.LastMessageAt = last.Timestamp
			base.LastMessagePreview = model.Preview(last.Body)
			if last.ID > 0 {
				base.LastMessageID = last.ID
			}
		}
	}
	base.UnreadCount = max(0, base.UnreadCount+bump)
	return s.putSummaryLocked(&base)
}

// mergeMessages merges page into base by id, field by field. Entries of prev
// whose id and body match are reused so unchanged messages keep their
// identity.
func mergeMessages(base []*model.Message, prev map[int64]*model.Message, page []model.Message, threadID int64) []*model.Message {
	out := append([]*model.Message(nil), base...)
	for i := range page {
		m := page[i]
		m.ThreadID = threadID
		if m.ClientID != "" {
			out, _ = dropPending(out, m.ClientID, m.ID)
		}
		if j := indexOf(out, m.ID); j >= 0 {
			merged := model.MergeMessage(*out[j], m)
			if model.SameContent(out[j], &merged) && merged.Timestamp.Equal(out[j].Timestamp) {
				continue
			}
			out[j] = &merged
			continue
		}
		if p, ok := prev[m.ID]; ok {
			merged := model.MergeMessage(*p, m)
			if model.SameContent(p, &merged) && merged.Timestamp.Equal(p.Timestamp) {
				out = append(out, p)
				continue
			}
			out = append(out, &merged)
			continue
		}
		m.Present = 0
		out = append(out, &m)
	}
	model.SortMessages(out)
	return out
}

// dropPendingClone returns a copy of list without pending messages carrying
// clientID under an id other than keepID.
func dropPendingClone(list []*model.Message, clientID string, keepID int64) ([]*model.Message, bool) {
	return dropPending(append([]*model.Message(nil), list...), clientID, keepID)
}

func dropPending(list []*model.Message, clientID string, keepID int64) ([]*model.Message, bool) {
	if clientID == "" {
		return list, false
	}
	out := list[:0]
	dropped := false
	for _, m := range list {
		if m.ClientID == clientID && m.ID != keepID && (m.Status.Pending() || m.ID <= 0) {
			dropped = true
			continue
		}
		out = append(out, m)
	}
	return out, dropped
}

func indexOf(list []*model.Message, id int64) int {
	for i, m := range list {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func samePointers(a, b []*model.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
