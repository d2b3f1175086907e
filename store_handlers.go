package uthhub

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// decodeMap converts a generic JSON object into out using mapstructure tags.
func decodeMap(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return errors.Wrap(err, "build decoder")
	}
	return errors.Wrap(dec.Decode(in), "decode event")
}

// onConversationFrame handles /topic/conversation/{id}, which carries both
// chat messages and read receipts. Receipts are told apart by readerId.
func (s *Store) onConversationFrame(topic string, body []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return errors.Wrap(err, "decode conversation event")
	}
	if v, ok := raw["readerId"]; ok && v != nil {
		var rr ReadReceipt
		if err := decodeMap(raw, &rr); err != nil {
			return err
		}
		s.applyReadReceipt(rr, false)
		return nil
	}
	var msg Message
	if err := decodeMap(raw, &msg); err != nil {
		return err
	}
	s.applyMessage(msg, false)
	return nil
}

func (s *Store) onReadFrame(topic string, body []byte) error {
	var rr ReadReceipt
	if err := json.Unmarshal(body, &rr); err != nil {
		return errors.Wrap(err, "decode read receipt")
	}
	s.applyReadReceipt(rr, false)
	return nil
}

func (s *Store) onPersonalMessage(topic string, body []byte) error {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return errors.Wrap(err, "decode message")
	}
	s.applyMessage(msg, true)
	return nil
}

func (s *Store) onPersonalReceipt(topic string, body []byte) error {
	var rr ReadReceipt
	if err := json.Unmarshal(body, &rr); err != nil {
		return errors.Wrap(err, "decode read receipt")
	}
	s.applyReadReceipt(rr, true)
	return nil
}

func (s *Store) onTypingFrame(topic string, body []byte) error {
	var ev TypingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return errors.Wrap(err, "decode typing event")
	}
	s.applyTyping(ev)
	return nil
}

func (s *Store) onPresenceFrame(topic string, body []byte) error {
	var st UserStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return errors.Wrap(err, "decode presence")
	}
	if st.Username == "" {
		st.Username = strings.TrimPrefix(topic, presenceTopic(""))
	}
	s.applyPresence(st)
	return nil
}

// ============================================================================
// Event application
// ============================================================================

// applyMessage merges a pushed message. Messages from the personal queue
// update the list for any conversation and may upgrade a temporary focus;
// messages from a conversation topic only reach the focused conversation.
func (s *Store) applyMessage(msg Message, fromQueue bool) {
	s.mu.Lock()
	self := s.self
	cur := s.current

	var upgraded int64
	if fromQueue && cur != nil && cur.IsTemp() && cur.RecipientID != nil && msg.ConversationID != 0 &&
		(msg.SenderID == self.ID || msg.SenderID == *cur.RecipientID) {
		upgraded = s.upgradeLocked(cur, msg.ConversationID)
	}

	inCurrent := cur != nil && cur.HasID(msg.ConversationID)
	if !fromQueue && !inCurrent {
		s.mu.Unlock()
		s.metrics.Dropped.WithLabelValues("unfocused").Inc()
		s.log.Debug("message for unfocused conversation dropped", zap.Int64("conversation", msg.ConversationID))
		return
	}

	listed := s.touchConversationLocked(msg, inCurrent, fromQueue)
	changed := listed || upgraded != 0
	if inCurrent {
		if s.appendMessageLocked(msg) {
			changed = true
		}
		if s.removeTypingLocked(msg.SenderID) {
			changed = true
		}
	}
	needRead := inCurrent && msg.SenderID != self.ID
	s.mu.Unlock()

	if upgraded != 0 {
		s.log.Info("conversation created", zap.Int64("conversation", upgraded))
		s.armConversation(upgraded)
	}
	if changed {
		s.emit()
	}
	if fromQueue && !listed {
		go s.reloadConversations()
	}
	if needRead {
		go s.markReadAsync()
	}
}

// upgradeLocked turns the temporary focus into conversation id, keeping the
// same pointer so holders of the focus see the change. The list ends up
// with exactly one entry for id.
func (s *Store) upgradeLocked(cur *Conversation, id int64) int64 {
	replaced := false
	for i, c := range s.conversations {
		if c.HasID(id) {
			// The list may already hold the server's copy.
			if len(c.Participants) > 0 {
				cur.Participants = c.Participants
				cur.IsGroup = c.IsGroup
			}
			if c.Name != "" {
				cur.Name = c.Name
			}
			if c.LastMessageAt != "" {
				cur.LastMessage = c.LastMessage
				cur.LastMessageAt = c.LastMessageAt
			}
			if c.AvatarURL != "" {
				cur.AvatarURL = c.AvatarURL
			}
			s.conversations[i] = cur
			replaced = true
			break
		}
	}
	if !replaced {
		s.conversations = append([]*Conversation{cur}, s.conversations...)
	}
	cur.ID = int64Ptr(id)
	cur.RecipientID = nil
	for _, m := range s.messages {
		if m.ConversationID == 0 {
			m.ConversationID = id
		}
	}
	return id
}

// touchConversationLocked moves the message's conversation to the top of
// the list with the new preview. It reports whether the conversation is
// listed.
func (s *Store) touchConversationLocked(msg Message, inCurrent, fromQueue bool) bool {
	idx := -1
	for i, c := range s.conversations {
		if c.HasID(msg.ConversationID) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	c := s.conversations[idx]
	c.LastMessage = msg.Content
	c.LastMessageAt = msg.CreatedAt
	if fromQueue && !inCurrent && msg.SenderID != s.self.ID {
		c.UnreadCount++
	}
	copy(s.conversations[1:idx+1], s.conversations[:idx])
	s.conversations[0] = c
	return true
}

// appendMessageLocked adds msg to the focused list unless its id is already
// present. An own message confirms the matching provisional echo in place.
func (s *Store) appendMessageLocked(msg Message) bool {
	if msg.ID != 0 && s.seen[msg.ID] {
		return false
	}
	if msg.SenderID == s.self.ID {
		if prov := s.provisionalForLocked(msg); prov != nil {
			prov.ID = msg.ID
			prov.ConversationID = msg.ConversationID
			prov.CreatedAt = msg.CreatedAt
			if msg.SenderName != "" {
				prov.SenderName = msg.SenderName
			}
			prov.Status = MessageConfirmed
			if msg.ID != 0 {
				s.seen[msg.ID] = true
			}
			return true
		}
	}
	m := msg
	m.Status = MessageConfirmed
	s.messages = append(s.messages, &m)
	if m.ID != 0 {
		s.seen[m.ID] = true
	}
	return true
}

// provisionalForLocked finds the local echo msg confirms: by clientMessageId
// when the server echoes it, otherwise the oldest unconfirmed echo with the
// same content in the same conversation.
func (s *Store) provisionalForLocked(msg Message) *Message {
	for _, m := range s.messages {
		if !m.Provisional() {
			continue
		}
		if msg.ClientMessageID != "" {
			if m.ClientMessageID == msg.ClientMessageID {
				return m
			}
			continue
		}
		if m.Content == msg.Content && (m.ConversationID == msg.ConversationID || m.ConversationID == 0) {
			return m
		}
	}
	return nil
}

// applyReadReceipt marks every loaded message read when another participant
// reads the focused conversation. The caller's own receipts clear the
// conversation's unread counter.
func (s *Store) applyReadReceipt(rr ReadReceipt, fromQueue bool) {
	s.mu.Lock()
	changed := false
	if rr.ReaderID == s.self.ID {
		if c := s.findLocked(rr.ConversationID); c != nil && c.UnreadCount != 0 {
			c.UnreadCount = 0
			changed = true
		}
		s.mu.Unlock()
		if changed {
			s.emit()
		}
		return
	}
	if !s.isCurrentLocked(rr.ConversationID) {
		s.mu.Unlock()
		if !fromQueue {
			s.metrics.Dropped.WithLabelValues("unfocused").Inc()
		}
		return
	}
	for _, m := range s.messages {
		if !m.IsRead {
			m.IsRead = true
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.emit()
	}
}

func (s *Store) applyTyping(ev TypingEvent) {
	s.mu.Lock()
	if !s.isCurrentLocked(ev.ConversationID) {
		s.mu.Unlock()
		s.metrics.Dropped.WithLabelValues("unfocused").Inc()
		return
	}
	if ev.UserID == s.self.ID {
		s.mu.Unlock()
		return
	}
	if !ev.Typing {
		changed := s.removeTypingLocked(ev.UserID)
		s.mu.Unlock()
		if changed {
			s.emit()
		}
		return
	}

	if e, ok := s.typingUsers[ev.UserID]; ok {
		e.timer.Stop()
	}
	s.typingGen++
	gen := s.typingGen
	userID := ev.UserID
	s.typingUsers[userID] = &typingEntry{
		user: TypingUser{
			ConversationID: ev.ConversationID,
			UserID:         ev.UserID,
			Username:       ev.Username,
			FullName:       ev.FullName,
		},
		gen:   gen,
		timer: time.AfterFunc(s.cfg.RemoteTypingTTL, func() { s.expireTyping(userID, gen) }),
	}
	s.mu.Unlock()
	s.emit()
}

func (s *Store) expireTyping(userID int64, gen uint64) {
	s.mu.Lock()
	e, ok := s.typingUsers[userID]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.typingUsers, userID)
	s.mu.Unlock()
	s.emit()
}

func (s *Store) removeTypingLocked(userID int64) bool {
	e, ok := s.typingUsers[userID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.typingUsers, userID)
	return true
}

// applyPresence updates the user's status in the list and, separately, in
// a temporary focus that is not listed yet.
func (s *Store) applyPresence(st UserStatus) {
	online := st.Status == StatusOnline
	matches := func(u User) bool {
		return (st.ID != 0 && u.ID == st.ID) || (st.Username != "" && u.Username == st.Username)
	}

	s.mu.Lock()
	changed := false
	update := func(c *Conversation) {
		for i := range c.Participants {
			p := &c.Participants[i]
			if matches(*p) {
				p.Status = st.Status
				p.IsOnline = online
				changed = true
			}
		}
		if peer, ok := c.Peer(s.self.ID); ok && matches(peer) {
			c.IsOnline = online
		}
	}
	listed := false
	for _, c := range s.conversations {
		update(c)
		if c == s.current {
			listed = true
		}
	}
	if s.current != nil && !listed {
		update(s.current)
	}
	s.mu.Unlock()
	if changed {
		s.emit()
	}
}

func (s *Store) reloadConversations() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := s.LoadConversations(ctx); err != nil {
		s.log.Warn("conversation reload failed", zap.Error(err))
	}
}
