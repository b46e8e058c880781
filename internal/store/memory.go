package store

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Memory is the fallback Store backend: plain maps guarded by one mutex,
// with a full JSON snapshot written to disk after every mutation. The
// snapshot is best-effort — a write failure is logged and swallowed, so
// this mode is for small or throwaway deployments, not durability.
type Memory struct {
	mu sync.Mutex

	users         map[string]*User
	messages      map[string]*Message
	reactions     map[string]reactionRow // key: messageID|userID|type
	announcements map[string]*Announcement
	visits        map[string]*visitRow

	snapshotPath string
}

type reactionRow struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Type      string `json:"type"`
}

type visitRow struct {
	Address    string    `json:"address"`
	UserAgent  string    `json:"userAgent"`
	VisitCount int       `json:"visitCount"`
	LastVisit  time.Time `json:"lastVisit"`
}

// memorySnapshot is the on-disk shape. User rows carry the password hash
// explicitly since User marshals it away.
type memorySnapshot struct {
	Users         []snapshotUser       `json:"users"`
	Messages      []*Message           `json:"messages"`
	Reactions     []reactionRow        `json:"reactions"`
	Announcements []*Announcement      `json:"announcements"`
	Visits        map[string]*visitRow `json:"visits"`
}

type snapshotUser struct {
	User
	PasswordHash string `json:"passwordHash"`
}

// OpenMemory creates a memory store, loading a previous snapshot from
// snapshotPath if one exists. An unreadable snapshot starts fresh rather
// than failing startup.
func OpenMemory(snapshotPath string) *Memory {
	m := &Memory{
		users:         make(map[string]*User),
		messages:      make(map[string]*Message),
		reactions:     make(map[string]reactionRow),
		announcements: make(map[string]*Announcement),
		visits:        make(map[string]*visitRow),
		snapshotPath:  snapshotPath,
	}
	m.load()
	if len(m.announcements) == 0 {
		a := &Announcement{
			ID:        NewID(),
			Content:   DefaultAnnouncement,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		m.announcements[a.ID] = a
	}
	return m
}

func (m *Memory) load() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		return
	}
	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Printf("memory store: snapshot unreadable, starting fresh: %v", err)
		return
	}
	for i := range snap.Users {
		u := snap.Users[i].User
		u.PasswordHash = snap.Users[i].PasswordHash
		m.users[u.ID] = &u
	}
	for _, msg := range snap.Messages {
		msg.User = nil
		msg.ReplyTo = nil
		m.messages[msg.ID] = msg
	}
	for _, r := range snap.Reactions {
		m.reactions[r.MessageID+"|"+r.UserID+"|"+r.Type] = r
	}
	for _, a := range snap.Announcements {
		m.announcements[a.ID] = a
	}
	if snap.Visits != nil {
		m.visits = snap.Visits
	}
}

// save writes the full snapshot. Caller must hold the mutex.
func (m *Memory) save() {
	snap := memorySnapshot{Visits: m.visits}
	for _, u := range m.users {
		snap.Users = append(snap.Users, snapshotUser{User: *u, PasswordHash: u.PasswordHash})
	}
	for _, msg := range m.messages {
		c := *msg
		c.User = nil
		c.ReplyTo = nil
		snap.Messages = append(snap.Messages, &c)
	}
	for _, r := range m.reactions {
		snap.Reactions = append(snap.Reactions, r)
	}
	for _, a := range m.announcements {
		snap.Announcements = append(snap.Announcements, a)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("memory store: snapshot marshal failed: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.snapshotPath), 0755); err != nil {
		log.Printf("memory store: snapshot dir: %v", err)
		return
	}
	if err := os.WriteFile(m.snapshotPath, data, 0644); err != nil {
		log.Printf("memory store: snapshot write failed: %v", err)
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.save()
	return nil
}

// --- Users ---

func (m *Memory) GetUser(id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *Memory) GetUserByEmail(email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateUser(email, passwordHash, displayName, bio, profilePicture, whatsappNumber string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return nil, ErrDuplicateEmail
		}
	}
	u := &User{
		ID:             NewID(),
		Email:          email,
		PasswordHash:   passwordHash,
		DisplayName:    displayName,
		Bio:            bio,
		ProfilePicture: profilePicture,
		WhatsappNumber: whatsappNumber,
		Status:         StatusMember,
		IsAdmin:        false,
		IsOnline:       true,
		CreatedAt:      time.Now().UTC(),
	}
	m.users[u.ID] = u
	m.save()
	c := *u
	return &c, nil
}

func (m *Memory) UpdateUser(id string, upd UserUpdate) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.DisplayName != nil {
		u.DisplayName = *upd.DisplayName
	}
	if upd.Bio != nil {
		u.Bio = *upd.Bio
	}
	if upd.ProfilePicture != nil {
		u.ProfilePicture = *upd.ProfilePicture
	}
	if upd.WhatsappNumber != nil {
		u.WhatsappNumber = *upd.WhatsappNumber
	}
	m.save()
	c := *u
	return &c, nil
}

func (m *Memory) PromoteAdmin(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = StatusRoyal
	u.IsAdmin = true
	m.save()
	return nil
}

func (m *Memory) DeleteUser(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	for msgID, msg := range m.messages {
		if msg.UserID == id {
			delete(m.messages, msgID)
			for key, r := range m.reactions {
				if r.MessageID == msgID {
					delete(m.reactions, key)
				}
			}
		}
	}
	for key, r := range m.reactions {
		if r.UserID == id {
			delete(m.reactions, key)
			m.recountLocked(r.MessageID)
		}
	}
	m.save()
	return nil
}

func (m *Memory) SetUserOnline(id string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	// Stamp lastSeen only on the transition to offline; going offline twice
	// must not move it.
	if !online && u.IsOnline {
		now := time.Now().UTC()
		u.LastSeen = &now
	}
	u.IsOnline = online
	m.save()
	return nil
}

func (m *Memory) GetOnlineUsers() ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var users []User
	for _, u := range m.users {
		if u.IsOnline {
			users = append(users, *u)
		}
	}
	return users, nil
}

func (m *Memory) ListUsers() ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var users []User
	for _, u := range m.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// --- Messages ---

func (m *Memory) CreateMessage(userID, content, replyToID string, mentionedUsers []string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := &Message{
		ID:             NewID(),
		UserID:         userID,
		Content:        content,
		ReplyToID:      replyToID,
		MentionedUsers: mentionedUsers,
		CreatedAt:      time.Now().UTC(),
	}
	m.messages[msg.ID] = msg
	m.save()
	return m.joinMessageLocked(msg, true), nil
}

// joinMessageLocked copies msg with its author and reply target attached.
// Caller must hold the mutex.
func (m *Memory) joinMessageLocked(msg *Message, resolveReply bool) *Message {
	c := *msg
	if u, ok := m.users[msg.UserID]; ok {
		uc := *u
		c.User = &uc
	}
	if resolveReply && msg.ReplyToID != "" {
		if target, ok := m.messages[msg.ReplyToID]; ok {
			c.ReplyTo = m.joinMessageLocked(target, false)
		}
	}
	return &c
}

func (m *Memory) GetMessages(limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Message, 0, len(m.messages))
	for _, msg := range m.messages {
		all = append(all, msg)
	}
	// Newest first, take limit, then flip to ascending for rendering.
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	msgs := make([]Message, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		msgs = append(msgs, *m.joinMessageLocked(all[i], true))
	}
	return msgs, nil
}

// --- Reactions ---

func (m *Memory) ToggleReaction(messageID, userID, reactionType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[messageID]; !ok {
		return ErrNotFound
	}
	key := messageID + "|" + userID + "|" + reactionType
	if _, ok := m.reactions[key]; ok {
		delete(m.reactions, key)
	} else {
		m.reactions[key] = reactionRow{MessageID: messageID, UserID: userID, Type: reactionType}
	}
	m.recountLocked(messageID)
	m.save()
	return nil
}

// recountLocked rewrites a message's counters from the reaction rows.
// Caller must hold the mutex.
func (m *Memory) recountLocked(messageID string) {
	msg, ok := m.messages[messageID]
	if !ok {
		return
	}
	msg.Likes, msg.Hearts, msg.Fires = 0, 0, 0
	for _, r := range m.reactions {
		if r.MessageID != messageID {
			continue
		}
		switch r.Type {
		case ReactionLike:
			msg.Likes++
		case ReactionHeart:
			msg.Hearts++
		case ReactionFire:
			msg.Fires++
		}
	}
}

func (m *Memory) GetMessageReactions(messageID string) (ReactionCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return ReactionCounts{}, ErrNotFound
	}
	return ReactionCounts{Likes: msg.Likes, Hearts: msg.Hearts, Fires: msg.Fires}, nil
}

// --- Announcements ---

func (m *Memory) GetLatestAnnouncement() (*Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Announcement
	for _, a := range m.announcements {
		if latest == nil || a.UpdatedAt.After(latest.UpdatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	c := *latest
	return &c, nil
}

func (m *Memory) UpdateAnnouncement(content string) (*Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Announcement
	for _, a := range m.announcements {
		if latest == nil || a.UpdatedAt.After(latest.UpdatedAt) {
			latest = a
		}
	}
	if latest == nil {
		latest = &Announcement{ID: NewID(), CreatedAt: time.Now().UTC()}
		m.announcements[latest.ID] = latest
	}
	latest.Content = content
	latest.UpdatedAt = time.Now().UTC()
	m.save()
	c := *latest
	return &c, nil
}

// --- Visits ---

func (m *Memory) RecordVisit(address, userAgent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.visits[address]; ok {
		v.VisitCount++
		v.LastVisit = time.Now().UTC()
	} else {
		m.visits[address] = &visitRow{
			Address:    address,
			UserAgent:  userAgent,
			VisitCount: 1,
			LastVisit:  time.Now().UTC(),
		}
	}
	m.save()
	return nil
}

func (m *Memory) GetVisitorCount() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.visits), nil
}
