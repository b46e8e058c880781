package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the durable Store backend.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and runs the
// schema migration.
func OpenSQLite(path string) (*SQLite, error) {
	// The _pragma form is the one this driver honors; foreign keys default
	// to off in SQLite and the delete cascades depend on them.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	email           TEXT UNIQUE NOT NULL,
	password_hash   TEXT NOT NULL,
	display_name    TEXT NOT NULL,
	bio             TEXT DEFAULT '',
	profile_picture TEXT DEFAULT '',
	whatsapp_number TEXT DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'member',
	is_admin        INTEGER NOT NULL DEFAULT 0,
	is_online       INTEGER NOT NULL DEFAULT 0,
	last_seen       DATETIME,
	created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	content         TEXT NOT NULL,
	reply_to_id     TEXT DEFAULT '',
	mentioned_users TEXT DEFAULT '',
	likes           INTEGER NOT NULL DEFAULT 0,
	hearts          INTEGER NOT NULL DEFAULT 0,
	fires           INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS reactions (
	message_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (message_id, user_id, type),
	FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE,
	FOREIGN KEY (user_id)    REFERENCES users(id)    ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS announcements (
	id         TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS visits (
	address     TEXT PRIMARY KEY,
	user_agent  TEXT DEFAULT '',
	visit_count INTEGER NOT NULL DEFAULT 1,
	last_visit  DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions(message_id);
CREATE INDEX IF NOT EXISTS idx_users_online ON users(is_online);
`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// Seed the welcome announcement so a fresh install is never blank.
	var n int
	s.db.QueryRow(`SELECT COUNT(*) FROM announcements`).Scan(&n)
	if n == 0 {
		_, err := s.db.Exec(`INSERT INTO announcements (id, content) VALUES (?, ?)`,
			NewID(), DefaultAnnouncement)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// --- Users ---

const userCols = `id, email, password_hash, display_name, bio, profile_picture,
	whatsapp_number, status, is_admin, is_online, last_seen, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	u := &User{}
	var admin, online int
	var lastSeen sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Bio,
		&u.ProfilePicture, &u.WhatsappNumber, &u.Status, &admin, &online,
		&lastSeen, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.IsAdmin = admin == 1
	u.IsOnline = online == 1
	if lastSeen.Valid {
		u.LastSeen = &lastSeen.Time
	}
	return u, nil
}

func (s *SQLite) GetUser(id string) (*User, error) {
	return scanUser(s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE id = ?`, id))
}

func (s *SQLite) GetUserByEmail(email string) (*User, error) {
	return scanUser(s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE email = ?`, email))
}

func (s *SQLite) CreateUser(email, passwordHash, displayName, bio, profilePicture, whatsappNumber string) (*User, error) {
	// Read-then-write duplicate check. A racing double insert surfaces as a
	// UNIQUE violation below, which we also report as a duplicate.
	if _, err := s.GetUserByEmail(email); err == nil {
		return nil, ErrDuplicateEmail
	}
	id := NewID()
	_, err := s.db.Exec(`
		INSERT INTO users (id, email, password_hash, display_name, bio,
			profile_picture, whatsapp_number, status, is_admin, is_online, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'member', 0, 1, ?)`,
		id, email, passwordHash, displayName, bio, profilePicture, whatsappNumber,
		time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return s.GetUser(id)
}

func (s *SQLite) UpdateUser(id string, upd UserUpdate) (*User, error) {
	u, err := s.GetUser(id)
	if err != nil {
		return nil, err
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
	_, err = s.db.Exec(`
		UPDATE users SET display_name = ?, bio = ?, profile_picture = ?,
			whatsapp_number = ? WHERE id = ?`,
		u.DisplayName, u.Bio, u.ProfilePicture, u.WhatsappNumber, id)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// PromoteAdmin grants the royal status and the admin flag. Only the startup
// admin seed calls this; there is no API route for it.
func (s *SQLite) PromoteAdmin(id string) error {
	res, err := s.db.Exec(`UPDATE users SET status = ?, is_admin = 1 WHERE id = ?`,
		StatusRoyal, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) DeleteUser(id string) error {
	// ON DELETE CASCADE removes the user's messages and reactions, plus any
	// reactions other users left on those messages. The cascade also takes out
	// reactions this user left on surviving messages, so those messages'
	// counters have to be recomputed afterwards.
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT DISTINCT message_id FROM reactions WHERE user_id = ?`, id)
	if err != nil {
		return err
	}
	var touched []string
	for rows.Next() {
		var mid string
		if err := rows.Scan(&mid); err != nil {
			rows.Close()
			return err
		}
		touched = append(touched, mid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM users WHERE id = ?`, id); err != nil {
		return err
	}
	for _, mid := range touched {
		_, err := tx.Exec(`
			UPDATE messages SET
				likes  = (SELECT COUNT(*) FROM reactions WHERE message_id = ? AND type = 'like'),
				hearts = (SELECT COUNT(*) FROM reactions WHERE message_id = ? AND type = 'heart'),
				fires  = (SELECT COUNT(*) FROM reactions WHERE message_id = ? AND type = 'fire')
			WHERE id = ?`,
			mid, mid, mid, mid)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) SetUserOnline(id string, online bool) error {
	if online {
		_, err := s.db.Exec(`UPDATE users SET is_online = 1 WHERE id = ?`, id)
		return err
	}
	// lastSeen marks the moment the user went offline, so an already-offline
	// user (say a socket close after a REST logout) must not re-stamp it.
	_, err := s.db.Exec(`UPDATE users SET is_online = 0, last_seen = ? WHERE id = ? AND is_online = 1`,
		time.Now().UTC(), id)
	return err
}

func (s *SQLite) GetOnlineUsers() ([]User, error) {
	return s.queryUsers(`SELECT ` + userCols + ` FROM users WHERE is_online = 1`)
}

func (s *SQLite) ListUsers() ([]User, error) {
	return s.queryUsers(`SELECT ` + userCols + ` FROM users ORDER BY created_at ASC`)
}

func (s *SQLite) queryUsers(query string) ([]User, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// --- Messages ---

func (s *SQLite) CreateMessage(userID, content, replyToID string, mentionedUsers []string) (*Message, error) {
	id := NewID()
	mentions := ""
	if len(mentionedUsers) > 0 {
		b, _ := json.Marshal(mentionedUsers)
		mentions = string(b)
	}
	// Explicit timestamp: CURRENT_TIMESTAMP only has second resolution,
	// which is too coarse to order a burst of messages.
	_, err := s.db.Exec(`
		INSERT INTO messages (id, user_id, content, reply_to_id, mentioned_users, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, content, replyToID, mentions, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.getMessage(id, true)
}

func (s *SQLite) getMessage(id string, resolveReply bool) (*Message, error) {
	m := &Message{}
	var mentions string
	err := s.db.QueryRow(`
		SELECT id, user_id, content, reply_to_id, mentioned_users,
			likes, hearts, fires, created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.UserID, &m.Content, &m.ReplyToID, &mentions,
			&m.Likes, &m.Hearts, &m.Fires, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if mentions != "" {
		json.Unmarshal([]byte(mentions), &m.MentionedUsers)
	}
	m.User, _ = s.GetUser(m.UserID)
	if resolveReply && m.ReplyToID != "" {
		// Single-level reply resolution only.
		m.ReplyTo, _ = s.getMessage(m.ReplyToID, false)
	}
	return m, nil
}

func (s *SQLite) GetMessages(limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id FROM messages ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		m, err := s.getMessage(id, true)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse so oldest first, the order chat clients render in.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// --- Reactions ---

// ToggleReaction flips the (message, user, type) reaction row and recomputes
// the message's three counters in the same transaction, so the counters can
// never drift from the underlying rows.
func (s *SQLite) ToggleReaction(messageID, userID, reactionType string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE id = ?`, messageID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	var have int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM reactions
		WHERE message_id = ? AND user_id = ? AND type = ?`,
		messageID, userID, reactionType).Scan(&have)
	if err != nil {
		return err
	}
	if have > 0 {
		_, err = tx.Exec(`
			DELETE FROM reactions
			WHERE message_id = ? AND user_id = ? AND type = ?`,
			messageID, userID, reactionType)
	} else {
		_, err = tx.Exec(`
			INSERT INTO reactions (message_id, user_id, type) VALUES (?, ?, ?)`,
			messageID, userID, reactionType)
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE messages SET
			likes  = (SELECT COUNT(*) FROM reactions WHERE message_id = ? AND type = 'like'),
			hearts = (SELECT COUNT(*) FROM reactions WHERE message_id = ? AND type = 'heart'),
			fires  = (SELECT COUNT(*) FROM reactions WHERE message_id = ? AND type = 'fire')
		WHERE id = ?`,
		messageID, messageID, messageID, messageID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) GetMessageReactions(messageID string) (ReactionCounts, error) {
	var c ReactionCounts
	err := s.db.QueryRow(`SELECT likes, hearts, fires FROM messages WHERE id = ?`, messageID).
		Scan(&c.Likes, &c.Hearts, &c.Fires)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// --- Announcements ---

func (s *SQLite) GetLatestAnnouncement() (*Announcement, error) {
	a := &Announcement{}
	err := s.db.QueryRow(`
		SELECT id, content, created_at, updated_at
		FROM announcements ORDER BY updated_at DESC LIMIT 1`).
		Scan(&a.ID, &a.Content, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLite) UpdateAnnouncement(content string) (*Announcement, error) {
	existing, err := s.GetLatestAnnouncement()
	if err == nil {
		_, err = s.db.Exec(`UPDATE announcements SET content = ?, updated_at = ? WHERE id = ?`,
			content, time.Now().UTC(), existing.ID)
		if err != nil {
			return nil, err
		}
		return s.GetLatestAnnouncement()
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	id := NewID()
	_, err = s.db.Exec(`INSERT INTO announcements (id, content) VALUES (?, ?)`, id, content)
	if err != nil {
		return nil, err
	}
	return s.GetLatestAnnouncement()
}

// --- Visits ---

func (s *SQLite) RecordVisit(address, userAgent string) error {
	res, err := s.db.Exec(`
		UPDATE visits SET visit_count = visit_count + 1, last_visit = ?
		WHERE address = ?`, time.Now().UTC(), address)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.Exec(`INSERT INTO visits (address, user_agent) VALUES (?, ?)`,
		address, userAgent)
	return err
}

func (s *SQLite) GetVisitorCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM visits`).Scan(&n)
	return n, err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE")
}
