// Package store defines the persistence contract for the chat server and
// provides two interchangeable backends: a SQLite database and an in-memory
// map with a JSON snapshot file. Handlers and the websocket hub only ever
// talk to the Store interface and never branch on which backend is active.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user or message id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateEmail is returned by CreateUser when the email is taken.
	ErrDuplicateEmail = errors.New("email already registered")
)

// User statuses. New accounts always start as "member"; the other two are
// assigned by hand in the database.
const (
	StatusMember = "member"
	StatusHacker = "hacker"
	StatusRoyal  = "royal"
)

// Reaction types accepted by ToggleReaction.
const (
	ReactionLike  = "like"
	ReactionHeart = "heart"
	ReactionFire  = "fire"
)

// ValidReactionType reports whether t is one of the three reaction kinds.
func ValidReactionType(t string) bool {
	return t == ReactionLike || t == ReactionHeart || t == ReactionFire
}

type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"-"`
	DisplayName    string     `json:"displayName"`
	Bio            string     `json:"bio,omitempty"`
	ProfilePicture string     `json:"profilePicture,omitempty"`
	WhatsappNumber string     `json:"whatsappNumber,omitempty"`
	Status         string     `json:"status"`
	IsAdmin        bool       `json:"isAdmin"`
	IsOnline       bool       `json:"isOnline"`
	LastSeen       *time.Time `json:"lastSeen,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// UserUpdate carries the profile fields a user may change. Nil means
// "leave as is" so partial updates merge instead of overwrite.
type UserUpdate struct {
	DisplayName    *string `json:"displayName"`
	Bio            *string `json:"bio"`
	ProfilePicture *string `json:"profilePicture"`
	WhatsappNumber *string `json:"whatsappNumber"`
}

type Message struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Content        string    `json:"content"`
	ReplyToID      string    `json:"replyToId,omitempty"`
	MentionedUsers []string  `json:"mentionedUsers,omitempty"`
	Likes          int       `json:"likes"`
	Hearts         int       `json:"hearts"`
	Fires          int       `json:"fires"`
	CreatedAt      time.Time `json:"createdAt"`

	// Joined on read, never stored.
	User    *User    `json:"user,omitempty"`
	ReplyTo *Message `json:"replyTo,omitempty"`
}

// ReactionCounts is the denormalized per-message counter triple. It must
// always equal the live count of reaction rows of each type.
type ReactionCounts struct {
	Likes  int `json:"likes"`
	Hearts int `json:"hearts"`
	Fires  int `json:"fires"`
}

type Announcement struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultAnnouncement is seeded when the store has no announcement yet.
const DefaultAnnouncement = "Welcome to the Royal Hacker Kingdom! 🏰 Join our WhatsApp channel for exclusive updates and connect with fellow hackers. Let's build something amazing together! 👑"

// Store is the uniform persistence contract described in the storage layer.
// All mutating calls against the SQLite backend may fail with an I/O error;
// the memory backend only fails on impossible ids (its snapshot writes are
// best-effort and swallowed).
type Store interface {
	// Users
	GetUser(id string) (*User, error)
	GetUserByEmail(email string) (*User, error)
	CreateUser(email, passwordHash, displayName, bio, profilePicture, whatsappNumber string) (*User, error)
	UpdateUser(id string, upd UserUpdate) (*User, error)
	PromoteAdmin(id string) error
	DeleteUser(id string) error
	SetUserOnline(id string, online bool) error
	GetOnlineUsers() ([]User, error)
	ListUsers() ([]User, error)

	// Messages
	GetMessages(limit int) ([]Message, error)
	CreateMessage(userID, content, replyToID string, mentionedUsers []string) (*Message, error)

	// Reactions
	ToggleReaction(messageID, userID, reactionType string) error
	GetMessageReactions(messageID string) (ReactionCounts, error)

	// Announcements
	GetLatestAnnouncement() (*Announcement, error)
	UpdateAnnouncement(content string) (*Announcement, error)

	// Visits
	RecordVisit(address, userAgent string) error
	GetVisitorCount() (int, error)

	Close() error
}

// NewID returns a random 16-char hex id.
func NewID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
