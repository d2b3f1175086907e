package uthhub

import (
	"strconv"

	"github.com/pkg/errors"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned for non-2xx REST responses.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"error,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return "uthhub: " + strconv.Itoa(e.Status) + " " + e.Code + ": " + e.Message
	}
	return "uthhub: " + strconv.Itoa(e.Status) + ": " + e.Message
}

var (
	ErrNotConnected        = errors.New("uthhub: not connected")
	ErrNoCredential        = errors.New("uthhub: no credential available")
	ErrUnreachable         = errors.New("uthhub: backend unreachable")
	ErrSendFailed          = errors.New("uthhub: send failed")
	ErrInvalidDestination  = errors.New("uthhub: exactly one of conversation id or recipient id is required")
	ErrNoConversation      = errors.New("uthhub: no conversation selected")
	ErrEmptyMessage        = errors.New("uthhub: message content is empty")
	ErrUnknownConversation = errors.New("uthhub: unknown conversation")
)

// ============================================================================
// Users
// ============================================================================

const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
)

// User mirrors the backend's user projection. IsOnline is derived locally
// from Status and is never sent by the server.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	FullName    string `json:"fullName,omitempty"`
	Role        string `json:"role,omitempty"`
	DateOfBirth string `json:"dateOfBirth,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Status      string `json:"status,omitempty"`
	Gender      string `json:"gender,omitempty"`
	IsOnline    bool   `json:"isOnline,omitempty"`
}

// DisplayName prefers the full name.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

type UpdateProfileRequest struct {
	FullName    string `json:"fullName,omitempty"`
	Email       string `json:"email,omitempty"`
	DateOfBirth string `json:"dateOfBirth,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Gender      string `json:"gender,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	Type  string `json:"type"`
	User  User   `json:"user"`
}

// UserStatus is the payload pushed on /topic/active/{username}.
type UserStatus struct {
	ID       int64  `json:"id" mapstructure:"id"`
	Username string `json:"username" mapstructure:"username"`
	FullName string `json:"fullName,omitempty" mapstructure:"fullName"`
	Status   string `json:"status" mapstructure:"status"`
}

// ============================================================================
// Conversations & Messages
// ============================================================================

// Conversation is either persisted (ID set) or temporary: a placeholder for a
// 1:1 chat with RecipientID that the backend has not created yet.
type Conversation struct {
	ID            *int64 `json:"id"`
	Participants  []User `json:"participants"`
	LastMessage   string `json:"lastMessage,omitempty"`
	LastMessageAt string `json:"lastMessageAt,omitempty"`

	Name        string `json:"name,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	IsGroup     bool   `json:"isGroup,omitempty"`
	IsOnline    bool   `json:"isOnline,omitempty"`
	UnreadCount int    `json:"unreadCount,omitempty"`
	RecipientID *int64 `json:"recipientId,omitempty"`
}

// IsTemp reports whether the conversation has not been persisted yet.
func (c *Conversation) IsTemp() bool { return c.ID == nil }

// HasID reports whether the conversation is persisted with the given id.
func (c *Conversation) HasID(id int64) bool { return c.ID != nil && *c.ID == id }

// Peer returns the other participant of a 1:1 conversation.
func (c *Conversation) Peer(selfID int64) (User, bool) {
	if c.IsGroup {
		return User{}, false
	}
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p, true
		}
	}
	return User{}, false
}

func (c *Conversation) clone() Conversation {
	out := *c
	out.Participants = append([]User(nil), c.Participants...)
	if c.ID != nil {
		id := *c.ID
		out.ID = &id
	}
	if c.RecipientID != nil {
		rid := *c.RecipientID
		out.RecipientID = &rid
	}
	return out
}

// MessageStatus tracks local delivery of a message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageConfirmed MessageStatus = "confirmed"
	MessageFailed    MessageStatus = "failed"
)

// Message is a chat message. Server messages have a non-zero ID; provisional
// local echoes carry only ClientMessageID until the server confirms them.
type Message struct {
	ID              int64  `json:"id" mapstructure:"id"`
	ConversationID  int64  `json:"conversationId" mapstructure:"conversationId"`
	SenderID        int64  `json:"senderId" mapstructure:"senderId"`
	SenderName      string `json:"senderName,omitempty" mapstructure:"senderName"`
	Avatar          string `json:"avatar,omitempty" mapstructure:"avatar"`
	Content         string `json:"content" mapstructure:"content"`
	CreatedAt       string `json:"createdAt,omitempty" mapstructure:"createdAt"`
	ClientMessageID string `json:"clientMessageId,omitempty" mapstructure:"clientMessageId"`

	IsRead bool          `json:"isRead,omitempty" mapstructure:"isRead"`
	Status MessageStatus `json:"status,omitempty" mapstructure:"-"`
}

// Provisional reports whether the message is a local echo awaiting the server.
func (m *Message) Provisional() bool { return m.ID == 0 && m.ClientMessageID != "" }

// ReadReceipt is pushed when a participant reads a conversation.
type ReadReceipt struct {
	ConversationID int64  `json:"conversationId" mapstructure:"conversationId"`
	ReaderID       int64  `json:"readerId" mapstructure:"readerId"`
	ReaderName     string `json:"readerName,omitempty" mapstructure:"readerName"`
	ReaderAvatar   string `json:"readerAvatar,omitempty" mapstructure:"readerAvatar"`
}

// TypingEvent is pushed on /topic/conversation/{id}/typing.
type TypingEvent struct {
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId"`
	Username       string `json:"username"`
	FullName       string `json:"fullName,omitempty"`
	Typing         bool   `json:"typing"`
}

// TypingUser is an entry of the focused conversation's typing set.
type TypingUser struct {
	ConversationID int64
	UserID         int64
	Username       string
	FullName       string
}

// ChatMessageRequest is published to /app/chat.send. Exactly one of
// ConversationID and RecipientID must be set.
type ChatMessageRequest struct {
	ConversationID   *int64  `json:"conversationId,omitempty"`
	RecipientID      *int64  `json:"recipientId,omitempty"`
	Content          string  `json:"content"`
	ClientMessageID  string  `json:"clientMessageId,omitempty"`
	MentionedUserIDs []int64 `json:"mentionedUserIds,omitempty"`
}

func (r *ChatMessageRequest) validate() error {
	if (r.ConversationID == nil) == (r.RecipientID == nil) {
		return ErrInvalidDestination
	}
	return nil
}

type typingRequest struct {
	ConversationID int64 `json:"conversationId"`
	Typing         bool  `json:"typing"`
}

type readRequest struct {
	ConversationID int64 `json:"conversationId"`
}

type connectAnnouncement struct {
	ID       int64  `json:"id,omitempty"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

type CreateGroupRequest struct {
	Name      string  `json:"name"`
	MemberIDs []int64 `json:"memberIds"`
	AvatarURL string  `json:"avatarUrl,omitempty"`
}

// ============================================================================
// Notifications & Friends
// ============================================================================

const (
	NotificationFriendRequest  = "FRIEND_REQUEST"
	NotificationFriendAccepted = "FRIEND_ACCEPTED"
	NotificationGroupCreated   = "CREATEGROUP"
)

type Notification struct {
	ID        int64  `json:"id"`
	SenderID  int64  `json:"senderId"`
	Style     string `json:"style"`
	Content   string `json:"content"`
	IsRead    bool   `json:"isRead"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Friend is a friendship or friend request as the backend reports it.
type Friend struct {
	RequestID   int64  `json:"requestId"`
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	FullName    string `json:"fullName,omitempty"`
	Email       string `json:"email,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Gender      string `json:"gender,omitempty"`
	DateOfBirth string `json:"dateOfBirth,omitempty"`
	Status      string `json:"status,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

type friendRequestBody struct {
	Username string `json:"username"`
}

func int64Ptr(v int64) *int64 { return &v }
