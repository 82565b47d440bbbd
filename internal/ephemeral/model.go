package ephemeral

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType enumerates live-room message payload kinds.
type MessageType string

const (
	// MessageTypeText is a plain chat message.
	MessageTypeText MessageType = "text"
	// MessageTypeImage carries attachments.
	MessageTypeImage MessageType = "image"
	// MessageTypeSystem is server-authored room information.
	MessageTypeSystem MessageType = "system"
	// MessageTypeJoin announces a user entering the room.
	MessageTypeJoin MessageType = "join"
	// MessageTypeLeave announces a user leaving the room.
	MessageTypeLeave MessageType = "leave"
)

// SyncState is the offline reconciliation state machine. The only legal
// transition is Pending to Synced, taken exactly once.
type SyncState string

const (
	// SyncStatePending marks an offline-authored message awaiting
	// reconciliation; hidden from everyone but its author.
	SyncStatePending SyncState = "pending"
	// SyncStateSynced marks a confirmed message visible to the room.
	SyncStateSynced SyncState = "synced"
)

// Deletion reasons recorded when a message is soft-deleted.
const (
	DeletionReasonUser              = "user_deleted"
	DeletionReasonActivityEnded     = "activity_ended"
	DeletionReasonTreasureHuntEnded = "treasure_hunt_ended"
)

const maxContentLength = 4000

var (
	// ErrNotFound indicates the referenced message does not exist or is deleted.
	ErrNotFound = errors.New("ephemeral: message not found")
	// ErrForbidden indicates the caller does not own the message.
	ErrForbidden = errors.New("ephemeral: caller does not own the message")
	// ErrEditWindowExpired indicates an edit attempted past the mutation window.
	ErrEditWindowExpired = errors.New("ephemeral: edit window expired")
	// ErrValidation indicates malformed message input.
	ErrValidation = errors.New("ephemeral: invalid message")
)

// Attachment is one media reference carried by a message.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
}

// Reaction aggregates one emoji's reacting users.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"userIds"`
	Count   int      `json:"count"`
}

// Message is one row of the live-room log. Rows are keyed independently of
// the durable store by (room_id, room_type), soft-deleted rather than
// removed, and hard-expired by the store's own expiry sweep.
type Message struct {
	ID              string      `gorm:"column:message_id;primaryKey;size:190;not null"`
	RoomID          string      `gorm:"column:room_id;size:190;not null;index:idx_live_room_time,priority:1"`
	RoomType        string      `gorm:"column:room_type;size:32;not null;index:idx_live_room_time,priority:2"`
	UserID          string      `gorm:"column:user_id;size:190;not null;index;uniqueIndex:idx_live_user_temp,priority:1"`
	UserName        string      `gorm:"column:user_name;size:320"`
	Content         string      `gorm:"column:message;type:text;not null"`
	MessageType     MessageType `gorm:"column:message_type;size:16;not null"`
	AttachmentsJSON string      `gorm:"column:attachments_json;type:text"`
	ReactionsJSON   string      `gorm:"column:reactions_json;type:text"`
	ReplyToID       *string     `gorm:"column:reply_to_id;size:190"`
	SyncState       SyncState   `gorm:"column:sync_state;size:16;not null;index"`
	TempID          *string     `gorm:"column:temp_id;size:190;uniqueIndex:idx_live_user_temp,priority:2"`
	SyncedAt        *time.Time  `gorm:"column:synced_at"`
	EditedAt        *time.Time  `gorm:"column:edited_at"`
	DeletedAt       *time.Time  `gorm:"column:deleted_at;index"`
	DeletionReason  string      `gorm:"column:deletion_reason;size:64"`
	ExpiresAt       time.Time   `gorm:"column:expires_at;not null;index"`
	CreatedAt       time.Time   `gorm:"column:created_at;not null;index:idx_live_room_time,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "live_messages"
}

// NeedsSync reports whether the message still awaits offline reconciliation.
func (m Message) NeedsSync() bool {
	return m.SyncState == SyncStatePending
}

// Attachments decodes the stored attachment list.
func (m Message) Attachments() []Attachment {
	if strings.TrimSpace(m.AttachmentsJSON) == "" {
		return nil
	}
	var attachments []Attachment
	if err := json.Unmarshal([]byte(m.AttachmentsJSON), &attachments); err != nil {
		return nil
	}
	return attachments
}

// Reactions decodes the stored reaction aggregates.
func (m Message) Reactions() []Reaction {
	if strings.TrimSpace(m.ReactionsJSON) == "" {
		return nil
	}
	var reactions []Reaction
	if err := json.Unmarshal([]byte(m.ReactionsJSON), &reactions); err != nil {
		return nil
	}
	return reactions
}

// ParseMessageType validates raw message type input, defaulting empty input
// to text.
func ParseMessageType(value string) (MessageType, error) {
	switch MessageType(strings.ToLower(strings.TrimSpace(value))) {
	case MessageTypeText, "":
		return MessageTypeText, nil
	case MessageTypeImage:
		return MessageTypeImage, nil
	case MessageTypeSystem:
		return MessageTypeSystem, nil
	case MessageTypeJoin:
		return MessageTypeJoin, nil
	case MessageTypeLeave:
		return MessageTypeLeave, nil
	default:
		return "", fmt.Errorf("%w: unknown message type %q", ErrValidation, value)
	}
}

func encodeAttachments(attachments []Attachment) (string, error) {
	if len(attachments) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(attachments)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return string(raw), nil
}

func encodeReactions(reactions []Reaction) (string, error) {
	if len(reactions) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(reactions)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func validateContent(content string, attachments []Attachment) error {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return fmt.Errorf("%w: empty message requires an attachment", ErrValidation)
	}
	if len(content) > maxContentLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrValidation, maxContentLength)
	}
	return nil
}
