package discussion

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType enumerates the durable message payload kinds.
type MessageType string

const (
	// MessageTypeText is a plain text message.
	MessageTypeText MessageType = "TEXT"
	// MessageTypeImage carries an image attachment URL.
	MessageTypeImage MessageType = "IMAGE"
	// MessageTypeVideo carries a video attachment URL.
	MessageTypeVideo MessageType = "VIDEO"
)

const maxContentLength = 4000

var (
	// ErrNotFound indicates the referenced discussion or message does not exist.
	ErrNotFound = errors.New("discussion: not found")
	// ErrForbidden indicates the caller is not a member of the room.
	ErrForbidden = errors.New("discussion: caller is not a room member")
	// ErrValidation indicates malformed message input.
	ErrValidation = errors.New("discussion: invalid message")
)

// Discussion is the durable chat room record. Group rooms hold a non-null
// activity id; private rooms encode the sorted participant pair in the title.
// Uniqueness lives on the kind-prefixed title, since an activity and a
// treasure hunt may share an item id.
type Discussion struct {
	ID         string    `gorm:"column:discussion_id;primaryKey;size:190;not null"`
	ActivityID *string   `gorm:"column:activity_id;size:190;index:idx_discussions_activity_lookup"`
	Title      string    `gorm:"column:title;size:420;not null;uniqueIndex:idx_discussions_title"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Discussion) TableName() string {
	return "discussions"
}

// IsPrivate reports whether the discussion is a two-party room.
func (d Discussion) IsPrivate() bool {
	return d.ActivityID == nil
}

// Message is one append-only entry in a discussion's log. No edit or delete
// is exposed at this layer; rows disappear only when the owning discussion
// is destroyed.
type Message struct {
	ID           string      `gorm:"column:message_id;primaryKey;size:190;not null"`
	DiscussionID string      `gorm:"column:discussion_id;size:190;not null;index:idx_messages_discussion_time,priority:1"`
	UserID       string      `gorm:"column:user_id;size:190;not null;index"`
	Content      string      `gorm:"column:content;type:text;not null"`
	MessageType  MessageType `gorm:"column:message_type;size:16;not null"`
	MediaURL     string      `gorm:"column:media_url;size:512"`
	CreatedAt    time.Time   `gorm:"column:created_at;not null;index:idx_messages_discussion_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "discussion_messages"
}

// ParseMessageType validates raw message type input, defaulting empty input
// to TEXT.
func ParseMessageType(value string) (MessageType, error) {
	switch MessageType(strings.ToUpper(strings.TrimSpace(value))) {
	case MessageTypeText, "":
		return MessageTypeText, nil
	case MessageTypeImage:
		return MessageTypeImage, nil
	case MessageTypeVideo:
		return MessageTypeVideo, nil
	default:
		return "", fmt.Errorf("%w: unknown message type %q", ErrValidation, value)
	}
}

func validateContent(content, mediaURL string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" && strings.TrimSpace(mediaURL) == "" {
		return fmt.Errorf("%w: empty message requires an attachment", ErrValidation)
	}
	if len(content) > maxContentLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrValidation, maxContentLength)
	}
	return nil
}
