package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rallye-app/rallye/backend/internal/room"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize   = 50
	maxPageSize       = 200
	defaultMessageTTL = 7 * 24 * time.Hour
	defaultEditWindow = 15 * time.Minute
)

// IDProvider issues identifiers for new messages.
type IDProvider interface {
	NewID() (string, error)
}

// Notifier receives a confirmed-message event for fanout. Implementations
// must never propagate failures.
type Notifier interface {
	RoomMessage(ctx context.Context, ref room.Ref, senderID, content string)
}

// StoreConfig describes the dependencies of the live-room message store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Notifier   Notifier
	Logger     *zap.Logger
	MessageTTL time.Duration
	EditWindow time.Duration
}

// Store owns the ephemeral message log for activity and treasure-hunt live
// rooms. It is keyed independently of the durable Discussion store and the
// two share no transaction.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	notifier   Notifier
	logger     *zap.Logger
	messageTTL time.Duration
	editWindow time.Duration
}

// NewStore constructs the live-room store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("ephemeral: database handle is required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("ephemeral: id provider is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.MessageTTL
	if ttl <= 0 {
		ttl = defaultMessageTTL
	}
	window := cfg.EditWindow
	if window <= 0 {
		window = defaultEditWindow
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		notifier:   cfg.Notifier,
		logger:     logger,
		messageTTL: ttl,
		editWindow: window,
	}, nil
}

// SetNotifier attaches the fanout after construction. The store and the
// fanout reference each other (the fanout reads recent authors from the
// store), so one side is wired late.
func (s *Store) SetNotifier(notifier Notifier) {
	s.notifier = notifier
}

// PostInput carries one message submission.
type PostInput struct {
	Room        room.Ref
	UserID      string
	UserName    string
	Content     string
	MessageType string
	Attachments []Attachment
	ReplyToID   string
	TempID      string
}

// PostMessage stores an online-authored message, immediately confirmed and
// fanned out.
func (s *Store) PostMessage(ctx context.Context, input PostInput) (Message, error) {
	message, err := s.insert(ctx, input, SyncStateSynced)
	if err != nil {
		// A retry carrying an already-used temp id returns the stored row
		// without a second fanout.
		if isDuplicateKey(err) && strings.TrimSpace(input.TempID) != "" {
			return s.findByTempID(ctx, input.UserID, input.TempID)
		}
		return Message{}, err
	}
	if s.notifier != nil {
		s.notifier.RoomMessage(ctx, input.Room, message.UserID, message.Content)
	}
	return message, nil
}

// PostOfflineMessage stores an offline-authored message in the pending
// state. No fanout fires until the author reconciles; peers must not be
// notified of content the client may still discard. A client retry carrying
// the same temp id returns the already-stored row.
func (s *Store) PostOfflineMessage(ctx context.Context, input PostInput) (Message, error) {
	if strings.TrimSpace(input.TempID) == "" {
		return Message{}, fmt.Errorf("%w: offline messages require a temp id", ErrValidation)
	}
	message, err := s.insert(ctx, input, SyncStatePending)
	if err == nil {
		return message, nil
	}
	if isDuplicateKey(err) {
		return s.findByTempID(ctx, input.UserID, input.TempID)
	}
	return Message{}, err
}

func (s *Store) findByTempID(ctx context.Context, userID, tempID string) (Message, error) {
	var existing Message
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND temp_id = ?", userID, tempID).
		Take(&existing).Error
	if err != nil {
		return Message{}, err
	}
	return existing, nil
}

// SyncOfflineMessages flips every pending message of the user to synced,
// oldest first, and fires fanout per confirmed message. The flag flip is
// conditional on the row still being pending, so repeated or concurrent
// calls converge without double-persisting; already-synced rows are skipped.
func (s *Store) SyncOfflineMessages(ctx context.Context, userID string) ([]Message, error) {
	var pending []Message
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND sync_state = ? AND deleted_at IS NULL", userID, SyncStatePending).
		Order("created_at ASC, message_id ASC").
		Find(&pending).Error
	if err != nil {
		return nil, err
	}

	synced := make([]Message, 0, len(pending))
	for _, message := range pending {
		now := s.clock().UTC()
		result := s.db.WithContext(ctx).
			Model(&Message{}).
			Where("message_id = ? AND sync_state = ?", message.ID, SyncStatePending).
			Updates(map[string]interface{}{
				"sync_state": SyncStateSynced,
				"synced_at":  now,
			})
		if result.Error != nil {
			return synced, result.Error
		}
		if result.RowsAffected == 0 {
			// Lost the flip to a concurrent sync; that call owns the fanout.
			continue
		}

		message.SyncState = SyncStateSynced
		message.SyncedAt = &now
		synced = append(synced, message)

		if s.notifier != nil {
			ref, refErr := roomRefOf(message)
			if refErr != nil {
				s.logger.Warn("skipping fanout for unresolvable room",
					zap.String("message_id", message.ID), zap.Error(refErr))
				continue
			}
			s.notifier.RoomMessage(ctx, ref, message.UserID, message.Content)
		}
	}
	return synced, nil
}

// ListRoomMessages returns a window of the room log in forward chronological
// order. Pending messages are hidden unless the viewer asks for their own
// offline backlog.
func (s *Store) ListRoomMessages(ctx context.Context, ref room.Ref, viewerID string, limit, offset int, includeOffline bool) ([]Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	query := s.db.WithContext(ctx).
		Where("room_id = ? AND room_type = ?", ref.Key(), string(ref.Kind())).
		Where("deleted_at IS NULL").
		Where("expires_at > ?", s.clock().UTC())
	if includeOffline && viewerID != "" {
		query = query.Where("sync_state = ? OR user_id = ?", SyncStateSynced, viewerID)
	} else {
		query = query.Where("sync_state = ?", SyncStateSynced)
	}

	var messages []Message
	err := query.
		Order("created_at ASC, message_id ASC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// EditMessage replaces the content of the caller's own message within the
// mutation window.
func (s *Store) EditMessage(ctx context.Context, messageID, userID, content string) (Message, error) {
	message, err := s.getLive(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	if message.UserID != userID {
		return Message{}, fmt.Errorf("%w: message %q", ErrForbidden, messageID)
	}
	now := s.clock().UTC()
	if now.Sub(message.CreatedAt) > s.editWindow {
		return Message{}, fmt.Errorf("%w: created %s ago", ErrEditWindowExpired, now.Sub(message.CreatedAt).Round(time.Second))
	}
	if err := validateContent(content, message.Attachments()); err != nil {
		return Message{}, err
	}

	message.Content = content
	message.EditedAt = &now
	err = s.db.WithContext(ctx).Model(&Message{}).
		Where("message_id = ?", message.ID).
		Updates(map[string]interface{}{"message": content, "edited_at": now}).Error
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

// DeleteMessage soft-deletes the caller's own message. The row stays until
// the expiry sweep removes it.
func (s *Store) DeleteMessage(ctx context.Context, messageID, userID string) error {
	message, err := s.getLive(ctx, messageID)
	if err != nil {
		return err
	}
	if message.UserID != userID {
		return fmt.Errorf("%w: message %q", ErrForbidden, messageID)
	}
	now := s.clock().UTC()
	return s.db.WithContext(ctx).Model(&Message{}).
		Where("message_id = ?", message.ID).
		Updates(map[string]interface{}{"deleted_at": now, "deletion_reason": DeletionReasonUser}).Error
}

// AddReaction records the user under the emoji's reacting set. Re-adding an
// existing reaction is a no-op.
func (s *Store) AddReaction(ctx context.Context, messageID, userID, emoji string) (Message, error) {
	return s.mutateReactions(ctx, messageID, emoji, func(userIDs []string) []string {
		for _, existing := range userIDs {
			if existing == userID {
				return userIDs
			}
		}
		return append(userIDs, userID)
	})
}

// RemoveReaction drops the user from the emoji's reacting set.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (Message, error) {
	return s.mutateReactions(ctx, messageID, emoji, func(userIDs []string) []string {
		filtered := userIDs[:0]
		for _, existing := range userIDs {
			if existing != userID {
				filtered = append(filtered, existing)
			}
		}
		return filtered
	})
}

// PostSystemMessage appends a server-authored join/leave marker to the room.
func (s *Store) PostSystemMessage(ctx context.Context, ref room.Ref, userID, userName string, messageType MessageType) (Message, error) {
	if messageType != MessageTypeJoin && messageType != MessageTypeLeave && messageType != MessageTypeSystem {
		return Message{}, fmt.Errorf("%w: %q is not a system message type", ErrValidation, messageType)
	}
	verb := "joined"
	if messageType == MessageTypeLeave {
		verb = "left"
	}
	name := userName
	if strings.TrimSpace(name) == "" {
		name = userID
	}
	return s.insert(ctx, PostInput{
		Room:        ref,
		UserID:      userID,
		UserName:    userName,
		Content:     fmt.Sprintf("%s %s the room", name, verb),
		MessageType: string(messageType),
	}, SyncStateSynced)
}

// CleanupRoom soft-deletes every not-yet-deleted message of the room,
// stamping the deletion reason. Re-running against a cleaned room affects
// zero rows.
func (s *Store) CleanupRoom(ctx context.Context, ref room.Ref, reason string) (int64, error) {
	now := s.clock().UTC()
	result := s.db.WithContext(ctx).Model(&Message{}).
		Where("room_id = ? AND room_type = ? AND deleted_at IS NULL", ref.Key(), string(ref.Kind())).
		Updates(map[string]interface{}{"deleted_at": now, "deletion_reason": reason})
	return result.RowsAffected, result.Error
}

// RecentAuthorIDs returns the distinct authors who posted a confirmed
// message in the room since the given time. Notification fanout uses this as
// the membership heuristic for live rooms.
func (s *Store) RecentAuthorIDs(ctx context.Context, ref room.Ref, since time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Message{}).
		Distinct("user_id").
		Where("room_id = ? AND room_type = ? AND sync_state = ? AND created_at >= ?",
			ref.Key(), string(ref.Kind()), SyncStateSynced, since).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// PurgeExpired hard-deletes rows past their expiry. This is the store's own
// TTL mechanism and runs independently of the activity-end cleanup job.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.clock().UTC()).
		Delete(&Message{})
	return result.RowsAffected, result.Error
}

// RunExpirySweep purges expired rows on the given cadence until the context
// ends.
func (s *Store) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.PurgeExpired(ctx)
			if err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				s.logger.Info("expired live messages purged", zap.Int64("count", purged))
			}
		}
	}
}

// Get loads one live (not soft-deleted, not expired) message.
func (s *Store) Get(ctx context.Context, messageID string) (Message, error) {
	return s.getLive(ctx, messageID)
}

func (s *Store) insert(ctx context.Context, input PostInput, state SyncState) (Message, error) {
	if input.Room.Kind() == room.KindPrivate {
		return Message{}, fmt.Errorf("%w: live rooms serve activities and treasure hunts only", ErrValidation)
	}
	if strings.TrimSpace(input.UserID) == "" {
		return Message{}, fmt.Errorf("%w: author id is required", ErrValidation)
	}
	messageType, err := ParseMessageType(input.MessageType)
	if err != nil {
		return Message{}, err
	}
	if err := validateContent(input.Content, input.Attachments); err != nil {
		return Message{}, err
	}
	attachmentsJSON, err := encodeAttachments(input.Attachments)
	if err != nil {
		return Message{}, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Message{}, err
	}
	now := s.clock().UTC()
	message := Message{
		ID:              id,
		RoomID:          input.Room.Key(),
		RoomType:        string(input.Room.Kind()),
		UserID:          input.UserID,
		UserName:        input.UserName,
		Content:         input.Content,
		MessageType:     messageType,
		AttachmentsJSON: attachmentsJSON,
		SyncState:       state,
		ExpiresAt:       now.Add(s.messageTTL),
		CreatedAt:       now,
	}
	if trimmed := strings.TrimSpace(input.ReplyToID); trimmed != "" {
		message.ReplyToID = &trimmed
	}
	if trimmed := strings.TrimSpace(input.TempID); trimmed != "" {
		message.TempID = &trimmed
	}
	if state == SyncStateSynced {
		message.SyncedAt = &now
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return Message{}, err
	}
	return message, nil
}

func (s *Store) getLive(ctx context.Context, messageID string) (Message, error) {
	var message Message
	err := s.db.WithContext(ctx).
		Where("message_id = ? AND deleted_at IS NULL", messageID).
		Where("expires_at > ?", s.clock().UTC()).
		Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, fmt.Errorf("%w: %q", ErrNotFound, messageID)
	}
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

func (s *Store) mutateReactions(ctx context.Context, messageID, emoji string, mutate func([]string) []string) (Message, error) {
	if strings.TrimSpace(emoji) == "" {
		return Message{}, fmt.Errorf("%w: emoji is required", ErrValidation)
	}
	message, err := s.getLive(ctx, messageID)
	if err != nil {
		return Message{}, err
	}

	reactions := message.Reactions()
	index := -1
	for i, reaction := range reactions {
		if reaction.Emoji == emoji {
			index = i
			break
		}
	}
	if index == -1 {
		reactions = append(reactions, Reaction{Emoji: emoji})
		index = len(reactions) - 1
	}
	reactions[index].UserIDs = mutate(reactions[index].UserIDs)
	reactions[index].Count = len(reactions[index].UserIDs)
	if reactions[index].Count == 0 {
		reactions = append(reactions[:index], reactions[index+1:]...)
	}

	encoded, err := encodeReactions(reactions)
	if err != nil {
		return Message{}, err
	}
	message.ReactionsJSON = encoded
	err = s.db.WithContext(ctx).Model(&Message{}).
		Where("message_id = ?", message.ID).
		Update("reactions_json", encoded).Error
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

func roomRefOf(message Message) (room.Ref, error) {
	return room.Resolve(message.RoomID, room.Kind(message.RoomType), message.UserID)
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
