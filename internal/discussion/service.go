package discussion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rallye-app/rallye/backend/internal/room"
	"github.com/rallye-app/rallye/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// IDProvider issues identifiers for new discussions and messages.
type IDProvider interface {
	NewID() (string, error)
}

// Memberships answers registration-derived membership questions.
type Memberships interface {
	IsAcceptedMember(ctx context.Context, ref room.Ref, userID string) (bool, error)
	AcceptedMemberIDs(ctx context.Context, ref room.Ref) ([]string, error)
	AcceptedItemIDs(ctx context.Context, kind room.Kind, userID string) ([]string, error)
}

// ProfileDirectory projects member ids onto display profiles.
type ProfileDirectory interface {
	Profiles(ctx context.Context, userIDs []string) ([]users.Profile, error)
}

// Notifier receives a stored-message event for fanout. Implementations must
// never propagate failures; a notification outage cannot block a write.
type Notifier interface {
	RoomMessage(ctx context.Context, ref room.Ref, senderID, content string)
}

// ServiceConfig describes the dependencies of the durable message store.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Memberships Memberships
	Directory   ProfileDirectory
	Notifier    Notifier
	Logger      *zap.Logger
}

// Service owns the durable Discussion store: one discussion per activity,
// one per private pair, each with an append-only message log.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	memberships Memberships
	directory   ProfileDirectory
	notifier    Notifier
	logger      *zap.Logger
}

// NewService constructs the durable store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("discussion: database handle is required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("discussion: id provider is required")
	}
	if cfg.Memberships == nil {
		return nil, fmt.Errorf("discussion: memberships dependency is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		memberships: cfg.Memberships,
		directory:   cfg.Directory,
		notifier:    cfg.Notifier,
		logger:      logger,
	}, nil
}

// GetOrCreateActivityDiscussion returns the single discussion bound to the
// group room's catalog item, creating it on first use. Concurrent first-time
// callers may race on creation; the unique title index arbitrates and losers
// re-fetch the winning row.
func (s *Service) GetOrCreateActivityDiscussion(ctx context.Context, ref room.Ref) (Discussion, error) {
	if ref.Kind() != room.KindActivity && ref.Kind() != room.KindTreasureHunt {
		return Discussion{}, fmt.Errorf("%w: expected a group room reference", ErrValidation)
	}

	activityID := ref.ItemID()
	found, err := s.findByItem(ctx, ref.Kind(), activityID)
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Discussion{}, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Discussion{}, err
	}
	created := Discussion{
		ID:         id,
		ActivityID: &activityID,
		Title:      string(ref.Kind()) + "-" + activityID,
	}
	if err := s.db.WithContext(ctx).Create(&created).Error; err != nil {
		if isDuplicateKey(err) {
			return s.findByItem(ctx, ref.Kind(), activityID)
		}
		return Discussion{}, err
	}
	return created, nil
}

// GetOrCreatePrivateDiscussion returns the discussion for the canonical
// private pair, creating it on first use with the same race tolerance as the
// activity path.
func (s *Service) GetOrCreatePrivateDiscussion(ctx context.Context, ref room.Ref) (Discussion, error) {
	if ref.Kind() != room.KindPrivate {
		return Discussion{}, fmt.Errorf("%w: expected a private room reference", ErrValidation)
	}

	key := ref.Key()
	found, err := s.findByTitle(ctx, key)
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Discussion{}, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Discussion{}, err
	}
	created := Discussion{ID: id, Title: key}
	if err := s.db.WithContext(ctx).Create(&created).Error; err != nil {
		if isDuplicateKey(err) {
			return s.findByTitle(ctx, key)
		}
		return Discussion{}, err
	}
	return created, nil
}

// AppendMessage stores one message at the tail of the discussion log and
// triggers notification fanout. Activity rooms require an accepted
// registration; private rooms require the author to appear in the pair.
func (s *Service) AppendMessage(ctx context.Context, discussionID, authorID, content, rawType, mediaURL string) (Message, error) {
	disc, err := s.Get(ctx, discussionID)
	if err != nil {
		return Message{}, err
	}

	ref, err := s.roomForAuthor(ctx, disc, authorID)
	if err != nil {
		return Message{}, err
	}

	messageType, err := ParseMessageType(rawType)
	if err != nil {
		return Message{}, err
	}
	if err := validateContent(content, mediaURL); err != nil {
		return Message{}, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Message{}, err
	}
	message := Message{
		ID:           id,
		DiscussionID: disc.ID,
		UserID:       authorID,
		Content:      content,
		MessageType:  messageType,
		MediaURL:     strings.TrimSpace(mediaURL),
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return Message{}, err
	}

	if s.notifier != nil {
		s.notifier.RoomMessage(ctx, ref, authorID, content)
	}
	return message, nil
}

// ListMessages returns a window of the discussion log in forward
// chronological order.
func (s *Service) ListMessages(ctx context.Context, discussionID string, limit, offset int) ([]Message, error) {
	if _, err := s.Get(ctx, discussionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	var messages []Message
	err := s.db.WithContext(ctx).
		Where("discussion_id = ?", discussionID).
		Order("created_at ASC, message_id ASC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// ListParticipants returns the room membership with minimal identity
// projection.
func (s *Service) ListParticipants(ctx context.Context, ref room.Ref) ([]users.Profile, error) {
	memberIDs, err := s.memberships.AcceptedMemberIDs(ctx, ref)
	if err != nil {
		return nil, err
	}
	if s.directory == nil {
		profiles := make([]users.Profile, 0, len(memberIDs))
		for _, id := range memberIDs {
			profiles = append(profiles, users.Profile{UserID: id})
		}
		return profiles, nil
	}
	return s.directory.Profiles(ctx, memberIDs)
}

// Conversation pairs a discussion with its most recent message for room
// listings.
type Conversation struct {
	Discussion  Discussion
	LastMessage *Message
}

// ListConversations returns every room the user belongs to, group rooms
// first, each with a last-message preview.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	var discussions []Discussion

	for _, kind := range []room.Kind{room.KindActivity, room.KindTreasureHunt} {
		itemIDs, err := s.memberships.AcceptedItemIDs(ctx, kind, userID)
		if err != nil {
			return nil, err
		}
		if len(itemIDs) == 0 {
			continue
		}
		var rows []Discussion
		err = s.db.WithContext(ctx).
			Where("activity_id IN ? AND title LIKE ?", itemIDs, string(kind)+"-%").
			Order("created_at ASC").
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		discussions = append(discussions, rows...)
	}

	var privateRows []Discussion
	err := s.db.WithContext(ctx).
		Where("activity_id IS NULL").
		Where("title LIKE ? OR title LIKE ?", "private-"+userID+"-%", "private-%-"+userID).
		Order("created_at ASC").
		Find(&privateRows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range privateRows {
		// LIKE is a coarse filter; confirm the caller actually appears in
		// the decoded pair before exposing the room.
		if _, resolveErr := room.Resolve(row.Title, room.KindPrivate, userID); resolveErr != nil {
			continue
		}
		discussions = append(discussions, row)
	}

	conversations := make([]Conversation, 0, len(discussions))
	for _, disc := range discussions {
		last, err := s.lastMessage(ctx, disc.ID)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, Conversation{Discussion: disc, LastMessage: last})
	}
	return conversations, nil
}

// DeleteRoom removes a private discussion and its entire message log. Any
// participant may delete. Activity rooms are torn down only through catalog
// lifecycle events, never through this call.
func (s *Service) DeleteRoom(ctx context.Context, discussionID, requesterID string) error {
	disc, err := s.Get(ctx, discussionID)
	if err != nil {
		return err
	}
	if !disc.IsPrivate() {
		return fmt.Errorf("%w: activity rooms cannot be deleted directly", ErrForbidden)
	}
	if _, err := room.Resolve(disc.Title, room.KindPrivate, requesterID); err != nil {
		return fmt.Errorf("%w: requester is not a participant", ErrForbidden)
	}
	return s.deleteCascade(ctx, disc.ID)
}

// DeleteForActivity tears down the activity's discussion and messages. The
// catalog lifecycle calls this when the activity is deleted or its last
// registered participant leaves. Absent rooms are a no-op.
func (s *Service) DeleteForActivity(ctx context.Context, activityID string) error {
	disc, err := s.findByItem(ctx, room.KindActivity, activityID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.deleteCascade(ctx, disc.ID)
}

// Get loads one discussion by id.
func (s *Service) Get(ctx context.Context, discussionID string) (Discussion, error) {
	var disc Discussion
	err := s.db.WithContext(ctx).Where("discussion_id = ?", discussionID).Take(&disc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Discussion{}, fmt.Errorf("%w: discussion %q", ErrNotFound, discussionID)
	}
	if err != nil {
		return Discussion{}, err
	}
	return disc, nil
}

func (s *Service) roomForAuthor(ctx context.Context, disc Discussion, authorID string) (room.Ref, error) {
	if disc.IsPrivate() {
		ref, err := room.Resolve(disc.Title, room.KindPrivate, authorID)
		if err != nil {
			return room.Ref{}, fmt.Errorf("%w: author is not a participant", ErrForbidden)
		}
		return ref, nil
	}

	kind := room.KindActivity
	if strings.HasPrefix(disc.Title, string(room.KindTreasureHunt)+"-") {
		kind = room.KindTreasureHunt
	}
	ref, err := room.Resolve(*disc.ActivityID, kind, authorID)
	if err != nil {
		return room.Ref{}, err
	}
	member, err := s.memberships.IsAcceptedMember(ctx, ref, authorID)
	if err != nil {
		return room.Ref{}, err
	}
	if !member {
		return room.Ref{}, fmt.Errorf("%w: no accepted registration for %q", ErrForbidden, ref.ItemID())
	}
	return ref, nil
}

func (s *Service) lastMessage(ctx context.Context, discussionID string) (*Message, error) {
	var message Message
	err := s.db.WithContext(ctx).
		Where("discussion_id = ?", discussionID).
		Order("created_at DESC, message_id DESC").
		Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// findByItem looks a group discussion up by its catalog item. The raw item
// id alone is ambiguous across kinds, so the lookup goes through the
// kind-prefixed title.
func (s *Service) findByItem(ctx context.Context, kind room.Kind, itemID string) (Discussion, error) {
	var disc Discussion
	err := s.db.WithContext(ctx).
		Where("activity_id = ? AND title = ?", itemID, string(kind)+"-"+itemID).
		Take(&disc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Discussion{}, fmt.Errorf("%w: no discussion for %s %q", ErrNotFound, string(kind), itemID)
	}
	if err != nil {
		return Discussion{}, err
	}
	return disc, nil
}

func (s *Service) findByTitle(ctx context.Context, title string) (Discussion, error) {
	var disc Discussion
	err := s.db.WithContext(ctx).Where("title = ?", title).Take(&disc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Discussion{}, fmt.Errorf("%w: no discussion %q", ErrNotFound, title)
	}
	if err != nil {
		return Discussion{}, err
	}
	return disc, nil
}

func (s *Service) deleteCascade(ctx context.Context, discussionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("discussion_id = ?", discussionID).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Where("discussion_id = ?", discussionID).Delete(&Discussion{}).Error
	})
}

// isDuplicateKey recognizes unique-constraint violations across the gorm
// error translation and the raw sqlite message.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
