package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rallye-app/rallye/backend/internal/room"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	previewLength      = 50
	recentAuthorWindow = 24 * time.Hour
)

// IDProvider issues identifiers for notification rows.
type IDProvider interface {
	NewID() (string, error)
}

// Memberships resolves registration-derived room membership.
type Memberships interface {
	AcceptedMemberIDs(ctx context.Context, ref room.Ref) ([]string, error)
}

// RecentAuthors lists the distinct authors active in a live room recently.
type RecentAuthors interface {
	RecentAuthorIDs(ctx context.Context, ref room.Ref, since time.Time) ([]string, error)
}

// Sender delivers one enqueued notification. Failures are logged by the
// fanout and never propagate.
type Sender interface {
	Send(ctx context.Context, notification Notification) error
}

// FanoutConfig describes the fanout dependencies.
type FanoutConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	IDProvider    IDProvider
	Memberships   Memberships
	RecentAuthors RecentAuthors
	Sender        Sender
	Logger        *zap.Logger
}

// Fanout enqueues one notification per room participant (excluding the
// sender) whenever a message lands in a store. It is strictly
// fire-and-forget: no error ever reaches the message-write path.
type Fanout struct {
	db            *gorm.DB
	clock         func() time.Time
	idProvider    IDProvider
	memberships   Memberships
	recentAuthors RecentAuthors
	sender        Sender
	logger        *zap.Logger
}

// NewFanout constructs the fanout.
func NewFanout(cfg FanoutConfig) (*Fanout, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("notify: database handle is required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("notify: id provider is required")
	}
	if cfg.Memberships == nil {
		return nil, fmt.Errorf("notify: memberships dependency is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		db:            cfg.Database,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		memberships:   cfg.Memberships,
		recentAuthors: cfg.RecentAuthors,
		sender:        cfg.Sender,
		logger:        logger,
	}, nil
}

// DurableNotifier adapts the fanout for the durable store, where membership
// comes from accepted registrations (or the private pair).
type DurableNotifier struct {
	fanout *Fanout
}

// RoomMessage fans out a durable-store message.
func (n DurableNotifier) RoomMessage(ctx context.Context, ref room.Ref, senderID, content string) {
	n.fanout.dispatch(ctx, ref, senderID, content, n.fanout.registrationMembers)
}

// LiveNotifier adapts the fanout for the ephemeral store. Live rooms carry
// no formal registration concept, so membership is approximated by the
// authors active in the room over the last 24 hours. The heuristic is
// intentionally looser than the durable membership check; tightening it
// would silently drop existing recipients. Candidate for unification with
// registration-derived membership.
type LiveNotifier struct {
	fanout *Fanout
}

// RoomMessage fans out a live-room message.
func (n LiveNotifier) RoomMessage(ctx context.Context, ref room.Ref, senderID, content string) {
	n.fanout.dispatch(ctx, ref, senderID, content, n.fanout.activeAuthors)
}

// Durable returns the registration-membership adapter.
func (f *Fanout) Durable() DurableNotifier {
	return DurableNotifier{fanout: f}
}

// Live returns the active-author-heuristic adapter.
func (f *Fanout) Live() LiveNotifier {
	return LiveNotifier{fanout: f}
}

type memberResolver func(ctx context.Context, ref room.Ref) ([]string, error)

func (f *Fanout) dispatch(ctx context.Context, ref room.Ref, senderID, content string, resolve memberResolver) {
	members, err := resolve(ctx, ref)
	if err != nil {
		f.logger.Warn("fanout membership resolution failed",
			zap.String("room", ref.Key()), zap.Error(err))
		return
	}

	preview := truncatePreview(content)
	payload, err := deepLinkPayload(ref)
	if err != nil {
		f.logger.Warn("fanout payload encoding failed",
			zap.String("room", ref.Key()), zap.Error(err))
		return
	}

	for _, member := range members {
		if member == senderID {
			continue
		}
		if err := f.enqueue(ctx, ref, senderID, member, preview, payload); err != nil {
			f.logger.Warn("notification enqueue failed",
				zap.String("room", ref.Key()),
				zap.String("recipient", member),
				zap.Error(err))
		}
	}
}

func (f *Fanout) enqueue(ctx context.Context, ref room.Ref, senderID, recipientID, preview, payload string) error {
	id, err := f.idProvider.NewID()
	if err != nil {
		return err
	}
	notification := Notification{
		ID:          id,
		UserID:      recipientID,
		SenderID:    senderID,
		RoomKey:     ref.Key(),
		RoomType:    string(ref.Kind()),
		Preview:     preview,
		PayloadJSON: payload,
		CreatedAt:   f.clock().UTC(),
	}
	if err := f.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return err
	}
	if f.sender != nil {
		if err := f.sender.Send(ctx, notification); err != nil {
			// The row is already enqueued; delivery retries belong to the
			// delivery collaborator.
			f.logger.Warn("notification delivery failed",
				zap.String("notification_id", notification.ID), zap.Error(err))
		}
	}
	return nil
}

func (f *Fanout) registrationMembers(ctx context.Context, ref room.Ref) ([]string, error) {
	return f.memberships.AcceptedMemberIDs(ctx, ref)
}

func (f *Fanout) activeAuthors(ctx context.Context, ref room.Ref) ([]string, error) {
	if f.recentAuthors == nil {
		return f.memberships.AcceptedMemberIDs(ctx, ref)
	}
	since := f.clock().UTC().Add(-recentAuthorWindow)
	return f.recentAuthors.RecentAuthorIDs(ctx, ref, since)
}

// ListForUser returns the user's enqueued notifications, newest first.
func (f *Fanout) ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var notifications []Notification
	err := f.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&notifications).Error
	if err != nil {
		return nil, err
	}
	return notifications, nil
}

func truncatePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength]) + "…"
}

func deepLinkPayload(ref room.Ref) (string, error) {
	screen := "ActivityChat"
	switch ref.Kind() {
	case room.KindTreasureHunt:
		screen = "TreasureHuntChat"
	case room.KindPrivate:
		screen = "PrivateChat"
	}
	params := map[string]string{
		"roomId":   ref.Key(),
		"roomType": string(ref.Kind()),
	}
	raw, err := json.Marshal(map[string]interface{}{"screen": screen, "params": params})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
