package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rallye-app/rallye/backend/internal/room"
	"gorm.io/gorm"
)

// ErrItemNotFound indicates the referenced catalog item does not exist.
var ErrItemNotFound = errors.New("catalog: item not found")

// Item is the minimal lifecycle projection the chat layer consumes.
type Item struct {
	Kind    room.Kind
	ID      string
	Title   string
	EndDate *time.Time
	Active  bool
}

// Repository reads catalog state for membership checks and cleanup scans.
type Repository struct {
	db *gorm.DB
}

// NewRepository wires the repository to the chat store handle.
func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("catalog: database handle is required")
	}
	return &Repository{db: db}, nil
}

// IsAcceptedMember reports whether the user holds an accepted registration
// against the room's catalog item. Private rooms are not registration-backed.
func (r *Repository) IsAcceptedMember(ctx context.Context, ref room.Ref, userID string) (bool, error) {
	if ref.Kind() == room.KindPrivate {
		return ref.Contains(userID), nil
	}
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Registration{}).
		Where("item_type = ? AND item_id = ? AND user_id = ? AND status = ?",
			string(ref.Kind()), ref.ItemID(), userID, RegistrationStatusAccepted).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// AcceptedMemberIDs returns every user id with an accepted registration
// against the room's catalog item, in registration order.
func (r *Repository) AcceptedMemberIDs(ctx context.Context, ref room.Ref) ([]string, error) {
	if a, b, ok := ref.Participants(); ok {
		return []string{a, b}, nil
	}
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&Registration{}).
		Where("item_type = ? AND item_id = ? AND status = ?",
			string(ref.Kind()), ref.ItemID(), RegistrationStatusAccepted).
		Order("created_at ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// AcceptedItemIDs returns the ids of every item of the given kind the user
// holds an accepted registration against.
func (r *Repository) AcceptedItemIDs(ctx context.Context, kind room.Kind, userID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&Registration{}).
		Where("item_type = ? AND user_id = ? AND status = ?",
			string(kind), userID, RegistrationStatusAccepted).
		Order("created_at ASC").
		Pluck("item_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// EndedActiveItems lists catalog items of the given kind whose end date has
// passed and which are still flagged active. The cleanup scheduler scans
// these each run.
func (r *Repository) EndedActiveItems(ctx context.Context, kind room.Kind, now time.Time) ([]Item, error) {
	switch kind {
	case room.KindActivity:
		var rows []Activity
		err := r.db.WithContext(ctx).
			Where("end_date IS NOT NULL AND end_date < ? AND is_active = ?", now, true).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		items := make([]Item, 0, len(rows))
		for _, row := range rows {
			items = append(items, Item{Kind: room.KindActivity, ID: row.ID, Title: row.Title, EndDate: row.EndDate, Active: row.IsActive})
		}
		return items, nil
	case room.KindTreasureHunt:
		var rows []TreasureHunt
		err := r.db.WithContext(ctx).
			Where("end_date IS NOT NULL AND end_date < ? AND is_active = ?", now, true).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		items := make([]Item, 0, len(rows))
		for _, row := range rows {
			items = append(items, Item{Kind: room.KindTreasureHunt, ID: row.ID, Title: row.Title, EndDate: row.EndDate, Active: row.IsActive})
		}
		return items, nil
	default:
		return nil, fmt.Errorf("catalog: unsupported item kind %q", kind)
	}
}

// GetItem loads one catalog item's lifecycle projection.
func (r *Repository) GetItem(ctx context.Context, kind room.Kind, id string) (Item, error) {
	switch kind {
	case room.KindActivity:
		var row Activity
		err := r.db.WithContext(ctx).Where("activity_id = ?", id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Item{}, fmt.Errorf("%w: activity %q", ErrItemNotFound, id)
		}
		if err != nil {
			return Item{}, err
		}
		return Item{Kind: room.KindActivity, ID: row.ID, Title: row.Title, EndDate: row.EndDate, Active: row.IsActive}, nil
	case room.KindTreasureHunt:
		var row TreasureHunt
		err := r.db.WithContext(ctx).Where("hunt_id = ?", id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Item{}, fmt.Errorf("%w: treasure hunt %q", ErrItemNotFound, id)
		}
		if err != nil {
			return Item{}, err
		}
		return Item{Kind: room.KindTreasureHunt, ID: row.ID, Title: row.Title, EndDate: row.EndDate, Active: row.IsActive}, nil
	default:
		return Item{}, fmt.Errorf("catalog: unsupported item kind %q", kind)
	}
}
