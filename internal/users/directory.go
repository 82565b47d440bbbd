package users

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DirectoryConfig describes the dependencies for identity lookups.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Directory resolves user display profiles for participant lists and
// notification previews.
type Directory struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDirectory constructs the directory over the chat store handle.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database handle is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Directory{db: cfg.Database, now: clock}, nil
}

// EnsureIdentity records or refreshes the display projection for a verified
// user. Called by the boundary on every token exchange.
func (d *Directory) EnsureIdentity(ctx context.Context, userID, displayName, avatarURL string) error {
	id := strings.TrimSpace(userID)
	if id == "" {
		return fmt.Errorf("users: user id is required")
	}
	identity := Identity{
		UserID:      id,
		DisplayName: strings.TrimSpace(displayName),
		AvatarURL:   strings.TrimSpace(avatarURL),
		LastSeenAt:  d.now(),
	}
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_url", "last_seen_at"}),
		}).
		Create(&identity).Error
}

// Profiles returns display projections for the requested ids. Users without
// a stored identity still appear, carrying only their id, so a participant
// list never silently shrinks.
func (d *Directory) Profiles(ctx context.Context, userIDs []string) ([]Profile, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	var identities []Identity
	if err := d.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Find(&identities).Error; err != nil {
		return nil, err
	}

	byID := make(map[string]Identity, len(identities))
	for _, identity := range identities {
		byID[identity.UserID] = identity
	}

	profiles := make([]Profile, 0, len(userIDs))
	for _, id := range userIDs {
		profile := Profile{UserID: id}
		if identity, ok := byID[id]; ok {
			profile.DisplayName = identity.DisplayName
			profile.AvatarURL = identity.AvatarURL
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// DisplayName returns the stored display name for one user, falling back to
// the raw id when no identity row exists.
func (d *Directory) DisplayName(ctx context.Context, userID string) string {
	var identity Identity
	err := d.db.WithContext(ctx).Where("user_id = ?", userID).Take(&identity).Error
	if err != nil || strings.TrimSpace(identity.DisplayName) == "" {
		return userID
	}
	return identity.DisplayName
}
