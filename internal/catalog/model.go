package catalog

import "time"

// RegistrationStatus enumerates the lifecycle of a participation request.
type RegistrationStatus string

const (
	// RegistrationStatusPending awaits organizer review.
	RegistrationStatusPending RegistrationStatus = "pending"
	// RegistrationStatusAccepted grants room membership.
	RegistrationStatusAccepted RegistrationStatus = "accepted"
	// RegistrationStatusDeclined revokes the request.
	RegistrationStatusDeclined RegistrationStatus = "declined"
)

// Activity is the catalog item an activity room hangs off. The chat layer
// only reads these rows; catalog CRUD lives outside this service.
type Activity struct {
	ID          string     `gorm:"column:activity_id;primaryKey;size:190;not null"`
	Title       string     `gorm:"column:title;size:256;not null"`
	OrganizerID string     `gorm:"column:organizer_id;size:190;not null;index"`
	StartDate   time.Time  `gorm:"column:start_date;not null"`
	EndDate     *time.Time `gorm:"column:end_date;index"`
	IsActive    bool       `gorm:"column:is_active;not null;default:true;index"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Activity) TableName() string {
	return "activities"
}

// TreasureHunt mirrors Activity for the hunt room family.
type TreasureHunt struct {
	ID          string     `gorm:"column:hunt_id;primaryKey;size:190;not null"`
	Title       string     `gorm:"column:title;size:256;not null"`
	OrganizerID string     `gorm:"column:organizer_id;size:190;not null;index"`
	StartDate   time.Time  `gorm:"column:start_date;not null"`
	EndDate     *time.Time `gorm:"column:end_date;index"`
	IsActive    bool       `gorm:"column:is_active;not null;default:true;index"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (TreasureHunt) TableName() string {
	return "treasure_hunts"
}

// Registration records one user's participation against a catalog item.
// Both room families share the table, discriminated by item_type.
type Registration struct {
	ID        string             `gorm:"column:registration_id;primaryKey;size:190;not null"`
	ItemType  string             `gorm:"column:item_type;size:32;not null;uniqueIndex:idx_registration_item_user,priority:1"`
	ItemID    string             `gorm:"column:item_id;size:190;not null;uniqueIndex:idx_registration_item_user,priority:2"`
	UserID    string             `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_registration_item_user,priority:3"`
	Status    RegistrationStatus `gorm:"column:status;size:16;not null;index"`
	CreatedAt time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Registration) TableName() string {
	return "registrations"
}
