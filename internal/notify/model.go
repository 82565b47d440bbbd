package notify

import "time"

// Notification is one enqueued per-recipient alert. Delivery itself is an
// external collaborator; these rows are the system of record for what was
// enqueued.
type Notification struct {
	ID          string    `gorm:"column:notification_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index:idx_notifications_user_time,priority:1"`
	SenderID    string    `gorm:"column:sender_id;size:190;not null"`
	RoomKey     string    `gorm:"column:room_key;size:420;not null"`
	RoomType    string    `gorm:"column:room_type;size:32;not null"`
	Preview     string    `gorm:"column:preview;size:64;not null"`
	PayloadJSON string    `gorm:"column:payload_json;type:text;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index:idx_notifications_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}
