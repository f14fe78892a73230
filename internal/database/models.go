package database

import "time"

// Setting is a key/value pair. The Fernet key for profile secrets lives here.
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Profile is a saved connection target. Secret holds a Fernet token, never
// the plain secret.
type Profile struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null;size:128" json:"name"`
	Host      string    `gorm:"not null" json:"host"`
	Port      int       `gorm:"not null;default:22" json:"port"`
	Username  string    `gorm:"not null" json:"username"`
	Protocol  string    `gorm:"not null;default:'ssh';size:16" json:"protocol"`
	Secret    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
