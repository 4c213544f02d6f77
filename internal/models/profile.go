package models

import "time"

// Profile is a saved, shareable build configuration.
type Profile struct {
	ID          string      `json:"id"`
	Slug        string      `json:"slug"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Config      BuildConfig `json:"config"`
	IsPublic    bool        `json:"is_public"`
	FlashCount  int         `json:"flash_count"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
