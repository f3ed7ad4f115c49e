package models

import "time"

// Profile is a reusable browser user profile (cookies, storage, cache) that
// sessions can start from and export back to
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	DataPath  string    `json:"-"`
}
