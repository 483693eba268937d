package models

import "time"

type Thread struct {
	ID string `json:"id"`
	// Title is nil until the title generator has produced one.
	Title     *string   `json:"title"`
	Model     string    `json:"model"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TitlePending reports whether the thread is still waiting for a generated title.
func (t Thread) TitlePending() bool {
	return t.Title == nil
}

// DisplayTitle returns the title, or placeholder while it is pending.
func (t Thread) DisplayTitle(placeholder string) string {
	if t.Title == nil {
		return placeholder
	}
	return *t.Title
}

func StringPtr(s string) *string {
	return &s
}
