package domain

import "time"

// User is the repository-owned account record. LastOnline is nil while the
// user holds a live connection and set to the disconnect time otherwise.
type User struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Password   string     `json:"-"`
	ProfilePic string     `json:"profilePic,omitempty"`
	LastOnline *time.Time `json:"lastOnline"`
	CreatedAt  time.Time  `json:"createdAt"`
}
