package domain

import "time"

type Group struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Members    []string  `json:"members"`
	ProfilePic string    `json:"profilePic,omitempty"`
	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HasMember reports whether id belongs to the group.
func (g *Group) HasMember(id string) bool {
	for _, m := range g.Members {
		if m == id {
			return true
		}
	}
	return false
}

// MembersExcept returns the member ids without the given one. The group's
// slice is never mutated.
func (g *Group) MembersExcept(id string) []string {
	out := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}
