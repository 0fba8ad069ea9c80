package domain

import "time"

// Message is a direct or group chat message. Exactly one of ReceiverID and
// GroupID is set. Delivered and Read are monotonic: once true they never
// revert. ReadBy is meaningful for group messages only and only ever grows;
// the sender is pre-seeded into it at creation time.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId,omitempty"`
	GroupID    string    `json:"groupId,omitempty"`
	Text       string    `json:"text,omitempty"`
	Image      string    `json:"image,omitempty"`
	Delivered  bool      `json:"delivered"`
	Read       bool      `json:"read"`
	ReadBy     []string  `json:"readBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (m *Message) IsGroup() bool {
	return m.GroupID != ""
}

// ReadByContains reports whether the user already acknowledged the message.
func (m *Message) ReadByContains(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// AllRead reports whether every group member except the sender has
// acknowledged the message. It is the aggregate behind the group-level
// Read flag; members is the group's full member list.
func (m *Message) AllRead(members []string) bool {
	for _, member := range members {
		if member == m.SenderID {
			continue
		}
		if !m.ReadByContains(member) {
			return false
		}
	}
	return true
}
