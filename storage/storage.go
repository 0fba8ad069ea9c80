package storage

import (
	"context"
	"errors"
	"time"

	"github.com/pulsechat/pulse/domain"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
)

// MessageFilter narrows FindMessages. Zero-valued fields are ignored.
// Between matches the direct conversation of exactly two users regardless of
// direction; pointer flags match the stored value exactly.
type MessageFilter struct {
	Between       [2]string
	ReceiverID    string
	SenderID      string
	GroupID       string
	GroupIDs      []string
	ExcludeSender string
	NotReadBy     string
	Delivered     *bool
	Read          *bool
	DirectOnly    bool
}

// Matches applies the filter's record-level predicates to one message.
// Implementations use it after narrowing the candidate set with whatever
// index the filter allows.
func (f MessageFilter) Matches(msg domain.Message) bool {
	if f.DirectOnly && msg.IsGroup() {
		return false
	}
	if f.Between[0] != "" || f.Between[1] != "" {
		if msg.IsGroup() {
			return false
		}
		for _, id := range f.Between {
			if id != "" && msg.SenderID != id && msg.ReceiverID != id {
				return false
			}
		}
	}
	if f.ReceiverID != "" && msg.ReceiverID != f.ReceiverID {
		return false
	}
	if f.SenderID != "" && msg.SenderID != f.SenderID {
		return false
	}
	if f.ExcludeSender != "" && msg.SenderID == f.ExcludeSender {
		return false
	}
	if f.NotReadBy != "" && msg.ReadByContains(f.NotReadBy) {
		return false
	}
	if f.Delivered != nil && msg.Delivered != *f.Delivered {
		return false
	}
	if f.Read != nil && msg.Read != *f.Read {
		return false
	}
	return true
}

type UserStore interface {
	CreateUser(ctx context.Context, user *domain.User) error
	FindUserByID(ctx context.Context, id string) (*domain.User, error)
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)
	ListUsers(ctx context.Context, exceptID string) ([]domain.User, error)

	// UpdateUser rewrites the user's mutable profile fields. The email is
	// immutable; implementations keep the email index untouched.
	UpdateUser(ctx context.Context, user *domain.User) error

	// SetLastOnline writes the user's lastOnline marker: nil while the user
	// is connected, the disconnect timestamp otherwise. Returns the updated
	// record.
	SetLastOnline(ctx context.Context, id string, at *time.Time) (*domain.User, error)
}

type GroupStore interface {
	CreateGroup(ctx context.Context, group *domain.Group) error
	FindGroupByID(ctx context.Context, id string) (*domain.Group, error)
	FindGroupIDsForMember(ctx context.Context, userID string) ([]string, error)

	// UpdateGroup rewrites the group record and its membership index,
	// removing members no longer listed.
	UpdateGroup(ctx context.Context, group *domain.Group) error
	ListGroupsForMember(ctx context.Context, userID string) ([]domain.Group, error)
	DeleteGroup(ctx context.Context, id string) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, msg *domain.Message) error
	FindMessageByID(ctx context.Context, id string) (*domain.Message, error)
	FindMessages(ctx context.Context, filter MessageFilter) ([]domain.Message, error)

	// MarkDelivered flips delivered=true for the given messages in one
	// batch and returns the ids that actually transitioned. Already
	// delivered messages are left untouched and not reported, so callers
	// can emit delivery receipts exactly once per transition.
	MarkDelivered(ctx context.Context, ids []string) ([]string, error)

	// MarkRead flips read=true and returns the updated message. Monotonic:
	// marking an already-read message is a no-op.
	MarkRead(ctx context.Context, id string) (*domain.Message, error)

	// AddReadBy appends userID to the message's readBy set atomically with
	// respect to concurrent acknowledgements. The bool reports whether the
	// set actually changed.
	AddReadBy(ctx context.Context, id, userID string) (*domain.Message, bool, error)
}

// Store is the engine's durable repository.
type Store interface {
	UserStore
	GroupStore
	MessageStore
}
