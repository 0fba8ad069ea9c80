// Package badgerstore implements the durable repository on an embedded
// BadgerDB. Values are JSON-encoded records; secondary index keys carry a
// 19-digit zero-padded creation timestamp so that prefix scans come back in
// chronological order, with the message id as a collision disconnector.
package badgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/pulsechat/pulse/domain"
	"github.com/pulsechat/pulse/storage"
)

const (
	userPrefix      = "user:"
	userEmailPrefix = "useremail:"
	groupPrefix     = "group:"
	memberPrefix    = "member:"
	msgPrefix       = "msg:"
	dmIndexPrefix   = "dm:"
	inboxPrefix     = "inbox:"
	groupMsgPrefix  = "gmsg:"
)

type Store struct {
	db  *badger.DB
	log *slog.Logger
}

func New(db *badger.DB, log *slog.Logger) *Store {
	return &Store{db: db, log: log}
}

func userKey(id string) []byte     { return []byte(userPrefix + id) }
func userEmailKey(e string) []byte { return []byte(userEmailPrefix + e) }
func groupKey(id string) []byte    { return []byte(groupPrefix + id) }
func msgKey(id string) []byte      { return []byte(msgPrefix + id) }

func memberKey(userID, groupID string) []byte {
	return []byte(memberPrefix + userID + ":" + groupID)
}

// pairKey identifies a direct conversation independently of direction.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func timestamped(prefix, scope string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d:%s", prefix, scope, at.UnixNano(), id))
}

func set(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("badgerstore: marshal: %w", err)
	}
	return txn.Set(key, b)
}

func get[T any](txn *badger.Txn, key []byte) (*T, error) {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var v T
	if err := item.Value(func(b []byte) error {
		return json.Unmarshal(b, &v)
	}); err != nil {
		return nil, fmt.Errorf("badgerstore: unmarshal: %w", err)
	}
	return &v, nil
}

// update retries a read-modify-write transaction on optimistic conflict so
// concurrent acknowledgements for the same message never surface as lost
// updates.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range 3 {
		err = s.db.Update(fn)
		if err != badger.ErrConflict {
			return err
		}
	}
	return err
}

func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(userEmailKey(user.Email)); err == nil {
			return storage.ErrAlreadyExists
		}
		if err := set(txn, userKey(user.ID), user); err != nil {
			return err
		}
		return txn.Set(userEmailKey(user.Email), []byte(user.ID))
	})
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*domain.User, error) {
	var user *domain.User
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		user, err = get[domain.User](txn, userKey(id))
		return err
	})
	return user, err
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user *domain.User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userEmailKey(email))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		var id string
		if err := item.Value(func(b []byte) error {
			id = string(b)
			return nil
		}); err != nil {
			return err
		}
		user, err = get[domain.User](txn, userKey(id))
		return err
	})
	return user, err
}

func (s *Store) ListUsers(ctx context.Context, exceptID string) ([]domain.User, error) {
	var users []domain.User
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(userPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var user domain.User
			if err := it.Item().Value(func(b []byte) error {
				return json.Unmarshal(b, &user)
			}); err != nil {
				return err
			}
			if user.ID != exceptID {
				users = append(users, user)
			}
		}
		return nil
	})
	return users, err
}

func (s *Store) SetLastOnline(ctx context.Context, id string, at *time.Time) (*domain.User, error) {
	var user *domain.User
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		user, err = get[domain.User](txn, userKey(id))
		if err != nil {
			return err
		}
		user.LastOnline = at
		return set(txn, userKey(id), user)
	})
	return user, err
}

func (s *Store) UpdateUser(ctx context.Context, user *domain.User) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := get[domain.User](txn, userKey(user.ID)); err != nil {
			return err
		}
		return set(txn, userKey(user.ID), user)
	})
}

func (s *Store) CreateGroup(ctx context.Context, group *domain.Group) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := set(txn, groupKey(group.ID), group); err != nil {
			return err
		}
		for _, member := range group.Members {
			if err := txn.Set(memberKey(member, group.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) FindGroupByID(ctx context.Context, id string) (*domain.Group, error) {
	var group *domain.Group
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		group, err = get[domain.Group](txn, groupKey(id))
		return err
	})
	return group, err
}

func (s *Store) UpdateGroup(ctx context.Context, group *domain.Group) error {
	return s.db.Update(func(txn *badger.Txn) error {
		prev, err := get[domain.Group](txn, groupKey(group.ID))
		if err != nil {
			return err
		}
		for _, member := range prev.Members {
			if !group.HasMember(member) {
				if err := txn.Delete(memberKey(member, group.ID)); err != nil {
					return err
				}
			}
		}
		for _, member := range group.Members {
			if err := txn.Set(memberKey(member, group.ID), nil); err != nil {
				return err
			}
		}
		return set(txn, groupKey(group.ID), group)
	})
}

func (s *Store) FindGroupIDsForMember(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(memberPrefix + userID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, strings.TrimPrefix(key, string(prefix)))
		}
		return nil
	})
	return ids, err
}

func (s *Store) ListGroupsForMember(ctx context.Context, userID string) ([]domain.Group, error) {
	ids, err := s.FindGroupIDsForMember(ctx, userID)
	if err != nil {
		return nil, err
	}
	var groups []domain.Group
	err = s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			group, err := get[domain.Group](txn, groupKey(id))
			if err != nil {
				if err == storage.ErrNotFound {
					continue
				}
				return err
			}
			groups = append(groups, *group)
		}
		return nil
	})
	return groups, err
}

func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		group, err := get[domain.Group](txn, groupKey(id))
		if err != nil {
			return err
		}
		for _, member := range group.Members {
			if err := txn.Delete(memberKey(member, id)); err != nil {
				return err
			}
		}
		return txn.Delete(groupKey(id))
	})
}

func (s *Store) CreateMessage(ctx context.Context, msg *domain.Message) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := set(txn, msgKey(msg.ID), msg); err != nil {
			return err
		}
		id := []byte(msg.ID)
		if msg.IsGroup() {
			return txn.Set(timestamped(groupMsgPrefix, msg.GroupID, msg.CreatedAt, msg.ID), id)
		}
		if err := txn.Set(timestamped(dmIndexPrefix, pairKey(msg.SenderID, msg.ReceiverID), msg.CreatedAt, msg.ID), id); err != nil {
			return err
		}
		return txn.Set(timestamped(inboxPrefix, msg.ReceiverID, msg.CreatedAt, msg.ID), id)
	})
}

func (s *Store) FindMessageByID(ctx context.Context, id string) (*domain.Message, error) {
	var msg *domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		msg, err = get[domain.Message](txn, msgKey(id))
		return err
	})
	return msg, err
}

// FindMessages scans the narrowest index the filter allows and applies the
// remaining predicates on the decoded records.
func (s *Store) FindMessages(ctx context.Context, filter storage.MessageFilter) ([]domain.Message, error) {
	prefixes := indexPrefixes(filter)
	if prefixes == nil {
		return s.scanMessages(filter)
	}
	var msgs []domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			ids := make([]string, 0, 16)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var id string
				if err := it.Item().Value(func(b []byte) error {
					id = string(b)
					return nil
				}); err != nil {
					it.Close()
					return err
				}
				ids = append(ids, id)
			}
			it.Close()

			for _, id := range ids {
				msg, err := get[domain.Message](txn, msgKey(id))
				if err != nil {
					if err == storage.ErrNotFound {
						continue
					}
					return err
				}
				if filter.Matches(*msg) {
					msgs = append(msgs, *msg)
				}
			}
		}
		return nil
	})
	return msgs, err
}

// scanMessages walks every message record. The fallback for filters no
// index can narrow; message ordering follows the record key, not creation
// time.
func (s *Store) scanMessages(filter storage.MessageFilter) ([]domain.Message, error) {
	var msgs []domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(msgPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg domain.Message
			if err := it.Item().Value(func(b []byte) error {
				return json.Unmarshal(b, &msg)
			}); err != nil {
				return err
			}
			if filter.Matches(msg) {
				msgs = append(msgs, msg)
			}
		}
		return nil
	})
	return msgs, err
}

// indexPrefixes picks the scan prefixes for a filter: the direct
// conversation index when both participants are known, group indexes when
// groups are named, the receiver inbox otherwise. Nil means no index
// applies and the caller must fall back to a full scan.
func indexPrefixes(filter storage.MessageFilter) [][]byte {
	switch {
	case filter.Between[0] != "" && filter.Between[1] != "":
		return [][]byte{[]byte(dmIndexPrefix + pairKey(filter.Between[0], filter.Between[1]) + ":")}
	case filter.GroupID != "":
		return [][]byte{[]byte(groupMsgPrefix + filter.GroupID + ":")}
	case len(filter.GroupIDs) > 0:
		prefixes := make([][]byte, 0, len(filter.GroupIDs))
		for _, id := range filter.GroupIDs {
			prefixes = append(prefixes, []byte(groupMsgPrefix+id+":"))
		}
		return prefixes
	case filter.ReceiverID != "":
		return [][]byte{[]byte(inboxPrefix + filter.ReceiverID + ":")}
	default:
		return nil
	}
}

func (s *Store) MarkDelivered(ctx context.Context, ids []string) ([]string, error) {
	var flipped []string
	err := s.update(func(txn *badger.Txn) error {
		flipped = flipped[:0]
		for _, id := range ids {
			msg, err := get[domain.Message](txn, msgKey(id))
			if err != nil {
				if err == storage.ErrNotFound {
					s.log.Warn("mark delivered: unknown message", "id", id)
					continue
				}
				return err
			}
			if msg.Delivered {
				continue
			}
			msg.Delivered = true
			if err := set(txn, msgKey(id), msg); err != nil {
				return err
			}
			flipped = append(flipped, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flipped, nil
}

func (s *Store) MarkRead(ctx context.Context, id string) (*domain.Message, error) {
	var msg *domain.Message
	err := s.update(func(txn *badger.Txn) error {
		var err error
		msg, err = get[domain.Message](txn, msgKey(id))
		if err != nil {
			return err
		}
		if msg.Read {
			return nil
		}
		msg.Read = true
		return set(txn, msgKey(id), msg)
	})
	return msg, err
}

func (s *Store) AddReadBy(ctx context.Context, id, userID string) (*domain.Message, bool, error) {
	var (
		msg     *domain.Message
		changed bool
	)
	err := s.update(func(txn *badger.Txn) error {
		changed = false
		var err error
		msg, err = get[domain.Message](txn, msgKey(id))
		if err != nil {
			return err
		}
		if msg.ReadByContains(userID) {
			return nil
		}
		msg.ReadBy = append(msg.ReadBy, userID)
		changed = true
		return set(txn, msgKey(id), msg)
	})
	return msg, changed, err
}
