// Package redisstore implements the durable repository on Redis. Records
// are JSON values under typed keys; sorted sets scored by creation time
// index the per-conversation message streams. Read/readBy mutations run in
// optimistic WATCH transactions so concurrent acknowledgements for the same
// message never lose updates.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsechat/pulse/domain"
	"github.com/pulsechat/pulse/storage"
)

const (
	userPrefix      = "user:"
	userEmailPrefix = "useremail:"
	usersKey        = "users"
	groupPrefix     = "group:"
	memberPrefix    = "member:"
	msgPrefix       = "msg:"
	dmIndexPrefix   = "dm:"
	inboxPrefix     = "inbox:"
	groupMsgPrefix  = "gmsg:"

	// Optimistic transaction retry budget for concurrent acknowledgements.
	maxTxRetries = 5
)

// NewClient dials Redis with the connection settings the service uses.
func NewClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return rdb, nil
}

type Store struct {
	rdb *redis.Client
	log *slog.Logger
}

func New(rdb *redis.Client, log *slog.Logger) *Store {
	return &Store{rdb: rdb, log: log}
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return dmIndexPrefix + a + ":" + b
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redisstore: marshal: %w", err)
	}
	return s.rdb.Set(ctx, key, b, 0).Err()
}

func getJSON[T any](ctx context.Context, rdb *redis.Client, key string) (*T, error) {
	b, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("redisstore: unmarshal: %w", err)
	}
	return &v, nil
}

func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	ok, err := s.rdb.SetNX(ctx, userEmailPrefix+user.Email, user.ID, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrAlreadyExists
	}
	if err := s.setJSON(ctx, userPrefix+user.ID, user); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, usersKey, user.ID).Err()
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*domain.User, error) {
	return getJSON[domain.User](ctx, s.rdb, userPrefix+id)
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	id, err := s.rdb.Get(ctx, userEmailPrefix+email).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return s.FindUserByID(ctx, id)
}

func (s *Store) ListUsers(ctx context.Context, exceptID string) ([]domain.User, error) {
	ids, err := s.rdb.SMembers(ctx, usersKey).Result()
	if err != nil {
		return nil, err
	}

	var users []domain.User
	for _, id := range ids {
		if id == exceptID {
			continue
		}
		user, err := s.FindUserByID(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		users = append(users, *user)
	}
	return users, nil
}

func (s *Store) SetLastOnline(ctx context.Context, id string, at *time.Time) (*domain.User, error) {
	var user *domain.User
	err := s.watch(ctx, userPrefix+id, func(tx *redis.Tx) error {
		var err error
		user, err = getJSONTx[domain.User](ctx, tx, userPrefix+id)
		if err != nil {
			return err
		}
		user.LastOnline = at
		return setJSONTx(ctx, tx, userPrefix+id, user)
	})
	return user, err
}

func (s *Store) UpdateUser(ctx context.Context, user *domain.User) error {
	return s.watch(ctx, userPrefix+user.ID, func(tx *redis.Tx) error {
		if _, err := getJSONTx[domain.User](ctx, tx, userPrefix+user.ID); err != nil {
			return err
		}
		return setJSONTx(ctx, tx, userPrefix+user.ID, user)
	})
}

func (s *Store) CreateGroup(ctx context.Context, group *domain.Group) error {
	if err := s.setJSON(ctx, groupPrefix+group.ID, group); err != nil {
		return err
	}
	for _, member := range group.Members {
		if err := s.rdb.SAdd(ctx, memberPrefix+member, group.ID).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) FindGroupByID(ctx context.Context, id string) (*domain.Group, error) {
	return getJSON[domain.Group](ctx, s.rdb, groupPrefix+id)
}

func (s *Store) UpdateGroup(ctx context.Context, group *domain.Group) error {
	prev, err := s.FindGroupByID(ctx, group.ID)
	if err != nil {
		return err
	}
	for _, member := range prev.Members {
		if !group.HasMember(member) {
			if err := s.rdb.SRem(ctx, memberPrefix+member, group.ID).Err(); err != nil {
				return err
			}
		}
	}
	for _, member := range group.Members {
		if err := s.rdb.SAdd(ctx, memberPrefix+member, group.ID).Err(); err != nil {
			return err
		}
	}
	return s.setJSON(ctx, groupPrefix+group.ID, group)
}

func (s *Store) FindGroupIDsForMember(ctx context.Context, userID string) ([]string, error) {
	return s.rdb.SMembers(ctx, memberPrefix+userID).Result()
}

func (s *Store) ListGroupsForMember(ctx context.Context, userID string) ([]domain.Group, error) {
	ids, err := s.FindGroupIDsForMember(ctx, userID)
	if err != nil {
		return nil, err
	}
	var groups []domain.Group
	for _, id := range ids {
		group, err := s.FindGroupByID(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		groups = append(groups, *group)
	}
	return groups, nil
}

func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	group, err := s.FindGroupByID(ctx, id)
	if err != nil {
		return err
	}
	for _, member := range group.Members {
		if err := s.rdb.SRem(ctx, memberPrefix+member, id).Err(); err != nil {
			return err
		}
	}
	return s.rdb.Del(ctx, groupPrefix+id).Err()
}

func (s *Store) CreateMessage(ctx context.Context, msg *domain.Message) error {
	if err := s.setJSON(ctx, msgPrefix+msg.ID, msg); err != nil {
		return err
	}

	member := redis.Z{Score: float64(msg.CreatedAt.UnixNano()), Member: msg.ID}
	if msg.IsGroup() {
		return s.rdb.ZAdd(ctx, groupMsgPrefix+msg.GroupID, member).Err()
	}
	if err := s.rdb.ZAdd(ctx, pairKey(msg.SenderID, msg.ReceiverID), member).Err(); err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, inboxPrefix+msg.ReceiverID, member).Err()
}

func (s *Store) FindMessageByID(ctx context.Context, id string) (*domain.Message, error) {
	return getJSON[domain.Message](ctx, s.rdb, msgPrefix+id)
}

func (s *Store) FindMessages(ctx context.Context, filter storage.MessageFilter) ([]domain.Message, error) {
	keys := indexKeys(filter)
	if keys == nil {
		return s.scanMessages(ctx, filter)
	}
	var msgs []domain.Message
	for _, index := range keys {
		ids, err := s.rdb.ZRange(ctx, index, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			msg, err := s.FindMessageByID(ctx, id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if filter.Matches(*msg) {
				msgs = append(msgs, *msg)
			}
		}
	}
	return msgs, nil
}

func indexKeys(filter storage.MessageFilter) []string {
	switch {
	case filter.Between[0] != "" && filter.Between[1] != "":
		return []string{pairKey(filter.Between[0], filter.Between[1])}
	case filter.GroupID != "":
		return []string{groupMsgPrefix + filter.GroupID}
	case len(filter.GroupIDs) > 0:
		keys := make([]string, 0, len(filter.GroupIDs))
		for _, id := range filter.GroupIDs {
			keys = append(keys, groupMsgPrefix+id)
		}
		return keys
	case filter.ReceiverID != "":
		return []string{inboxPrefix + filter.ReceiverID}
	default:
		return nil
	}
}

// scanMessages walks every message record via SCAN. The fallback for
// filters no index can narrow; ordering is unspecified.
func (s *Store) scanMessages(ctx context.Context, filter storage.MessageFilter) ([]domain.Message, error) {
	var msgs []domain.Message
	iter := s.rdb.Scan(ctx, 0, msgPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		msg, err := getJSON[domain.Message](ctx, s.rdb, iter.Val())
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if filter.Matches(*msg) {
			msgs = append(msgs, *msg)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) MarkDelivered(ctx context.Context, ids []string) ([]string, error) {
	var flipped []string
	for _, id := range ids {
		_, changed, err := s.mutate(ctx, id, func(msg *domain.Message) bool {
			if msg.Delivered {
				return false
			}
			msg.Delivered = true
			return true
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.log.Warn("mark delivered: unknown message", "id", id)
				continue
			}
			return nil, err
		}
		if changed {
			flipped = append(flipped, id)
		}
	}
	return flipped, nil
}

func (s *Store) MarkRead(ctx context.Context, id string) (*domain.Message, error) {
	msg, _, err := s.mutate(ctx, id, func(msg *domain.Message) bool {
		if msg.Read {
			return false
		}
		msg.Read = true
		return true
	})
	return msg, err
}

func (s *Store) AddReadBy(ctx context.Context, id, userID string) (*domain.Message, bool, error) {
	return s.mutate(ctx, id, func(msg *domain.Message) bool {
		if msg.ReadByContains(userID) {
			return false
		}
		msg.ReadBy = append(msg.ReadBy, userID)
		return true
	})
}

// mutate applies a read-modify-write to one message under WATCH. fn returns
// whether it changed the record; unchanged records skip the write.
func (s *Store) mutate(ctx context.Context, id string, fn func(*domain.Message) bool) (*domain.Message, bool, error) {
	key := msgPrefix + id
	var (
		msg     *domain.Message
		changed bool
	)
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		changed = false
		var err error
		msg, err = getJSONTx[domain.Message](ctx, tx, key)
		if err != nil {
			return err
		}
		if !fn(msg) {
			return nil
		}
		changed = true
		return setJSONTx(ctx, tx, key, msg)
	})
	return msg, changed, err
}

func (s *Store) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.rdb.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func getJSONTx[T any](ctx context.Context, tx *redis.Tx, key string) (*T, error) {
	b, err := tx.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("redisstore: unmarshal: %w", err)
	}
	return &v, nil
}

func setJSONTx(ctx context.Context, tx *redis.Tx, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redisstore: marshal: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, b, 0)
		return nil
	})
	return err
}
