// Package redis mirrors the durable online flag into Redis so that other
// services can read presence without querying the relational store.
package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/omochice/chat-relay/internal/store"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "im:presence:"
	onlineSet = "im:presence:online"
)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // expiry of a user's presence hash; 0 keeps it forever
}

// Mirror is a store.StatusWriter backed by Redis.
//
// keys:
//
//	im:presence:{userId}  = hash {online: "1"|"0", last_seen: unix millis}
//	im:presence:online    = set of online user ids
type Mirror struct {
	rdb *redis.Client
	ttl time.Duration
}

var (
	_ store.StatusWriter = (*Mirror)(nil)
	_ store.Pinger       = (*Mirror)(nil)
)

// New creates a Mirror. It does not contact the server.
func New(c Config) *Mirror {
	return NewWithClient(redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB}), c.TTL)
}

// NewWithClient creates a Mirror over an existing client.
func NewWithClient(rdb *redis.Client, ttl time.Duration) *Mirror {
	return &Mirror{rdb: rdb, ttl: ttl}
}

func presenceKey(userID int64) string { return keyPrefix + strconv.FormatInt(userID, 10) }

// PersistOnlineStatus implements store.StatusWriter.
func (m *Mirror) PersistOnlineStatus(ctx context.Context, userID int64, online bool, at time.Time) error {
	key := presenceKey(userID)
	flag := "0"
	if online {
		flag = "1"
	}
	_, err := m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "online", flag, "last_seen", at.UnixMilli())
		if m.ttl > 0 {
			p.Expire(ctx, key, m.ttl)
		}
		if online {
			p.SAdd(ctx, onlineSet, userID)
		} else {
			p.SRem(ctx, onlineSet, userID)
		}
		return nil
	})
	return store.Unavailable(store.OpPersistOnline, err)
}

// onlineUsers returns the ids in the mirrored online set.
func (m *Mirror) onlineUsers(ctx context.Context) ([]int64, error) {
	members, err := m.rdb.SMembers(ctx, onlineSet).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis online users")
	}
	out := make([]int64, 0, len(members))
	for _, s := range members {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Reset marks every mirrored online user offline and clears the online set.
// The relay calls it at startup: the presence table starts empty, so no user
// can be online through this process yet. It returns the number of stale
// users cleared.
func (m *Mirror) Reset(ctx context.Context) (int, error) {
	users, err := m.onlineUsers(ctx)
	if err != nil {
		return 0, err
	}
	_, err = m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range users {
			p.HSet(ctx, presenceKey(id), "online", "0")
			if m.ttl > 0 {
				p.Expire(ctx, presenceKey(id), m.ttl)
			}
		}
		p.Del(ctx, onlineSet)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "redis reset")
	}
	return len(users), nil
}

// Ping implements store.Pinger.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (m *Mirror) Close() error {
	return m.rdb.Close()
}
