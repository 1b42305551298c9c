// Package rendezvous tells peers in the same room each other's mesh
// addresses. It never carries session traffic.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"penguinmesh/internal/doc"
)

// ErrInvalidAnnouncement is returned for announcements without an id, or
// joins without an address.
var ErrInvalidAnnouncement = errors.New("invalid announcement")

// Announcement is one roster change. Left marks a participant that went away.
type Announcement struct {
	ID   doc.ParticipantID `json:"id"`
	Addr string            `json:"addr,omitempty"`
	Left bool              `json:"left,omitempty"`
}

// Validate checks the announcement shape.
func (a Announcement) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidAnnouncement)
	}
	if !a.Left && a.Addr == "" {
		return fmt.Errorf("%w: %s has no address", ErrInvalidAnnouncement, a.ID)
	}
	return nil
}

// Registry keeps room rosters in redis and fans changes out over redis
// pub/sub. A room is two keys: a hash of member addresses and a sorted set
// of members scored by when their announcement runs out.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRegistry connects to the redis at addr. A "redis://" URL is accepted
// too, in which case db is ignored.
func NewRegistry(addr string, db int, ttl time.Duration) (*Registry, error) {
	opts := &redis.Options{Addr: addr, DB: db}
	if strings.Contains(addr, "://") {
		var err error
		if opts, err = redis.ParseURL(addr); err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRegistryWithClient(client, ttl), nil
}

// NewRegistryWithClient wraps an existing client. A member drops off the
// roster ttl after its own last announcement.
func NewRegistryWithClient(client *redis.Client, ttl time.Duration) *Registry {
	return &Registry{client: client, ttl: ttl, now: time.Now}
}

func rosterKey(room string) string { return "room:" + room }

func seenKey(room string) string { return "room:" + room + ":seen" }

func eventsChannel(room string) string { return "room:" + room + ":events" }

// Announce records a in the room roster and publishes it.
func (r *Registry) Announce(ctx context.Context, room string, a Announcement) error {
	if err := a.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	key, seen := rosterKey(room), seenKey(room)
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if a.Left {
			pipe.HDel(ctx, key, string(a.ID))
			pipe.ZRem(ctx, seen, string(a.ID))
		} else {
			until := r.now().Add(r.ttl).UnixMilli()
			pipe.HSet(ctx, key, string(a.ID), a.Addr)
			pipe.ZAdd(ctx, seen, redis.Z{Score: float64(until), Member: string(a.ID)})
			// Whole-room expiry only collects rooms nobody refreshes.
			pipe.Expire(ctx, key, r.ttl)
			pipe.Expire(ctx, seen, r.ttl)
		}
		pipe.Publish(ctx, eventsChannel(room), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("announce %s in %s: %w", a.ID, room, err)
	}
	return nil
}

// Roster returns the current members of room ordered by id. Members whose
// announcement ran out are pruned on the way.
func (r *Registry) Roster(ctx context.Context, room string) ([]Announcement, error) {
	key, seen := rosterKey(room), seenKey(room)
	now := strconv.FormatInt(r.now().UnixMilli(), 10)

	stale, err := r.client.ZRangeByScore(ctx, seen, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", room, err)
	}
	if len(stale) > 0 {
		_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, seen, "-inf", now)
			pipe.HDel(ctx, key, stale...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("prune %s: %w", room, err)
		}
	}

	live, err := r.client.ZRangeByScore(ctx, seen, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", room, err)
	}
	if len(live) == 0 {
		return []Announcement{}, nil
	}
	addrs, err := r.client.HMGet(ctx, key, live...).Result()
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", room, err)
	}
	out := make([]Announcement, 0, len(live))
	for i, id := range live {
		addr, ok := addrs[i].(string)
		if !ok || addr == "" {
			continue
		}
		out = append(out, Announcement{ID: doc.ParticipantID(id), Addr: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Subscribe follows announcements published for room. The caller closes
// the subscription.
func (r *Registry) Subscribe(ctx context.Context, room string) (*redis.PubSub, error) {
	sub := r.client.Subscribe(ctx, eventsChannel(room))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", room, err)
	}
	return sub, nil
}

// Ping checks the redis connection.
func (r *Registry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the redis client.
func (r *Registry) Close() error {
	return r.client.Close()
}
