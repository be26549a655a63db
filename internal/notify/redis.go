// Package notify implements an optional cross-process wake-up channel
// for adapters with no native LISTEN/NOTIFY.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Channel is the logical pub/sub channel name every backend's notify
// path uses, matching the Postgres adapter's LISTEN channel so that
// switching adapters doesn't change the wire name.
const Channel = "izi_jobs_insert"

type payload struct {
	Queue string `json:"queue"`
}

// RedisBridge relays insert notifications between processes over Redis
// pub/sub, standing in for engines (MySQL, SQLite) that lack a native
// LISTEN/NOTIFY primitive.
type RedisBridge struct {
	client *redis.Client
	cancel context.CancelFunc
}

// NewRedisBridge parses a redis:// connection string and opens a
// client.
func NewRedisBridge(connectionString string) (*RedisBridge, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return nil, err
	}

	password := ""
	if u.User != nil {
		password, _ = u.User.Password()
	}

	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		db, err = strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     u.Host,
		Password: password,
		DB:       db,
	})
	return &RedisBridge{client: client}, nil
}

// Publish announces that queue has newly available work.
func (b *RedisBridge) Publish(ctx context.Context, queue string) error {
	body, err := json.Marshal(payload{Queue: queue})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, Channel, body).Err()
}

// Subscribe delivers every published queue name to cb until ctx is
// cancelled or Close is called. Malformed payloads are logged and
// skipped rather than crashing the subscriber loop.
func (b *RedisBridge) Subscribe(ctx context.Context, cb func(queue string)) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	sub := b.client.Subscribe(ctx, Channel)
	ch := sub.Channel()

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p payload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					log.Printf("notify: malformed redis payload: %v", err)
					continue
				}
				cb(p.Queue)
			}
		}
	}()
}

func (b *RedisBridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	return b.client.Close()
}
