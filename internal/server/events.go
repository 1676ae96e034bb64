package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openosaka/castle/internal/obs"
	"github.com/redis/go-redis/v9"
)

// EventSink receives tunnel lifecycle notifications. The server never blocks
// on a sink; failures are logged and dropped.
type EventSink interface {
	TunnelRegistered(t *Tunnel)
	TunnelClosed(t *Tunnel)
	Close() error
}

// NewEventSink returns a Redis-backed sink publishing lifecycle events to
// channel, or a no-op sink when addr is empty.
func NewEventSink(addr, password string, db int, channel string) (EventSink, error) {
	if addr == "" {
		return nopSink{}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if channel == "" {
		channel = "castle:events"
	}
	obs.Info("events.backend", obs.Fields{"type": "redis", "addr": addr, "channel": channel})
	return &redisSink{client: rdb, channel: channel}, nil
}

type nopSink struct{}

func (nopSink) TunnelRegistered(*Tunnel) {}
func (nopSink) TunnelClosed(*Tunnel)     {}
func (nopSink) Close() error             { return nil }

type tunnelEvent struct {
	Event      string    `json:"event"`
	TunnelID   string    `json:"tunnel_id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Entrypoint string    `json:"entrypoint"`
	Time       time.Time `json:"time"`
}

type redisSink struct {
	client  *redis.Client
	channel string
}

func (s *redisSink) publish(event string, t *Tunnel) {
	b, err := json.Marshal(tunnelEvent{
		Event:      event,
		TunnelID:   t.ID,
		Name:       t.Name,
		Type:       t.Type,
		Entrypoint: t.Entrypoint.String(),
		Time:       time.Now().UTC(),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, b).Err(); err != nil {
		obs.Error("events.publish", obs.Fields{"err": err.Error(), "event": event})
	}
}

func (s *redisSink) TunnelRegistered(t *Tunnel) { s.publish("registered", t) }
func (s *redisSink) TunnelClosed(t *Tunnel)     { s.publish("closed", t) }
func (s *redisSink) Close() error               { return s.client.Close() }
