package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Key layout in Redis:
//
//	wf:session:{session_id}                session metadata
//	wf:state:{session_id}:latest           current sequence number
//	wf:state:{session_id}:{seq}            one immutable state version
//	wf:records:{session_id}                node execution record list
//	wf:cache:{tier}:{key}                  cache tier entry

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("wf:session:%s", sessionID)
}

func latestKey(sessionID string) string {
	return fmt.Sprintf("wf:state:%s:latest", sessionID)
}

func versionKey(sessionID string, seq int64) string {
	return fmt.Sprintf("wf:state:%s:%d", sessionID, seq)
}

func recordsKey(sessionID string) string {
	return fmt.Sprintf("wf:records:%s", sessionID)
}
