package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracking-service/internal/platform"
)

// getTestRedisURL returns the Redis URL for testing
func getTestRedisURL() string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}
	return url
}

// setupTestClient creates a test client and cleans up test data
func setupTestClient(t *testing.T) *Client {
	t.Helper()

	client, err := New(getTestRedisURL(), zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}

	client.client.Del(ctx, TrackingKey)
	t.Cleanup(func() {
		client.client.Del(context.Background(), TrackingKey)
		client.Close()
	})
	return client
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		redisURL string
		wantErr  bool
	}{
		{name: "valid URL with port", redisURL: "redis://localhost:6379"},
		{name: "valid URL without port", redisURL: "redis://localhost"},
		{name: "unix socket", redisURL: "unix:///run/redis.sock"},
		{name: "unknown scheme", redisURL: "http://localhost", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.redisURL, zerolog.Nop())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			client.Close()
		})
	}
}

func TestParseSettings(t *testing.T) {
	s := parseSettings(map[string]string{})
	assert.False(t, s.TrackingEnabled)
	assert.False(t, s.UserRequestedStop)
	assert.Equal(t, DefaultUpdateInterval, s.UpdateInterval)
	assert.True(t, s.HighAccuracy)

	s = parseSettings(map[string]string{
		FieldEnabled:           "true",
		FieldUserRequestedStop: "false",
		FieldUpdateInterval:    "60",
		FieldHighAccuracy:      "false",
	})
	assert.True(t, s.TrackingEnabled)
	assert.Equal(t, time.Minute, s.UpdateInterval)
	assert.False(t, s.HighAccuracy)

	s = parseSettings(map[string]string{FieldUpdateInterval: "-5"})
	assert.Equal(t, DefaultUpdateInterval, s.UpdateInterval)
}

func TestParseFailureState(t *testing.T) {
	until := time.UnixMilli(1_700_000_000_000)
	fs := parseFailureState(map[string]string{
		FieldConsecutiveFailures: "2",
		FieldLastFailureTime:     "0",
		FieldAuthFailureUntil:    formatMillis(until),
	})
	assert.Equal(t, 2, fs.ConsecutiveFailures)
	assert.True(t, fs.LastFailureTime.IsZero())
	assert.True(t, until.Equal(fs.AuthBlockedUntil))
}

func TestFlagsRoundTrip(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.SaveFlags(ctx, false, true))
	s, err := client.LoadSettings(ctx)
	require.NoError(t, err)
	assert.False(t, s.TrackingEnabled)
	assert.True(t, s.UserRequestedStop)
}

func TestFailureStateRoundTrip(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	want := FailureState{
		ConsecutiveFailures: 3,
		LastFailureTime:     time.UnixMilli(1_700_000_000_123),
	}
	require.NoError(t, client.SaveFailureState(ctx, want))

	got, err := client.LoadFailureState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ConsecutiveFailures)
	assert.True(t, want.LastFailureTime.Equal(got.LastFailureTime))
	assert.True(t, got.AuthBlockedUntil.IsZero())
}

func TestPermissions(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	perm, bg, err := client.Permissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, platform.PermissionFine, perm, "unset means granted")
	assert.True(t, bg)

	require.NoError(t, client.client.HSet(ctx, TrackingKey,
		FieldLocationPermission, "none", FieldBackgroundLocation, "false").Err())
	perm, bg, err = client.Permissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, platform.PermissionNone, perm)
	assert.False(t, bg)
}

func TestPublishStatus(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	sub := client.client.Subscribe(ctx, TrackingKey)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, client.PublishStatus(ctx, FieldMode, "idle"))

	val, err := client.client.HGet(ctx, TrackingKey, FieldMode).Result()
	require.NoError(t, err)
	assert.Equal(t, "idle", val)

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, FieldMode, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification published")
	}
}

func TestReceiveCommands(t *testing.T) {
	client := setupTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- client.ReceiveCommands(ctx, func(cmd string) {
			select {
			case got <- cmd:
			default:
			}
		})
	}()

	// Publish until the subscriber is attached.
	deadline := time.After(2 * time.Second)
	for {
		client.client.Publish(context.Background(), CommandChannel, "viewer")
		select {
		case cmd := <-got:
			assert.Equal(t, "viewer", cmd)
			cancel()
			assert.ErrorIs(t, <-errc, context.Canceled)
			return
		case <-deadline:
			t.Fatal("command not received")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
