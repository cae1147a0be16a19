package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tracking-service/internal/platform"
)

const (
	// TrackingKey is the hash holding persisted flags and published status,
	// and the channel on which status field changes are announced.
	TrackingKey = "tracking"
	// CommandChannel carries start/stop/viewer/settings commands.
	CommandChannel = "tracking:command"
)

// Fields of the tracking hash
const (
	FieldEnabled             = "tracking-enabled"
	FieldUserRequestedStop   = "user-requested-stop"
	FieldUpdateInterval      = "update-interval-seconds"
	FieldHighAccuracy        = "high-accuracy-mode"
	FieldAuthFailureUntil    = "auth-failure-until"
	FieldConsecutiveFailures = "consecutive-failures"
	FieldLastFailureTime     = "last-failure-time"
	FieldLocationPermission  = "location-permission"
	FieldBackgroundLocation  = "background-location"
	FieldMode                = "mode"
	FieldStatus              = "status"
)

// DefaultUpdateInterval applies when update-interval-seconds is unset or invalid.
const DefaultUpdateInterval = 30 * time.Second

// Settings are the persisted values read at start and on settings commands.
type Settings struct {
	TrackingEnabled   bool
	UserRequestedStop bool
	UpdateInterval    time.Duration
	HighAccuracy      bool
}

// FailureState is the persisted upload failure state.
type FailureState struct {
	ConsecutiveFailures int
	LastFailureTime     time.Time
	AuthBlockedUntil    time.Time
}

// Client wraps the Redis client with the tracking hash layout
type Client struct {
	client *redis.Client
	logger zerolog.Logger
}

// New creates a new Redis client
func New(redisURL string, logger zerolog.Logger) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %v", err)
	}

	return &Client{
		client: redis.NewClient(opt),
		logger: logger.With().Str("component", "redis").Logger(),
	}, nil
}

// Ping checks if the Redis server is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) LoadSettings(ctx context.Context) (Settings, error) {
	all, err := c.client.HGetAll(ctx, TrackingKey).Result()
	if err != nil {
		return Settings{}, fmt.Errorf("cannot read settings from redis: %v", err)
	}
	return parseSettings(all), nil
}

func parseSettings(all map[string]string) Settings {
	s := Settings{
		TrackingEnabled:   parseBool(all[FieldEnabled], false),
		UserRequestedStop: parseBool(all[FieldUserRequestedStop], false),
		UpdateInterval:    DefaultUpdateInterval,
		HighAccuracy:      parseBool(all[FieldHighAccuracy], true),
	}
	if secs, err := strconv.Atoi(all[FieldUpdateInterval]); err == nil && secs > 0 {
		s.UpdateInterval = time.Duration(secs) * time.Second
	}
	return s
}

// SaveFlags persists the lifecycle flags in one transaction.
func (c *Client) SaveFlags(ctx context.Context, enabled, stopRequested bool) error {
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, TrackingKey,
		FieldEnabled, strconv.FormatBool(enabled),
		FieldUserRequestedStop, strconv.FormatBool(stopRequested))
	pipe.Publish(ctx, TrackingKey, FieldEnabled)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error().Err(err).Msg("unable to save tracking flags")
		return fmt.Errorf("cannot write to redis: %v", err)
	}
	return nil
}

func (c *Client) LoadFailureState(ctx context.Context) (FailureState, error) {
	all, err := c.client.HGetAll(ctx, TrackingKey).Result()
	if err != nil {
		return FailureState{}, fmt.Errorf("cannot read failure state from redis: %v", err)
	}
	return parseFailureState(all), nil
}

func parseFailureState(all map[string]string) FailureState {
	var fs FailureState
	if n, err := strconv.Atoi(all[FieldConsecutiveFailures]); err == nil && n > 0 {
		fs.ConsecutiveFailures = n
	}
	fs.LastFailureTime = parseMillis(all[FieldLastFailureTime])
	fs.AuthBlockedUntil = parseMillis(all[FieldAuthFailureUntil])
	return fs
}

func (c *Client) SaveFailureState(ctx context.Context, fs FailureState) error {
	err := c.client.HSet(ctx, TrackingKey,
		FieldConsecutiveFailures, strconv.Itoa(fs.ConsecutiveFailures),
		FieldLastFailureTime, formatMillis(fs.LastFailureTime),
		FieldAuthFailureUntil, formatMillis(fs.AuthBlockedUntil)).Err()
	if err != nil {
		c.logger.Error().Err(err).Msg("unable to save upload failure state")
		return fmt.Errorf("cannot write to redis: %v", err)
	}
	return nil
}

// Permissions returns the grants recorded by the platform layer.
func (c *Client) Permissions(ctx context.Context) (platform.Permission, bool, error) {
	vals, err := c.client.HMGet(ctx, TrackingKey, FieldLocationPermission, FieldBackgroundLocation).Result()
	if err != nil {
		return platform.PermissionNone, false, fmt.Errorf("cannot read permissions from redis: %v", err)
	}
	perm, _ := vals[0].(string)
	bg, _ := vals[1].(string)
	return platform.ParsePermission(perm), parseBool(bg, true), nil
}

// PublishStatus sets one status field and announces it on the tracking channel.
func (c *Client) PublishStatus(ctx context.Context, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, TrackingKey, field, value)
	pipe.Publish(ctx, TrackingKey, field)
	_, err := pipe.Exec(ctx)
	if err != nil {
		c.logger.Error().Err(err).Str("field", field).Msg("unable to publish status")
		return fmt.Errorf("cannot write to redis: %v", err)
	}
	return nil
}

// ReceiveCommands subscribes to the command channel and calls handler for
// every message until ctx is cancelled or the subscription breaks.
func (c *Client) ReceiveCommands(ctx context.Context, handler func(string)) error {
	pubsub := c.client.Subscribe(ctx, CommandChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %v", CommandChannel, err)
	}
	c.logger.Info().Str("channel", CommandChannel).Msg("listening for commands")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", CommandChannel)
			}
			handler(msg.Payload)
		}
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func formatMillis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}
