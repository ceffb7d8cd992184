package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/threadmesh/threadmesh/pkg/logging"
	"github.com/threadmesh/threadmesh/pkg/notify"
	"github.com/threadmesh/threadmesh/pkg/security"
)

const securityStateKey = "threadmesh:security:state"

// RedisMirrorConfig holds Redis configuration
type RedisMirrorConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration // mirror entry TTL (default: 5 minutes)
}

// SecurityState is the volatile view of the key manager published for other
// stack processes. It carries no key material, only counters and policy.
type SecurityState struct {
	KeySequence         uint32   `json:"key_sequence"`
	MacFrameCounter     uint32   `json:"mac_frame_counter"`
	MleFrameCounter     uint32   `json:"mle_frame_counter"`
	KeyRotationHours    uint32   `json:"key_rotation_hours"`
	SecurityPolicyFlags uint8    `json:"security_policy_flags"`
	PSKcSet             bool     `json:"pskc_set"`
	ChangedFlags        []string `json:"changed_flags,omitempty"`
}

// RedisMirror maintains the volatile security-state mirror in Redis. It is
// refreshed from change events and expires on its own if the daemon dies.
type RedisMirror struct {
	client *redis.Client
	ctx    context.Context
	ttl    time.Duration
	km     *security.KeyManager
	log    *logging.Logger
}

// NewRedisMirror connects to Redis and binds the mirror to the key manager.
func NewRedisMirror(config RedisMirrorConfig, km *security.KeyManager, log *logging.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	ctx := context.Background()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := config.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = logging.NewLogger("redis-mirror", logging.INFO, nil)
	}

	log.Info("redis mirror ready")
	return &RedisMirror{
		client: client,
		ctx:    ctx,
		ttl:    ttl,
		km:     km,
		log:    log,
	}, nil
}

// Publish refreshes the mirror entry with the current security state,
// annotated with the change flags that prompted the refresh.
func (m *RedisMirror) Publish(flags notify.Flags) error {
	state := m.km.PersistedState()

	view := SecurityState{
		KeySequence:         state.KeySequence,
		MacFrameCounter:     state.MacFrameCounter,
		MleFrameCounter:     state.MleFrameCounter,
		KeyRotationHours:    state.KeyRotationTime,
		SecurityPolicyFlags: state.SecurityPolicyFlags,
		PSKcSet:             state.PSKcSet,
		ChangedFlags:        flags.Names(),
	}

	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to marshal security state: %w", err)
	}

	return m.client.Set(m.ctx, securityStateKey, data, m.ttl).Err()
}

// Subscribe wires the mirror to the notifier so every change event refreshes
// the entry. Failures are logged; the mirror is advisory.
func (m *RedisMirror) Subscribe(notifier *notify.Notifier) {
	notifier.Subscribe(func(flags notify.Flags) {
		if err := m.Publish(flags); err != nil {
			m.log.Warn("mirror refresh failed", logging.Fields{"error": err.Error()})
		}
	})
}

// Read fetches the mirrored state, for diagnostics.
func (m *RedisMirror) Read() (*SecurityState, error) {
	data, err := m.client.Get(m.ctx, securityStateKey).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("no mirrored security state")
	}
	if err != nil {
		return nil, err
	}

	var state SecurityState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal security state: %w", err)
	}
	return &state, nil
}

// Close releases the Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
