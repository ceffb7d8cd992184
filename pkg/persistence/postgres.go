// Package persistence stores the node's security material durably. The
// Postgres settings store is the frame-counter persistence collaborator of
// the key manager; the Redis mirror publishes a volatile copy for other
// stack processes.
package persistence

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/threadmesh/threadmesh/pkg/logging"
	"github.com/threadmesh/threadmesh/pkg/security"
)

// DefaultCounterWindow is how far ahead of the live counters the persisted
// thresholds are written, bounding persistence writes to one per window of
// frames.
const DefaultCounterWindow = 1000

// PostgresConfig holds database configuration
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// SettingsStore persists the key manager's security material in PostgreSQL.
// Its Store method implements the key manager's frame-counter persistence
// contract: best-effort, errors are logged and swallowed, and completing a
// write raises the stored thresholds by the counter window.
type SettingsStore struct {
	db     *sql.DB
	km     *security.KeyManager
	window uint32
	log    *logging.Logger
}

// NewSettingsStore connects to PostgreSQL and initializes the settings
// schema. A zero window uses DefaultCounterWindow.
func NewSettingsStore(config PostgresConfig, window uint32, log *logging.Logger) (*SettingsStore, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host,
		config.Port,
		config.User,
		config.Password,
		config.DBName,
		config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if window == 0 {
		window = DefaultCounterWindow
	}
	if log == nil {
		log = logging.NewLogger("persistence", logging.INFO, nil)
	}

	store := &SettingsStore{db: db, window: window, log: log}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info("settings store ready")
	return store, nil
}

// initSchema creates the single-row settings table if it doesn't exist
func (s *SettingsStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS security_settings (
		id SMALLINT PRIMARY KEY CHECK (id = 1),
		master_key BYTEA NOT NULL,
		key_sequence BIGINT NOT NULL,
		mac_frame_counter BIGINT NOT NULL,
		mle_frame_counter BIGINT NOT NULL,
		pskc BYTEA NOT NULL,
		pskc_set BOOLEAN NOT NULL,
		key_rotation_hours BIGINT NOT NULL,
		security_policy_flags SMALLINT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Bind attaches the key manager this store snapshots and reports thresholds
// back to.
func (s *SettingsStore) Bind(km *security.KeyManager) {
	s.km = km
}

// Store implements security.FrameCounterStore. It writes the current
// security material, with both frame counters advanced by the counter
// window, then raises the key manager's stored thresholds. On a write
// failure the thresholds stay put, so the next counter increment retries.
func (s *SettingsStore) Store() {
	state := s.km.PersistedState()

	macThreshold := state.MacFrameCounter + s.window
	mleThreshold := state.MleFrameCounter + s.window

	if err := s.write(state, macThreshold, mleThreshold); err != nil {
		s.log.Error("settings write failed", logging.Fields{"error": err.Error()})
		return
	}

	s.km.SetStoredMacFrameCounter(macThreshold)
	s.km.SetStoredMleFrameCounter(mleThreshold)
}

func (s *SettingsStore) write(state security.PersistedState, macCounter, mleCounter uint32) error {
	query := `
		INSERT INTO security_settings (
			id, master_key, key_sequence, mac_frame_counter, mle_frame_counter,
			pskc, pskc_set, key_rotation_hours, security_policy_flags, updated_at
		)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id)
		DO UPDATE SET
			master_key = EXCLUDED.master_key,
			key_sequence = EXCLUDED.key_sequence,
			mac_frame_counter = EXCLUDED.mac_frame_counter,
			mle_frame_counter = EXCLUDED.mle_frame_counter,
			pskc = EXCLUDED.pskc,
			pskc_set = EXCLUDED.pskc_set,
			key_rotation_hours = EXCLUDED.key_rotation_hours,
			security_policy_flags = EXCLUDED.security_policy_flags,
			updated_at = NOW()
	`

	_, err := s.db.Exec(query,
		state.MasterKey[:],
		int64(state.KeySequence),
		int64(macCounter),
		int64(mleCounter),
		state.PSKc[:],
		state.PSKcSet,
		int64(state.KeyRotationTime),
		int16(state.SecurityPolicyFlags),
	)
	return err
}

// Restore loads the persisted security material into the key manager. The
// persisted counters already include the headroom window, so restored
// counters are values the node has provably never used. It returns false
// when no settings row exists yet.
func (s *SettingsStore) Restore() (bool, error) {
	query := `
		SELECT master_key, key_sequence, mac_frame_counter, mle_frame_counter,
		       pskc, pskc_set, key_rotation_hours, security_policy_flags
		FROM security_settings WHERE id = 1
	`

	var (
		masterKey   []byte
		keySequence int64
		macCounter  int64
		mleCounter  int64
		pskcBytes   []byte
		pskcSet     bool
		rotation    int64
		policy      int16
	)
	err := s.db.QueryRow(query).Scan(
		&masterKey, &keySequence, &macCounter, &mleCounter,
		&pskcBytes, &pskcSet, &rotation, &policy,
	)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read settings: %w", err)
	}
	if len(masterKey) != security.KeySize || len(pskcBytes) != security.KeySize {
		return false, fmt.Errorf("corrupt settings row: bad key length")
	}

	var master, pskc [security.KeySize]byte
	copy(master[:], masterKey)
	copy(pskc[:], pskcBytes)

	// Order matters: SetMasterKey resets the sequence and counters, so it
	// goes first and the persisted values overwrite afterwards.
	s.km.SetMasterKey(master)
	s.km.SetCurrentKeySequence(uint32(keySequence))
	s.km.SetMacFrameCounter(uint32(macCounter))
	s.km.SetMleFrameCounter(uint32(mleCounter))
	s.km.SetStoredMacFrameCounter(uint32(macCounter))
	s.km.SetStoredMleFrameCounter(uint32(mleCounter))
	if pskcSet {
		s.km.SetPSKc(pskc)
	}
	if err := s.km.SetKeyRotation(uint32(rotation)); err != nil {
		s.log.Warn("persisted rotation time invalid, keeping default", logging.Fields{"hours": rotation})
	}
	s.km.SetSecurityPolicyFlags(uint8(policy))

	s.log.Info("security settings restored", logging.Fields{
		"key_sequence":      keySequence,
		"mac_frame_counter": macCounter,
		"mle_frame_counter": mleCounter,
	})
	return true, nil
}

// Close releases the database handle.
func (s *SettingsStore) Close() error {
	return s.db.Close()
}
