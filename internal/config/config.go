package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/execution-hub/duel-escrow/internal/domain/admin"
	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

// Config holds indexer configuration.
type Config struct {
	DatabaseURL   string
	NodeURL       string
	MigrationsDir string
	HTTPAddr      string
	APIToken      string
	PollInterval  time.Duration
	BatchSize     int
	LogLevel      zerolog.Level
}

// NodeConfig holds replicated node configuration.
type NodeConfig struct {
	NodeID            string
	RaftAddr          string
	HTTPAddr          string
	DataDir           string
	Bootstrap         bool
	SnapshotThreshold uint64
	ApplyTimeout      time.Duration
	MaxClockSkew      time.Duration
	JoinEndpoint      string
	JoinRetries       int
	JoinRetryDelay    time.Duration
	StartupWaitLeader time.Duration
	Genesis           admin.Config
	LogLevel          zerolog.Level
}

// LoadDotEnv reads an optional .env file. A missing file is not an error.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Load reads indexer configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "duel_escrow")
		pass := getenv("POSTGRES_PASSWORD", "duel_escrow_pass")
		db := getenv("POSTGRES_DB", "duel_escrow")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}
	batch := parseInt(getenv("INDEXER_BATCH_SIZE", "200"), 200)
	if batch <= 0 || batch > 1000 {
		return nil, fmt.Errorf("INDEXER_BATCH_SIZE must be in 1..1000, got %d", batch)
	}
	return &Config{
		DatabaseURL:   dsn,
		NodeURL:       strings.TrimRight(getenv("P2P_NODE_URL", "http://127.0.0.1:18080"), "/"),
		MigrationsDir: getenv("INDEXER_MIGRATIONS_DIR", "internal/migrations"),
		HTTPAddr:      getenv("INDEXER_HTTP_ADDR", "0.0.0.0:8080"),
		APIToken:      getenv("INDEXER_API_TOKEN", ""),
		PollInterval:  parseDuration(getenv("INDEXER_POLL_INTERVAL", "2s"), 2*time.Second),
		BatchSize:     batch,
		LogLevel:      parseLevel(getenv("LOG_LEVEL", "info")),
	}, nil
}

// LoadNode reads node configuration from environment. Every node of a
// cluster must load the same genesis since the Raft log replays on top of it.
func LoadNode() (*NodeConfig, error) {
	hostname, _ := os.Hostname()
	nodeID := getenv("P2P_NODE_ID", strings.TrimSpace(hostname))
	if nodeID == "" {
		nodeID = "node-1"
	}

	dataDir := getenv("P2P_DATA_DIR", "")
	if dataDir == "" {
		dataDir = filepath.Join("tmp", "p2pnode", nodeID)
	}

	genesis, err := loadGenesis()
	if err != nil {
		return nil, err
	}

	return &NodeConfig{
		NodeID:            nodeID,
		RaftAddr:          getenv("P2P_RAFT_ADDR", "127.0.0.1:17000"),
		HTTPAddr:          getenv("P2P_HTTP_ADDR", "0.0.0.0:18080"),
		DataDir:           dataDir,
		Bootstrap:         parseBool(getenv("P2P_BOOTSTRAP", "false"), false),
		SnapshotThreshold: uint64(parseInt(getenv("P2P_SNAPSHOT_THRESHOLD", "1024"), 1024)),
		ApplyTimeout:      parseDuration(getenv("P2P_APPLY_TIMEOUT", "5s"), 5*time.Second),
		MaxClockSkew:      parseDuration(getenv("P2P_MAX_CLOCK_SKEW", "30s"), 30*time.Second),
		JoinEndpoint:      getenv("P2P_JOIN_ENDPOINT", ""),
		JoinRetries:       parseInt(getenv("P2P_JOIN_RETRIES", "30"), 30),
		JoinRetryDelay:    parseDuration(getenv("P2P_JOIN_RETRY_DELAY", "1s"), time.Second),
		StartupWaitLeader: parseDuration(getenv("P2P_STARTUP_WAIT_LEADER", "4s"), 4*time.Second),
		Genesis:           genesis,
		LogLevel:          parseLevel(getenv("LOG_LEVEL", "info")),
	}, nil
}

func loadGenesis() (admin.Config, error) {
	cfg := admin.Config{
		Owner:         match.NormalizeAddress(getenv("GENESIS_OWNER", "")),
		FeeRecipient:  match.NormalizeAddress(getenv("GENESIS_FEE_RECIPIENT", "")),
		DefaultFeeBps: uint32(parseInt(getenv("GENESIS_DEFAULT_FEE_BPS", "0"), 0)),
		MaxFeeBps:     uint32(parseInt(getenv("GENESIS_MAX_FEE_BPS", "1000"), 1000)),
		Referees:      map[match.Address]bool{},
	}
	for _, raw := range strings.Split(getenv("GENESIS_REFEREES", ""), ",") {
		if addr := match.NormalizeAddress(raw); !addr.IsZero() {
			cfg.Referees[addr] = true
		}
	}
	if cfg.Owner.IsZero() {
		return cfg, errors.New("GENESIS_OWNER is required")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("genesis admin config: %w", err)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	v, err := strconv.Atoi(val)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func parseLevel(val string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(val))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
