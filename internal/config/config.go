package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Stage names the deployment stage the broker runs in.
type Stage string

const (
	StageDev     Stage = "dev"
	StageStaging Stage = "staging"
	StageProd    Stage = "prod"
)

const (
	// DefaultAddr is the default TCP address the broker listens on.
	DefaultAddr = ":43127"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultWriteTimeout bounds a single frame write to a peer.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultSendBuffer is the number of outbound frames queued per connection.
	DefaultSendBuffer = 256
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 1024

	// DefaultSessionTTL is how long a session survives without inbound traffic.
	DefaultSessionTTL = 24 * time.Hour
	// DefaultSweepInterval controls how often expired sessions are evicted.
	DefaultSweepInterval = time.Minute

	// DefaultAdminDumpWindow bounds how frequently journal dumps may be requested.
	DefaultAdminDumpWindow = time.Minute
	// DefaultAdminDumpBurst sets how many journal dumps may be made per window.
	DefaultAdminDumpBurst = 1

	DefaultStoreBackend  = "memory"
	DefaultSessionTable  = "showsync:sessions"
	DefaultStateTable    = "showsync:state"
	DefaultOpsTable      = "showsync:ops"
	DefaultOpsWindow     = 256
	DefaultStoreRetries  = 3
	DefaultStoreBackoff  = 50 * time.Millisecond
	DefaultRedisAddr     = "localhost:6379"
	DefaultRedisPoolSize = 100

	DefaultBusBackend   = "local"
	DefaultKafkaTopic   = "showsync.deliveries"
	DefaultRedisChannel = "showsync:deliveries"

	DefaultRevocationKey = "showsync:jwt:revoked"
	DefaultAuthLeeway    = 2 * time.Second

	DefaultJournalMaxFiles         = 50
	DefaultJournalMaxAge           = 7 * 24 * time.Hour
	DefaultJournalSnapshotInterval = 30 * time.Second

	// DefaultLogLevel controls verbosity for broker logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "showsync.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the sync broker.
type Config struct {
	Stage           Stage
	ServerID        string
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	SendBuffer      int
	MaxClients      int
	TLSCertPath     string
	TLSKeyPath      string
	AdminToken      string
	AdminDumpWindow time.Duration
	AdminDumpBurst  int
	MetricsEnabled  bool

	Session  SessionConfig
	Room     RoomConfig
	Throttle ThrottleConfig
	Store    StoreConfig
	Redis    RedisConfig
	Bus      BusConfig
	Auth     AuthConfig
	GRPC     GRPCConfig
	Journal  JournalConfig
	Logging  LoggingConfig
}

// SessionConfig controls session expiry and the cleanup sweep.
type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// RoomConfig bounds room membership. Zero disables the limit.
type RoomConfig struct {
	MaxSessions int
}

// ThrottleConfig holds the per-connection and stage-wide token bucket settings.
type ThrottleConfig struct {
	Rate       float64
	Burst      int
	StageRate  float64
	StageBurst int
}

// StoreConfig selects the backing store and its table identifiers.
type StoreConfig struct {
	Backend      string
	SessionTable string
	StateTable   string
	OpsTable     string
	OpsWindow    int
	MaxRetries   int
	RetryBackoff time.Duration
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// BusConfig selects the cross-instance delivery bus.
type BusConfig struct {
	Backend      string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	RedisChannel string
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret      string
	AllowAnonymous bool
	RevocationKey  string
	Leeway         time.Duration
}

// GRPCConfig configures the admin gRPC listener. An empty address disables it.
type GRPCConfig struct {
	Address      string
	SharedSecret string
}

// JournalConfig configures the state journal. An empty directory disables it.
type JournalConfig struct {
	Dir              string
	MaxFiles         int
	MaxAge           time.Duration
	SnapshotInterval time.Duration
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// stageThrottle holds the throttle defaults applied per deployment stage.
var stageThrottle = map[Stage]ThrottleConfig{
	StageDev:     {Rate: 50, Burst: 100, StageRate: 2000, StageBurst: 4000},
	StageStaging: {Rate: 20, Burst: 40, StageRate: 1000, StageBurst: 2000},
	StageProd:    {Rate: 10, Burst: 20, StageRate: 500, StageBurst: 1000},
}

// envBindings maps viper keys onto their environment variable names.
var envBindings = map[string]string{
	"stage":                    "SHOWSYNC_STAGE",
	"addr":                     "SHOWSYNC_ADDR",
	"serverId":                 "SHOWSYNC_SERVER_ID",
	"allowedOrigins":           "SHOWSYNC_ALLOWED_ORIGINS",
	"maxPayloadBytes":          "SHOWSYNC_MAX_PAYLOAD_BYTES",
	"pingInterval":             "SHOWSYNC_PING_INTERVAL",
	"writeTimeout":             "SHOWSYNC_WRITE_TIMEOUT",
	"sendBuffer":               "SHOWSYNC_SEND_BUFFER",
	"maxClients":               "SHOWSYNC_MAX_CLIENTS",
	"tls.cert":                 "SHOWSYNC_TLS_CERT",
	"tls.key":                  "SHOWSYNC_TLS_KEY",
	"adminToken":               "SHOWSYNC_ADMIN_TOKEN",
	"admin.dumpWindow":         "SHOWSYNC_ADMIN_DUMP_WINDOW",
	"admin.dumpBurst":          "SHOWSYNC_ADMIN_DUMP_BURST",
	"metrics.enabled":          "SHOWSYNC_METRICS_ENABLED",
	"session.ttl":              "SHOWSYNC_SESSION_TTL",
	"session.sweepInterval":    "SHOWSYNC_SWEEP_INTERVAL",
	"room.maxSessions":         "SHOWSYNC_ROOM_MAX_SESSIONS",
	"throttle.rate":            "SHOWSYNC_THROTTLE_RATE",
	"throttle.burst":           "SHOWSYNC_THROTTLE_BURST",
	"throttle.stageRate":       "SHOWSYNC_STAGE_RATE",
	"throttle.stageBurst":      "SHOWSYNC_STAGE_BURST",
	"store.backend":            "SHOWSYNC_STORE_BACKEND",
	"store.sessionTable":       "SHOWSYNC_SESSION_TABLE",
	"store.stateTable":         "SHOWSYNC_STATE_TABLE",
	"store.opsTable":           "SHOWSYNC_OPS_TABLE",
	"store.opsWindow":          "SHOWSYNC_OPS_WINDOW",
	"store.maxRetries":         "SHOWSYNC_STORE_MAX_RETRIES",
	"store.retryBackoff":       "SHOWSYNC_STORE_RETRY_BACKOFF",
	"redis.addr":               "SHOWSYNC_REDIS_ADDR",
	"redis.password":           "SHOWSYNC_REDIS_PASSWORD",
	"redis.db":                 "SHOWSYNC_REDIS_DB",
	"redis.poolSize":           "SHOWSYNC_REDIS_POOL_SIZE",
	"bus.backend":              "SHOWSYNC_BUS_BACKEND",
	"bus.kafkaBrokers":         "SHOWSYNC_KAFKA_BROKERS",
	"bus.kafkaTopic":           "SHOWSYNC_KAFKA_TOPIC",
	"bus.kafkaGroup":           "SHOWSYNC_KAFKA_GROUP",
	"bus.redisChannel":         "SHOWSYNC_REDIS_CHANNEL",
	"auth.jwtSecret":           "SHOWSYNC_JWT_SECRET",
	"auth.allowAnonymous":      "SHOWSYNC_AUTH_ALLOW_ANONYMOUS",
	"auth.revocationKey":       "SHOWSYNC_AUTH_REVOCATION_KEY",
	"auth.leeway":              "SHOWSYNC_AUTH_LEEWAY",
	"grpc.addr":                "SHOWSYNC_GRPC_ADDR",
	"grpc.sharedSecret":        "SHOWSYNC_GRPC_SHARED_SECRET",
	"journal.dir":              "SHOWSYNC_JOURNAL_DIR",
	"journal.maxFiles":         "SHOWSYNC_JOURNAL_MAX_FILES",
	"journal.maxAge":           "SHOWSYNC_JOURNAL_MAX_AGE",
	"journal.snapshotInterval": "SHOWSYNC_JOURNAL_SNAPSHOT_INTERVAL",
	"logging.level":            "SHOWSYNC_LOG_LEVEL",
	"logging.path":             "SHOWSYNC_LOG_PATH",
	"logging.maxSizeMB":        "SHOWSYNC_LOG_MAX_SIZE_MB",
	"logging.maxBackups":       "SHOWSYNC_LOG_MAX_BACKUPS",
	"logging.maxAgeDays":       "SHOWSYNC_LOG_MAX_AGE_DAYS",
	"logging.compress":         "SHOWSYNC_LOG_COMPRESS",
}

// Load reads the broker configuration from environment variables and an optional
// showsync.<stage>.yaml file, applying stage defaults and returning every invalid
// override in a single descriptive error.
func Load() (*Config, error) {
	v := viper.New()
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	var problems []string

	stage := Stage(strings.ToLower(strings.TrimSpace(v.GetString("stage"))))
	if stage == "" {
		stage = StageDev
	}
	throttle, ok := stageThrottle[stage]
	if !ok {
		problems = append(problems, fmt.Sprintf("SHOWSYNC_STAGE must be one of dev, staging, prod, got %q", stage))
		throttle = stageThrottle[StageDev]
	}
	setDefaults(v, throttle)

	//1.- Layer the optional per-stage file underneath the environment.
	v.SetConfigName(fmt.Sprintf("showsync.%s", stage))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			problems = append(problems, fmt.Sprintf("config file: %v", err))
		}
	}

	cfg := &Config{
		Stage:          stage,
		ServerID:       strings.TrimSpace(v.GetString("serverId")),
		Address:        strings.TrimSpace(v.GetString("addr")),
		AllowedOrigins: parseList(v.GetString("allowedOrigins")),
		TLSCertPath:    strings.TrimSpace(v.GetString("tls.cert")),
		TLSKeyPath:     strings.TrimSpace(v.GetString("tls.key")),
		AdminToken:     strings.TrimSpace(v.GetString("adminToken")),
		Store: StoreConfig{
			Backend:      strings.ToLower(strings.TrimSpace(v.GetString("store.backend"))),
			SessionTable: strings.TrimSpace(v.GetString("store.sessionTable")),
			StateTable:   strings.TrimSpace(v.GetString("store.stateTable")),
			OpsTable:     strings.TrimSpace(v.GetString("store.opsTable")),
		},
		Redis: RedisConfig{
			Address:  strings.TrimSpace(v.GetString("redis.addr")),
			Password: v.GetString("redis.password"),
		},
		Bus: BusConfig{
			Backend:      strings.ToLower(strings.TrimSpace(v.GetString("bus.backend"))),
			KafkaBrokers: parseList(v.GetString("bus.kafkaBrokers")),
			KafkaTopic:   strings.TrimSpace(v.GetString("bus.kafkaTopic")),
			KafkaGroup:   strings.TrimSpace(v.GetString("bus.kafkaGroup")),
			RedisChannel: strings.TrimSpace(v.GetString("bus.redisChannel")),
		},
		Auth: AuthConfig{
			JWTSecret:     strings.TrimSpace(v.GetString("auth.jwtSecret")),
			RevocationKey: strings.TrimSpace(v.GetString("auth.revocationKey")),
		},
		GRPC: GRPCConfig{
			Address:      strings.TrimSpace(v.GetString("grpc.addr")),
			SharedSecret: strings.TrimSpace(v.GetString("grpc.sharedSecret")),
		},
		Journal: JournalConfig{
			Dir: strings.TrimSpace(v.GetString("journal.dir")),
		},
		Logging: LoggingConfig{
			Level: strings.TrimSpace(v.GetString("logging.level")),
			Path:  strings.TrimSpace(v.GetString("logging.path")),
		},
	}

	p := &parser{v: v}
	cfg.MaxPayloadBytes = int64(p.positiveInt("maxPayloadBytes"))
	cfg.PingInterval = p.positiveDuration("pingInterval")
	cfg.WriteTimeout = p.positiveDuration("writeTimeout")
	cfg.SendBuffer = p.positiveInt("sendBuffer")
	cfg.MaxClients = p.nonNegativeInt("maxClients")
	cfg.AdminDumpWindow = p.positiveDuration("admin.dumpWindow")
	cfg.AdminDumpBurst = p.positiveInt("admin.dumpBurst")
	cfg.MetricsEnabled = p.boolean("metrics.enabled")
	cfg.Session.TTL = p.positiveDuration("session.ttl")
	cfg.Session.SweepInterval = p.positiveDuration("session.sweepInterval")
	cfg.Room.MaxSessions = p.nonNegativeInt("room.maxSessions")
	cfg.Throttle.Rate = p.positiveFloat("throttle.rate")
	cfg.Throttle.Burst = p.positiveInt("throttle.burst")
	cfg.Throttle.StageRate = p.positiveFloat("throttle.stageRate")
	cfg.Throttle.StageBurst = p.positiveInt("throttle.stageBurst")
	cfg.Store.OpsWindow = p.positiveInt("store.opsWindow")
	cfg.Store.MaxRetries = p.nonNegativeInt("store.maxRetries")
	cfg.Store.RetryBackoff = p.positiveDuration("store.retryBackoff")
	cfg.Redis.DB = p.nonNegativeInt("redis.db")
	cfg.Redis.PoolSize = p.positiveInt("redis.poolSize")
	cfg.Auth.AllowAnonymous = p.boolean("auth.allowAnonymous")
	cfg.Auth.Leeway = p.nonNegativeDuration("auth.leeway")
	cfg.Journal.MaxFiles = p.nonNegativeInt("journal.maxFiles")
	cfg.Journal.MaxAge = p.nonNegativeDuration("journal.maxAge")
	cfg.Journal.SnapshotInterval = p.positiveDuration("journal.snapshotInterval")
	cfg.Logging.MaxSizeMB = p.positiveInt("logging.maxSizeMB")
	cfg.Logging.MaxBackups = p.nonNegativeInt("logging.maxBackups")
	cfg.Logging.MaxAgeDays = p.nonNegativeInt("logging.maxAgeDays")
	cfg.Logging.Compress = p.boolean("logging.compress")
	problems = append(problems, p.problems...)
	problems = append(problems, cfg.validate()...)
	if cfg.ServerID == "" {
		cfg.ServerID = DefaultServerID()
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, throttle ThrottleConfig) {
	v.SetDefault("addr", DefaultAddr)
	v.SetDefault("maxPayloadBytes", DefaultMaxPayloadBytes)
	v.SetDefault("pingInterval", DefaultPingInterval.String())
	v.SetDefault("writeTimeout", DefaultWriteTimeout.String())
	v.SetDefault("sendBuffer", DefaultSendBuffer)
	v.SetDefault("maxClients", DefaultMaxClients)
	v.SetDefault("admin.dumpWindow", DefaultAdminDumpWindow.String())
	v.SetDefault("admin.dumpBurst", DefaultAdminDumpBurst)
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("session.ttl", DefaultSessionTTL.String())
	v.SetDefault("session.sweepInterval", DefaultSweepInterval.String())
	v.SetDefault("room.maxSessions", 0)

	v.SetDefault("throttle.rate", throttle.Rate)
	v.SetDefault("throttle.burst", throttle.Burst)
	v.SetDefault("throttle.stageRate", throttle.StageRate)
	v.SetDefault("throttle.stageBurst", throttle.StageBurst)

	v.SetDefault("store.backend", DefaultStoreBackend)
	v.SetDefault("store.sessionTable", DefaultSessionTable)
	v.SetDefault("store.stateTable", DefaultStateTable)
	v.SetDefault("store.opsTable", DefaultOpsTable)
	v.SetDefault("store.opsWindow", DefaultOpsWindow)
	v.SetDefault("store.maxRetries", DefaultStoreRetries)
	v.SetDefault("store.retryBackoff", DefaultStoreBackoff.String())

	v.SetDefault("redis.addr", DefaultRedisAddr)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", DefaultRedisPoolSize)

	v.SetDefault("bus.backend", DefaultBusBackend)
	v.SetDefault("bus.kafkaTopic", DefaultKafkaTopic)
	v.SetDefault("bus.redisChannel", DefaultRedisChannel)

	v.SetDefault("auth.allowAnonymous", false)
	v.SetDefault("auth.revocationKey", DefaultRevocationKey)
	v.SetDefault("auth.leeway", DefaultAuthLeeway.String())

	v.SetDefault("journal.maxFiles", DefaultJournalMaxFiles)
	v.SetDefault("journal.maxAge", DefaultJournalMaxAge.String())
	v.SetDefault("journal.snapshotInterval", DefaultJournalSnapshotInterval.String())

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.path", DefaultLogPath)
	v.SetDefault("logging.maxSizeMB", DefaultLogMaxSizeMB)
	v.SetDefault("logging.maxBackups", DefaultLogMaxBackups)
	v.SetDefault("logging.maxAgeDays", DefaultLogMaxAgeDays)
	v.SetDefault("logging.compress", DefaultLogCompress)
}

func (c *Config) validate() []string {
	var problems []string
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			problems = append(problems, "SHOWSYNC_REDIS_ADDR must be set for the redis store")
		}
	default:
		problems = append(problems, fmt.Sprintf("SHOWSYNC_STORE_BACKEND must be memory or redis, got %q", c.Store.Backend))
	}
	switch c.Bus.Backend {
	case "local":
	case "redis":
		if c.Store.Backend != "redis" {
			problems = append(problems, "the redis bus requires SHOWSYNC_STORE_BACKEND=redis")
		}
		if c.Bus.RedisChannel == "" {
			problems = append(problems, "SHOWSYNC_REDIS_CHANNEL must not be empty for the redis bus")
		}
	case "kafka":
		if len(c.Bus.KafkaBrokers) == 0 {
			problems = append(problems, "SHOWSYNC_KAFKA_BROKERS must be set for the kafka bus")
		}
		if c.Bus.KafkaTopic == "" {
			problems = append(problems, "SHOWSYNC_KAFKA_TOPIC must not be empty for the kafka bus")
		}
	default:
		problems = append(problems, fmt.Sprintf("SHOWSYNC_BUS_BACKEND must be local, redis or kafka, got %q", c.Bus.Backend))
	}
	if c.Stage == StageProd {
		if c.Auth.JWTSecret == "" {
			problems = append(problems, "SHOWSYNC_JWT_SECRET is required in prod")
		}
		if c.Auth.AllowAnonymous {
			problems = append(problems, "SHOWSYNC_AUTH_ALLOW_ANONYMOUS cannot be enabled in prod")
		}
	}
	if c.Session.TTL > 0 && c.Session.SweepInterval > 0 && c.Session.SweepInterval >= c.Session.TTL {
		problems = append(problems, "SHOWSYNC_SWEEP_INTERVAL must be shorter than SHOWSYNC_SESSION_TTL")
	}
	if c.GRPC.Address != "" && c.GRPC.SharedSecret == "" {
		problems = append(problems, "SHOWSYNC_GRPC_SHARED_SECRET is required when SHOWSYNC_GRPC_ADDR is set")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		problems = append(problems, "SHOWSYNC_TLS_CERT and SHOWSYNC_TLS_KEY must be provided together")
	}
	return problems
}

// DefaultServerID names this instance when SHOWSYNC_SERVER_ID is unset. The
// process id keeps two brokers on one host apart.
func DefaultServerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "showsync"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// TLSEnabled reports whether the HTTP listener serves TLS.
func (c *Config) TLSEnabled() bool {
	return c != nil && c.TLSCertPath != "" && c.TLSKeyPath != ""
}

// parser reads typed values from viper, recording a problem per invalid key.
type parser struct {
	v        *viper.Viper
	problems []string
}

func (p *parser) raw(key string) string {
	return strings.TrimSpace(p.v.GetString(key))
}

func (p *parser) fail(key, want, raw string) {
	p.problems = append(p.problems, fmt.Sprintf("%s must be %s, got %q", envBindings[key], want, raw))
}

func (p *parser) positiveInt(key string) int {
	raw := p.raw(key)
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		p.fail(key, "a positive integer", raw)
		return 0
	}
	return value
}

func (p *parser) nonNegativeInt(key string) int {
	raw := p.raw(key)
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		p.fail(key, "a non-negative integer", raw)
		return 0
	}
	return value
}

func (p *parser) positiveFloat(key string) float64 {
	raw := p.raw(key)
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value <= 0 {
		p.fail(key, "a positive number", raw)
		return 0
	}
	return value
}

func (p *parser) positiveDuration(key string) time.Duration {
	raw := p.raw(key)
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		p.fail(key, "a positive duration", raw)
		return 0
	}
	return value
}

func (p *parser) nonNegativeDuration(key string) time.Duration {
	raw := p.raw(key)
	value, err := time.ParseDuration(raw)
	if err != nil || value < 0 {
		p.fail(key, "a non-negative duration", raw)
		return 0
	}
	return value
}

func (p *parser) boolean(key string) bool {
	raw := p.raw(key)
	value, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, "a boolean value", raw)
		return false
	}
	return value
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}
