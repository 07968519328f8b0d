package conf

import "time"

// Bootstrap is the root configuration of SessionGuard.
type Bootstrap struct {
	Server     *Server
	Data       *Data
	Auth       *Auth
	Resilience *Resilience
	Jobs       *Jobs
	Log        *Log
}

// Server holds the diagnostics HTTP server settings.
type Server struct {
	Http *Server_HTTP
}

// Server_HTTP mirrors the kratos transport options.
type Server_HTTP struct {
	Network string
	Addr    string
	Timeout time.Duration
}

// Data holds connection settings for external stores.
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database configures the audit trail database. An empty Source
// disables the audit table and audit events are only logged.
type Data_Database struct {
	Driver string
	Source string
}

// Data_Redis configures the persistent session store.
type Data_Redis struct {
	Network      string
	Addr         string
	Password     string
	Db           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SessionTTL   time.Duration
	// EncryptionKey seals persisted tokens (32 raw bytes or base64). Empty
	// stores tokens in plaintext.
	EncryptionKey string
}

// Auth configures the remote authentication/profile service.
type Auth struct {
	BaseURL  string
	APIKey   string
	ProxyURL string
	Timeout  time.Duration
	Jwt      *Auth_JWT
}

// Auth_JWT controls how session token claims are read. With an empty
// secret claims are read without signature verification.
type Auth_JWT struct {
	Secret string
	Issuer string
}

// Resilience groups the tunables of the resilience layer.
type Resilience struct {
	Circuit  *Circuit
	Retry    *Retry
	Cache    *Cache
	Session  *Session
	Recorder *Recorder
}

// Circuit configures the per-category circuit breaker.
type Circuit struct {
	TripThreshold int
	Cooldown      time.Duration
	Overrides     []CircuitOverride
}

// CircuitOverride replaces the defaults for one operation category.
// Zero fields keep the default.
type CircuitOverride struct {
	Category      string        `mapstructure:"category"`
	TripThreshold int           `mapstructure:"trip_threshold"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
}

// Retry configures the default retry policy.
type Retry struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// Cache configures the bounded in-memory cache.
type Cache struct {
	Capacity   int
	ProfileTTL time.Duration
	SessionTTL time.Duration
}

// Session configures the session validator.
type Session struct {
	FailureThreshold int
}

// Recorder configures the performance recorder.
type Recorder struct {
	BufferSize          int
	CriticalSuccessRate float64
	SlowThreshold       time.Duration
}

// Jobs holds cron specs (with seconds) for periodic maintenance.
type Jobs struct {
	CacheSweep     string
	HealthReport   string
	SessionRefresh string
	// RefreshWindow is how close to expiry a session is refreshed ahead of time
	RefreshWindow time.Duration
}

// Log configures the zap logger.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}
