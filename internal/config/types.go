package config

// Config is the whole postwave configuration file. Durations are Go duration
// strings ("30s", "5m"); an empty string means the component default.
type Config struct {
	Logging   LoggingConfig             `json:"logging"`
	Storage   StorageConfig             `json:"storage"`
	Queue     QueueConfig               `json:"queue"`
	Trigger   TriggerConfig             `json:"trigger"`
	Publisher PublisherConfig           `json:"publisher"`
	HTTP      HTTPConfig                `json:"http"`
	Platforms map[string]PlatformConfig `json:"platforms" validate:"dive,keys,oneof=bluesky facebook instagram telegram discord,endkeys"`
	Accounts  []AccountConfig           `json:"accounts,omitempty" validate:"dive"`
	Systemd   SystemdConfig             `json:"systemd"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Format  string      `json:"format,omitempty" validate:"omitempty,oneof=console json"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postwave.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=memory file sqlite sqlite3 postgres postgresql pgx"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres only; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty" validate:"gte=0"`
}

type QueueConfig struct {
	SweepInterval      string `json:"sweep_interval,omitempty"`
	MaxConcurrent      int    `json:"max_concurrent,omitempty" validate:"gte=0,lte=256"`
	JobTimeout         string `json:"job_timeout,omitempty"`
	RetryDelay         string `json:"retry_delay,omitempty"`
	BackoffBase        string `json:"backoff_base,omitempty"`
	BackoffMax         string `json:"backoff_max,omitempty"`
	PublishMaxAttempts int    `json:"publish_max_attempts,omitempty" validate:"gte=0"`
	RetryMaxAttempts   int    `json:"retry_max_attempts,omitempty" validate:"gte=0"`
}

// TriggerConfig controls the periodic scan for due posts.
//
// Enabled is a pointer so an omitted key means enabled.
type TriggerConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	Concurrency int    `json:"concurrency,omitempty" validate:"gte=0,lte=64"`
	RunTimeout  string `json:"run_timeout,omitempty"`
}

func (t TriggerConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

type PublisherConfig struct {
	// AutoRetry defaults to true when omitted.
	AutoRetry      *bool  `json:"auto_retry,omitempty"`
	PartialPublish bool   `json:"partial_publish,omitempty"`
	CallTimeout    string `json:"call_timeout,omitempty"`
	Concurrency    int    `json:"concurrency,omitempty" validate:"gte=0"`
}

func (p PublisherConfig) AutoRetryEnabled() bool { return p.AutoRetry == nil || *p.AutoRetry }

// HTTPConfig controls the admin API.
//
// Security note: bind to loopback or set a token. The token is never logged.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token        string `json:"token,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// EventRate caps websocket event frames per second per connection.
	EventRate float64 `json:"event_rate,omitempty" validate:"gte=0"`
}

type PlatformConfig struct {
	Enabled       bool     `json:"enabled"`
	APIBase       string   `json:"api_base,omitempty" validate:"omitempty,url"`
	RatePerSec    float64  `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst         int      `json:"burst,omitempty" validate:"gte=0"`
	Timeout       string   `json:"timeout,omitempty"`
	MaxImageBytes int64    `json:"max_image_bytes,omitempty" validate:"gte=0"`
	Truncate      bool     `json:"truncate,omitempty"`
	Hashtags      []string `json:"hashtags,omitempty"`
	Footer        string   `json:"footer,omitempty"`
}

// AccountConfig seeds an account into storage at startup. AccessToken may
// reference environment variables ("${BLUESKY_APP_PASSWORD}").
type AccountConfig struct {
	ID          string `json:"id" validate:"required"`
	Platform    string `json:"platform" validate:"required,oneof=bluesky facebook instagram telegram discord"`
	ExternalID  string `json:"external_id" validate:"required"`
	Handle      string `json:"handle,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	Disabled    bool   `json:"disabled,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog,omitempty"`
}
