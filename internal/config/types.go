package config

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos are caught at load/reload time.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Scanner ScannerConfig `json:"scanner"`
	Push    PushConfig    `json:"push"`
	API     APIConfig     `json:"api"`
	Debug   DebugConfig   `json:"debug,omitempty"`
}

// DebugConfig controls the optional pprof endpoint.
type DebugConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token   string `json:"token,omitempty"`
	// AllowInsecure permits a tokenless non-loopback bind.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the SQLite database.
type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ScannerConfig controls the deadline scan job.
//
// Defaults (when fields are omitted/zero):
//   - spec: "0 * * * *" (hourly)
//   - window: "24h"
//   - tick_timeout: "10m"
type ScannerConfig struct {
	Enabled bool `json:"enabled"`

	// Spec is a cron expression for the scan cadence.
	Spec string `json:"spec,omitempty"`

	// Window is how far ahead of now a due date counts as "due soon".
	Window string `json:"window,omitempty"`

	// TickTimeout bounds a single scan run.
	TickTimeout string `json:"tick_timeout,omitempty"`

	// Trigger timezone (IANA TZ, e.g. "Asia/Jakarta").
	Timezone string `json:"timezone,omitempty"`
}

// PushConfig controls the out-of-band push delivery pipeline.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - rate_per_sec: 10
//   - send_timeout: "10s"
//   - ttl: 3600 (seconds, forwarded to the push service)
type PushConfig struct {
	Enabled    bool `json:"enabled"`
	Workers    int  `json:"workers,omitempty"`
	QueueSize  int  `json:"queue_size,omitempty"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`

	// SendTimeout bounds one delivery attempt to one endpoint.
	SendTimeout string `json:"send_timeout,omitempty"`

	TTL int `json:"ttl,omitempty"`

	// VAPID identification. Subscriber is a mailto: or https: contact.
	Subscriber      string `json:"subscriber,omitempty"`
	VAPIDPublicKey  string `json:"vapid_public_key,omitempty"`
	VAPIDPrivateKey string `json:"vapid_private_key,omitempty"`
}

// APIConfig controls the HTTP surface polled by the UI.
type APIConfig struct {
	Addr string `json:"addr,omitempty"` // default: ":8080"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
