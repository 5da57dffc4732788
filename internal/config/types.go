package config

// Config is the full castdeck configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// The file may be JSON or YAML; both are decoded strictly (unknown fields
// are rejected).
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Store     StoreConfig     `json:"store"`
	Identity  IdentityConfig  `json:"identity"`
	Farcaster FarcasterConfig `json:"farcaster"`

	// Dispatch controls the background loop that publishes due scheduled
	// casts. It may be disabled on API-only replicas.
	Dispatch DispatchConfig `json:"dispatch"`

	// Alerts is the optional operator Telegram channel for dispatch
	// failures. Disabled when omitted.
	Alerts *AlertsConfig `json:"alerts,omitempty"`
}

type HTTPConfig struct {
	Address string `json:"address"`

	// ReadTimeout/WriteTimeout bound slow clients. Defaults: 10s / 30s.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StoreConfig selects the content-store backend.
//
// Driver values:
//   - "sqlite": local SQLite database file (default)
//   - "postgres": hosted Postgres via DSN
//   - "memory": in-process, volatile; tests and local development only
type StoreConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"` // sqlite only
	DSN    string `json:"dsn,omitempty"`  // postgres only

	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// IdentityConfig configures bearer-token verification for the Mini App SDK.
type IdentityConfig struct {
	// PublicKeyPath points at a PEM public key used to verify token
	// signatures (RS256/ES256 depending on the key).
	PublicKeyPath string `json:"public_key_path"`

	// Issuer, when set, must match the token "iss" claim.
	Issuer string `json:"issuer,omitempty"`
}

// FarcasterConfig configures the cast submission client.
type FarcasterConfig struct {
	// SubmitURL is the cast-submission endpoint (e.g. a Neynar-compatible
	// POST /v2/farcaster/cast).
	SubmitURL string `json:"submit_url"`
	APIKey    string `json:"api_key"`

	// SignerUUID identifies the delegated signer used to publish.
	SignerUUID string `json:"signer_uuid,omitempty"`

	Timeout    string `json:"timeout,omitempty"`      // per publish call, default 15s
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 5
}

// DispatchConfig controls the scheduled-cast dispatch loop.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - poll_interval: "30s"
//   - workers: 1
//   - retry_max: 3
//   - retry_base: "30s"
//   - retry_max_delay: "10m"
//   - claim_timeout: "2m"
//
// Enabled is a pointer so we can distinguish "omitted" (default true) from
// an explicit false.
type DispatchConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	Workers      int    `json:"workers,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// ClaimTimeout bounds how long a claim may sit in flight before a later
	// cycle reclaims it (crash recovery).
	ClaimTimeout string `json:"claim_timeout,omitempty"`
}

type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	BotToken   string `json:"bot_token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`

	// DedupWindow suppresses repeats of the same alert key.
	DedupWindow string `json:"dedup_window,omitempty"`
}
