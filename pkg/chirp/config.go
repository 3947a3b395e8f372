package chirp

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
)

// Config contains the configuration for a Chirp node. The env struct tag
// contains the environment variable name and the default value if missing,
// or empty (if not ?=), following the same convention as Atlas's config.
type Config struct {
	// The local TCP port to listen on. If 0, a random port is chosen.
	ListenPort uint16 `env:"CHIRP_LISTEN_PORT=0"`

	// The maximum number of simultaneous connections the listener accepts
	// (golang.org/x/net/netutil.LimitListener), beyond which new connections
	// block at the accept queue. 0 means unlimited.
	MaxConns int `env:"CHIRP_MAX_CONNS=0"`

	// The limit (golang.org/x/net/netutil.LimitListener) on accepted
	// connections open at once per listener, counted from accept until the
	// connection is closed; must be < 128.
	Backlog int `env:"CHIRP_BACKLOG=100"`

	// The number of pre-allocated receive slots per connection (1..32,
	// spec.md §9's resolved MAX_SLOTS question). Must be 1 if Synchronous.
	SlotCount int `env:"CHIRP_SLOT_COUNT=1"`

	// The maximum combined header+data size of a single message, in bytes.
	MaxMsgSize int `env:"CHIRP_MAX_MSG_SIZE=1048576"`

	// If true, at most one REQ_ACK message may be outstanding per remote at
	// a time; the writer blocks further data sends until the ACK arrives.
	Synchronous bool `env:"CHIRP_SYNCHRONOUS=true"`

	// How long to wait for a write or ACK before tearing down a connection.
	Timeout time.Duration `env:"CHIRP_TIMEOUT=10s"`

	// How long a remote must be idle before the GC sweep drops it. The sweep
	// only drops remotes that have no connection and no queued or unacked
	// messages; it does not close idle connections.
	ReuseTime time.Duration `env:"CHIRP_REUSE_TIME=60s"`

	// How often the GC sweep runs.
	GCInterval time.Duration `env:"CHIRP_GC_INTERVAL=15s"`

	// Minimum/maximum jitter applied to reconnect-after-failure debouncing.
	ReconnectMinDelay time.Duration `env:"CHIRP_RECONNECT_MIN_DELAY=50ms"`
	ReconnectMaxDelay time.Duration `env:"CHIRP_RECONNECT_MAX_DELAY=550ms"`

	// Paths to a TLS certificate/key pair. If both are set, the node accepts
	// and initiates TLS connections; otherwise it runs in plaintext.
	TLSCert string `env:"CHIRP_TLS_CERT"`
	TLSKey  string `env:"CHIRP_TLS_KEY"`

	// A CA bundle used to verify peers for mutual TLS. No effect if TLSCert
	// is unset.
	TLSClientCA string `env:"CHIRP_TLS_CLIENT_CA"`

	// The hex-encoded 16-byte node identity. If unset, a random one is
	// generated at startup and is not stable across restarts.
	Identity string `env:"CHIRP_IDENTITY"`

	// An arbitrary semver-ish version string this build reports; validated
	// with golang.org/x/mod/semver if non-empty but not required to have a
	// leading "v" (one is prepended before validation).
	AppVersion string `env:"CHIRP_APP_VERSION"`

	// The minimum log level.
	LogLevel zerolog.Level `env:"CHIRP_LOG_LEVEL=info"`

	// Whether to log to stdout, and whether to pretty-print it there.
	LogStdout       bool `env:"CHIRP_LOG_STDOUT=true"`
	LogStdoutPretty bool `env:"CHIRP_LOG_STDOUT_PRETTY=true"`

	// The log file to write to, if any.
	LogFile      string        `env:"CHIRP_LOG_FILE"`
	LogFileLevel zerolog.Level `env:"CHIRP_LOG_FILE_LEVEL=info"`

	// The sqlite database path used by the remote directory (pkg/chirpdb).
	// If empty, the directory feature is disabled.
	DBPath string `env:"CHIRP_DB_PATH"`

	// The path to an IP2Location-format (ip2x) IP geolocation database used to tag
	// accepted connections by region (pkg/geotag). If empty, tagging is
	// disabled.
	GeoDBPath string `env:"CHIRP_GEO_DB_PATH"`

	// The local addresses to bind the v4 and v6 listeners to. Empty means
	// any (0.0.0.0 / ::).
	BindV4 string `env:"CHIRP_BIND_V4"`
	BindV6 string `env:"CHIRP_BIND_V6"`
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" environment variable
// strings into c, setting default values as appropriate. If incremental is
// true, default values are not applied for vars absent from es, only for
// vars present but empty.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "CHIRP_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case uint16:
			if val == "" {
				cvf.SetUint(0)
			} else if v, err := strconv.ParseUint(val, 10, 16); err == nil {
				cvf.SetUint(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("env %s: unsupported field type %s", key, ctf.Type)
		}
	}
	return nil
}

// Validate enforces the ranges spec.md §6 requires of a runnable config.
func (c *Config) Validate() error {
	if c.SlotCount < 1 || c.SlotCount > 32 {
		return fmt.Errorf("slot count %d out of range [1, 32]: %w", c.SlotCount, StatusValueError)
	}
	if c.Synchronous && c.SlotCount != 1 {
		return fmt.Errorf("slot count must be 1 when synchronous: %w", StatusValueError)
	}
	if c.Backlog < 1 || c.Backlog >= 128 {
		return fmt.Errorf("backlog %d out of range [1, 128): %w", c.Backlog, StatusValueError)
	}
	if c.MaxMsgSize < WireHeaderSize {
		return fmt.Errorf("max message size %d too small: %w", c.MaxMsgSize, StatusValueError)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive: %w", StatusValueError)
	}
	if c.ReuseTime <= 0 {
		return fmt.Errorf("reuse time must be positive: %w", StatusValueError)
	}
	if c.ReconnectMinDelay < 0 || c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return fmt.Errorf("reconnect delay range invalid: %w", StatusValueError)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls cert and key must be set together: %w", StatusValueError)
	}
	if c.AppVersion != "" {
		v := c.AppVersion
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		if !semver.IsValid(v) {
			return fmt.Errorf("app version %q is not a valid semantic version: %w", c.AppVersion, StatusValueError)
		}
	}
	return nil
}
