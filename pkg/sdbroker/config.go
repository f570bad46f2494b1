// Package sdbroker wires the daemon together: configuration, logging, the
// IpcServer/SdServer pair, and the debug HTTP surface (metrics, pprof, the
// /debug/sd introspection endpoint).
package sdbroker

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls every tunable of the broker daemon. The env struct tag
// names the environment variable and its default (after "="), or "?=" if an
// explicitly empty value should still be honored instead of falling back to
// the default.
type Config struct {
	// The filesystem path of the unixpacket socket to listen on.
	Addr string `env:"IPCSD_ADDR=/run/ipcsd.sock"`

	// The address for the insecure debug HTTP server (pprof, metrics,
	// /debug/sd). Empty disables it.
	DebugAddr string `env:"IPCSD_DEBUG_ADDR"`

	// The maximum encoded size of any single wire message.
	MaxMessageSize int `env:"IPCSD_MAX_MESSAGE_SIZE=64"`

	// How long a client waits between failed connection attempts, or after
	// losing an established connection, before retrying. The value is parsed
	// and kept here; NewServer does not pass it to any component.
	RetryInterval time.Duration `env:"IPCSD_RETRY_INTERVAL=2s"`

	// How long SendSync blocks before reporting transport back-pressure. The
	// value is parsed and kept here; NewServer does not pass it on, and the
	// daemon's ipc.Server uses ipc.DefaultSendTimeout.
	SendTimeout time.Duration `env:"IPCSD_SEND_TIMEOUT=250ms"`

	// The minimum log level (trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"IPCSD_LOG_LEVEL=debug"`

	// Whether to log to stdout.
	LogStdout bool `env:"IPCSD_LOG_STDOUT=true"`

	// Whether to use pretty (console) formatting for stdout logs.
	LogStdoutPretty bool `env:"IPCSD_LOG_STDOUT_PRETTY=true"`

	// The minimum log level for stdout.
	LogStdoutLevel zerolog.Level `env:"IPCSD_LOG_STDOUT_LEVEL=trace"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"IPCSD_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"IPCSD_LOG_FILE_LEVEL=info"`
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" strings into c, applying
// defaults for anything missing.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "IPCSD_") {
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
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
