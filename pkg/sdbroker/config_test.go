package sdbroker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfigDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.Addr != "/run/ipcsd.sock" {
		t.Fatalf("Addr default = %q", c.Addr)
	}
	if c.MaxMessageSize != 64 {
		t.Fatalf("MaxMessageSize default = %d", c.MaxMessageSize)
	}
	if c.RetryInterval != 2*time.Second {
		t.Fatalf("RetryInterval default = %v", c.RetryInterval)
	}
	if c.LogLevel != zerolog.DebugLevel {
		t.Fatalf("LogLevel default = %v", c.LogLevel)
	}
	if !c.LogStdout || !c.LogStdoutPretty {
		t.Fatalf("expected stdout logging enabled by default")
	}
}

func TestConfigOverride(t *testing.T) {
	var c Config
	env := []string{
		"IPCSD_ADDR=/tmp/other.sock",
		"IPCSD_MAX_MESSAGE_SIZE=128",
		"IPCSD_LOG_LEVEL=warn",
		"IPCSD_RETRY_INTERVAL=500ms",
	}
	if err := c.UnmarshalEnv(env); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.Addr != "/tmp/other.sock" {
		t.Fatalf("Addr = %q", c.Addr)
	}
	if c.MaxMessageSize != 128 {
		t.Fatalf("MaxMessageSize = %d", c.MaxMessageSize)
	}
	if c.LogLevel != zerolog.WarnLevel {
		t.Fatalf("LogLevel = %v", c.LogLevel)
	}
	if c.RetryInterval != 500*time.Millisecond {
		t.Fatalf("RetryInterval = %v", c.RetryInterval)
	}
}

func TestConfigUnknownVariableRejected(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"IPCSD_NOT_A_REAL_FIELD=1"}); err == nil {
		t.Fatal("expected an error for an unknown IPCSD_ variable")
	}
}
