package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	KindDaemon = "gdnpd"
	KindClient = "gdnpctl"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindDaemon:
		return daemonTemplate, nil
	case KindClient:
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// DefaultPath is where configgen reads and writes a kind by default.
func DefaultPath(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindDaemon:
		return "cmd/gdnpd/config.toml", nil
	case KindClient:
		return "cmd/gdnpctl/config.toml", nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

// Validate strictly loads path as kind.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindDaemon:
		_, err := LoadDaemonFile(path)
		return err
	case KindClient:
		_, err := LoadClientFile(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const daemonTemplate = `# node_id defaults to a random uuid per start
node_id = ""
listen = "[::]:4444"
discovery = "[::]:4444"
group = "ff02::1"
interface = ""
# advertise overrides the Locator sent in discovery responses
advertise = ""
# divert redirects discovering clients to another server
divert = ""
max_sessions = 5
processing_timeout = "8s"
wait_time = "10s"
idle_timeout = "20s"

[admin]
addr = "127.0.0.1:7070"
cors_origins = []

[store]
path = "gdnpd.db"

[agent]
target = 10
step = 1
`

const clientTemplate = `discovery = "[ff02::1]:4444"
local = ":0"
port = 4444
interface = ""
# target skips discovery when set
target = ""
loop_count = 5
max_try_times = 5
response_timeout = "10s"
wait_timeout = "10s"
read_timeout = "10s"
connect_timeout = "5s"

[store]
path = ""

[agent]
target = 5
step = 1
`
