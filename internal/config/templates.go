package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter file for kind: "harness" for test runs,
// "companion" for testhostd.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "harness":
		return harnessTemplate, nil
	case "companion":
		return companionTemplate, nil
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

const harnessTemplate = `# auto picks process when the platform can spawn, companion otherwise
mode = "auto"
expected_exit_code = 42
timeout = "60s"
max_log_bytes = 1048576

[companion]
channel = "default"
auth_token = ""

[ssh]
host = ""
port = "22"
user = ""
key_path = ""
known_hosts_path = ""
timeout = "10s"
remote_binary = ""
`

const companionTemplate = `mode = "process"
timeout = "60s"
max_log_bytes = 1048576

[companion]
channel = "unix:///tmp/testhost-default.sock"
auth_token = "change-me"
status_addr = "127.0.0.1:7421"
cors_origins = ["http://localhost:3000"]
security_mode = "development"
require_server_name = ""
connect_timeout = "5s"
read_timeout = "15s"
write_timeout = "15s"

[companion.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
cipher_suites = []
`
