package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node":
		return nodeTemplate, nil
	case "limits":
		return limitsTemplate, nil
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

const nodeTemplate = `name = "genelink"
role = "default"
listen = "127.0.0.1:7400"
transport = "udp"
max_packet_length = 1400
# signer_seed = "<hex seed from genelinkd keygen>"
log_level = "info"

[session]
connect_timeout = "5s"
request_timeout = "1m"
transmission_timeout = "15s"
retransmit_timeout = "200ms"
idle_timeout = "2m"
send_window = 256
max_connections = 1024
max_inbound = 64
max_inbound_bytes = 67108864

[tls]
mode = "development"

[dispatch]
workers = 64

[[dispatch.filters]]
responder = "diagnostics.Echo"
name = "max_payload"
config = { max_bytes = 1048576 }

[[dispatch.filters]]
responder = "diagnostics.Echo"
name = "rate_limit"
config = { per_second = 50.0, burst = 100 }

[agreements]
max_token_age = "5m"

[relay]
enabled = false
# authority = "<hex public key of the relay certificate authority>"
max_exchanges = 1024
default_points = 1073741824
retention = "10m"
net_address = "127.0.0.1:7401"
max_token_age = "5m"
sweep_interval = "5s"

[data]
enabled = false
root = "data"
max_length = 100000000

[admin]
listen = "127.0.0.1:7480"
token = "change-me"
keys = []
max_token_age = "5m"
cors_origins = ["http://localhost:3000"]
`

const limitsTemplate = `[limits.default]
max_block_size = 16777216
max_stream_length = 1073741824
stream_buffer_size = 1048576
minimum_retention = "0s"

[limits.client]
max_block_size = 4194304
max_stream_length = 268435456
stream_buffer_size = 1048576
minimum_retention = "0s"

[limits.relay]
max_block_size = 16777216
max_stream_length = 1073741824
stream_buffer_size = 1048576
minimum_retention = "10m"

[limits.data]
max_block_size = 16777216
max_stream_length = 100000000
stream_buffer_size = 1048576
minimum_retention = "0s"
`
