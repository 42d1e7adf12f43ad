// Package config loads and validates node configuration files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/genelink/internal/agreement"
	"github.com/danmuck/genelink/internal/dispatch"
	"github.com/danmuck/genelink/internal/logging"
	"github.com/danmuck/genelink/internal/protocol/frame"
	"github.com/danmuck/genelink/internal/token"
	"github.com/danmuck/genelink/internal/transport"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("config: invalid")

// Roles with a built-in limit profile.
const (
	RoleDefault = "default"
	RoleClient  = "client"
	RoleRelay   = "relay"
	RoleData    = "data"
)

// DataMaxStreamLength caps the stream length of the data role, whatever its
// profile says.
const DataMaxStreamLength = 100_000_000

// Duration reads and writes durations as strings such as "1m30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func D(v time.Duration) Duration {
	return Duration{Duration: v}
}

type NodeConfig struct {
	Name string `toml:"name"`
	// Role selects the limit profile the node offers to peers.
	Role            string `toml:"role"`
	Listen          string `toml:"listen"`
	Transport       string `toml:"transport"`
	MaxPacketLength int    `toml:"max_packet_length"`
	// SignerSeed is the hex ed25519 seed of the node identity. Empty
	// generates a fresh identity on every start.
	SignerSeed string `toml:"signer_seed"`
	LogLevel   string `toml:"log_level"`

	Session    SessionConfig           `toml:"session"`
	TLS        TLSConfig               `toml:"tls"`
	Limits     map[string]LimitProfile `toml:"limits"`
	Dispatch   DispatchConfig          `toml:"dispatch"`
	Agreements AgreementsConfig        `toml:"agreements"`
	Relay      RelayConfig             `toml:"relay"`
	Data       DataConfig              `toml:"data"`
	Admin      AdminConfig             `toml:"admin"`
}

type SessionConfig struct {
	ConnectTimeout      Duration `toml:"connect_timeout"`
	RequestTimeout      Duration `toml:"request_timeout"`
	TransmissionTimeout Duration `toml:"transmission_timeout"`
	RetransmitTimeout   Duration `toml:"retransmit_timeout"`
	IdleTimeout         Duration `toml:"idle_timeout"`
	SendWindow          int      `toml:"send_window"`
	MaxConnections      int      `toml:"max_connections"`
	MaxInbound          int      `toml:"max_inbound"`
	MaxInboundBytes     int64    `toml:"max_inbound_bytes"`
	ReadBuffer          int      `toml:"read_buffer"`
	WriteBuffer         int      `toml:"write_buffer"`
}

type TLSConfig struct {
	Mode               string `toml:"mode"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// LimitProfile is the ceiling agreement offered for one role.
type LimitProfile struct {
	MaxBlockSize     uint64   `toml:"max_block_size"`
	MaxStreamLength  uint64   `toml:"max_stream_length"`
	StreamBufferSize uint64   `toml:"stream_buffer_size"`
	MinimumRetention Duration `toml:"minimum_retention"`
}

type DispatchConfig struct {
	// Workers bounds concurrently running async responders.
	Workers int           `toml:"workers"`
	Filters []FilterEntry `toml:"filters"`
}

// FilterEntry wraps one responder in a named filter. Config holds the
// filter's own keys.
type FilterEntry struct {
	Responder string         `toml:"responder"`
	Name      string         `toml:"name"`
	Config    map[string]any `toml:"config"`
}

type AgreementsConfig struct {
	MaxTokenAge Duration `toml:"max_token_age"`
}

type RelayConfig struct {
	Enabled bool `toml:"enabled"`
	// Authority is the hex public key relay certificates must be signed by.
	Authority     string   `toml:"authority"`
	MaxExchanges  int      `toml:"max_exchanges"`
	DefaultPoints uint64   `toml:"default_points"`
	Retention     Duration `toml:"retention"`
	NetAddress    string   `toml:"net_address"`
	MaxTokenAge   Duration `toml:"max_token_age"`
	SweepInterval Duration `toml:"sweep_interval"`
}

type DataConfig struct {
	Enabled   bool   `toml:"enabled"`
	Root      string `toml:"root"`
	MaxLength int64  `toml:"max_length"`
}

type AdminConfig struct {
	// Listen is empty when the admin surface is off.
	Listen      string   `toml:"listen"`
	Token       string   `toml:"token"`
	Keys        []string `toml:"keys"`
	MaxTokenAge Duration `toml:"max_token_age"`
	CORSOrigins []string `toml:"cors_origins"`
}

func Default() NodeConfig {
	return NodeConfig{
		Name:            "genelink",
		Role:            RoleDefault,
		Listen:          "127.0.0.1:7400",
		Transport:       string(transport.KindUDP),
		MaxPacketLength: frame.DefaultMaxPacketLength,
		LogLevel:        "info",
		Session: SessionConfig{
			ConnectTimeout:      D(5 * time.Second),
			RequestTimeout:      D(60 * time.Second),
			TransmissionTimeout: D(15 * time.Second),
			RetransmitTimeout:   D(200 * time.Millisecond),
			IdleTimeout:         D(2 * time.Minute),
			SendWindow:          256,
			MaxConnections:      1024,
		},
		TLS:        TLSConfig{Mode: string(transport.SecurityModeDevelopment)},
		Limits:     map[string]LimitProfile{},
		Dispatch:   DispatchConfig{Workers: 64},
		Agreements: AgreementsConfig{MaxTokenAge: D(5 * time.Minute)},
		Relay: RelayConfig{
			MaxExchanges:  1024,
			DefaultPoints: 1 << 30,
			Retention:     D(10 * time.Minute),
			MaxTokenAge:   D(5 * time.Minute),
			SweepInterval: D(5 * time.Second),
		},
		Data: DataConfig{Root: "data", MaxLength: DataMaxStreamLength},
		Admin: AdminConfig{
			MaxTokenAge: D(5 * time.Minute),
		},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (NodeConfig, error) {
	cfg := Default()
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (NodeConfig, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// BuiltinLimits are the profiles used for roles the file leaves out.
func BuiltinLimits() map[string]LimitProfile {
	def := agreement.Default()
	base := LimitProfile{
		MaxBlockSize:     def.MaxBlockSize,
		MaxStreamLength:  def.MaxStreamLength,
		StreamBufferSize: def.StreamBufferSize,
	}
	client := base
	client.MaxBlockSize = 4 << 20
	client.MaxStreamLength = 256 << 20
	relay := base
	relay.MinimumRetention = D(10 * time.Minute)
	data := base
	data.MaxStreamLength = DataMaxStreamLength
	return map[string]LimitProfile{
		RoleDefault: base,
		RoleClient:  client,
		RoleRelay:   relay,
		RoleData:    data,
	}
}

// Profile resolves the limit profile of role: the file's table, else the
// built-in, else the default role.
func (c NodeConfig) Profile(role string) (LimitProfile, bool) {
	if p, ok := c.Limits[role]; ok {
		return p, true
	}
	builtin := BuiltinLimits()
	if p, ok := builtin[role]; ok {
		return p, true
	}
	return builtin[RoleDefault], false
}

// Limit is the ceiling agreement of the node's role.
func (c NodeConfig) Limit() agreement.Agreement {
	p, _ := c.Profile(c.Role)
	a := agreement.Agreement{
		MaxBlockSize:                   p.MaxBlockSize,
		MaxStreamLength:                p.MaxStreamLength,
		StreamBufferSize:               p.StreamBufferSize,
		MinimumConnectionRetentionMics: uint64(p.MinimumRetention.Microseconds()),
	}
	if c.Role == RoleData {
		a.MaxStreamLength = min(a.MaxStreamLength, DataMaxStreamLength)
	}
	return a
}

func Validate(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.TrimSpace(cfg.Role) == "" {
		return fmt.Errorf("%w: role is required", ErrInvalid)
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("%w: listen is required", ErrInvalid)
	}
	switch transport.Kind(cfg.Transport) {
	case transport.KindUDP, transport.KindQUIC, transport.KindMemory:
	default:
		return fmt.Errorf("%w: transport %q: %w", ErrInvalid, cfg.Transport, transport.ErrUnknownKind)
	}
	if cfg.MaxPacketLength < frame.MinMaxPacketLength {
		return fmt.Errorf("%w: max_packet_length %d below %d", ErrInvalid, cfg.MaxPacketLength, frame.MinMaxPacketLength)
	}
	if cfg.SignerSeed != "" {
		if _, err := token.ParseSigner(cfg.SignerSeed); err != nil {
			return fmt.Errorf("%w: signer_seed: %w", ErrInvalid, err)
		}
	}
	if cfg.LogLevel != "" {
		if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
			return fmt.Errorf("%w: log_level %q", ErrInvalid, cfg.LogLevel)
		}
	}
	if transport.Kind(cfg.Transport) == transport.KindQUIC {
		if err := cfg.TLSConfig().Validate(); err != nil {
			return fmt.Errorf("%w: tls: %w", ErrInvalid, err)
		}
	}
	for role, p := range cfg.Limits {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("%w: limits table with empty role", ErrInvalid)
		}
		if p.MaxBlockSize == 0 || p.MaxStreamLength == 0 || p.StreamBufferSize == 0 {
			return fmt.Errorf("%w: limits.%s: sizes must be positive", ErrInvalid, role)
		}
	}
	if cfg.Dispatch.Workers < 0 {
		return fmt.Errorf("%w: dispatch.workers must not be negative", ErrInvalid)
	}
	if _, err := cfg.FilterSpecs(); err != nil {
		return err
	}
	if cfg.Relay.Enabled {
		if _, err := token.ParsePublicKey(cfg.Relay.Authority); err != nil {
			return fmt.Errorf("%w: relay.authority: %w", ErrInvalid, err)
		}
	}
	if cfg.Data.Enabled {
		if strings.TrimSpace(cfg.Data.Root) == "" {
			return fmt.Errorf("%w: data.root is required", ErrInvalid)
		}
		if cfg.Data.MaxLength < 0 {
			return fmt.Errorf("%w: data.max_length must not be negative", ErrInvalid)
		}
	}
	for _, k := range cfg.Admin.Keys {
		if _, err := token.ParsePublicKey(k); err != nil {
			return fmt.Errorf("%w: admin.keys %q: %w", ErrInvalid, k, err)
		}
	}
	return nil
}

// filterConfigs maps built-in filter names to a fresh typed config.
var filterConfigs = map[string]func() any{
	dispatch.FilterMaxPayload: func() any { return &dispatch.MaxPayloadConfig{} },
	dispatch.FilterRateLimit:  func() any { return &dispatch.RateLimitConfig{} },
	dispatch.FilterAllowKeys:  func() any { return &dispatch.AllowKeysConfig{} },
}

// FilterSpecs groups the configured filters by responder, decoding each
// config table into the filter's typed config. Unknown keys are rejected.
func (c NodeConfig) FilterSpecs() (map[string][]dispatch.FilterSpec, error) {
	out := make(map[string][]dispatch.FilterSpec)
	for i, f := range c.Dispatch.Filters {
		if strings.TrimSpace(f.Responder) == "" {
			return nil, fmt.Errorf("%w: dispatch.filters[%d]: responder is required", ErrInvalid, i)
		}
		fresh, ok := filterConfigs[f.Name]
		if !ok {
			return nil, fmt.Errorf("%w: dispatch.filters[%d]: unknown filter %q", ErrInvalid, i, f.Name)
		}
		typed := fresh()
		if len(f.Config) > 0 {
			b, err := toml.Marshal(f.Config)
			if err != nil {
				return nil, fmt.Errorf("%w: dispatch.filters[%d]: %w", ErrInvalid, i, err)
			}
			dec := toml.NewDecoder(strings.NewReader(string(b)))
			dec.DisallowUnknownFields()
			if err := dec.Decode(typed); err != nil {
				return nil, fmt.Errorf("%w: dispatch.filters[%d] %s: %w", ErrInvalid, i, f.Name, err)
			}
		}
		out[f.Responder] = append(out[f.Responder], dispatch.FilterSpec{Name: f.Name, Config: typed})
	}
	return out, nil
}
