package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/genelink/internal/dispatch"
	"github.com/danmuck/genelink/internal/testutil/testlog"
	"github.com/danmuck/genelink/internal/token"
	"github.com/stretchr/testify/require"
)

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()

	nodePath := filepath.Join(dir, "node.toml")
	require.NoError(t, WriteTemplate(nodePath, "node", false))
	require.Error(t, WriteTemplate(nodePath, "node", false))
	require.NoError(t, WriteTemplate(nodePath, "node", true))

	cfg, err := Load(nodePath)
	require.NoError(t, err)
	require.Equal(t, "genelink", cfg.Name)
	require.Equal(t, "udp", cfg.Transport)
	require.Equal(t, time.Minute, cfg.Session.RequestTimeout.Duration)
	require.Equal(t, 200*time.Millisecond, cfg.SessionConfig().RetransmitTimeout)

	specs, err := cfg.FilterSpecs()
	require.NoError(t, err)
	echo := specs["diagnostics.Echo"]
	require.Len(t, echo, 2)
	require.Equal(t, &dispatch.MaxPayloadConfig{MaxBytes: 1 << 20}, echo[0].Config)
	require.Equal(t, &dispatch.RateLimitConfig{PerSecond: 50, Burst: 100}, echo[1].Config)

	limitsPath := filepath.Join(dir, "limits.toml")
	require.NoError(t, WriteTemplate(limitsPath, "limits", false))
	limits, err := Load(limitsPath)
	require.NoError(t, err)
	require.Len(t, limits.Limits, 4)

	_, err = Template("cluster")
	require.Error(t, err)
}

func TestDataRoleCapsStreamLength(t *testing.T) {
	testlog.Start(t)
	cfg, err := Parse([]byte(`
role = "data"

[limits.data]
max_block_size = 1024
max_stream_length = 5000000000
stream_buffer_size = 4096
`))
	require.NoError(t, err)
	limit := cfg.Limit()
	require.Equal(t, uint64(DataMaxStreamLength), limit.MaxStreamLength)
	require.Equal(t, uint64(1024), limit.MaxBlockSize)

	builtin := Default()
	builtin.Role = RoleData
	require.Equal(t, uint64(DataMaxStreamLength), builtin.Limit().MaxStreamLength)
}

func TestProfileFallsBackToDefaultRole(t *testing.T) {
	testlog.Start(t)
	cfg := Default()
	cfg.Role = "unheard-of"
	_, ok := cfg.Profile(cfg.Role)
	require.False(t, ok)
	def := Default()
	require.Equal(t, def.Limit(), cfg.Limit())

	cfg.Role = RoleRelay
	require.Equal(t, uint64((10 * time.Minute).Microseconds()), cfg.Limit().MinimumConnectionRetentionMics)
}

func TestValidateRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"transport":    `transport = "carrier-pigeon"`,
		"packet":       `max_packet_length = 10`,
		"seed":         `signer_seed = "zz"`,
		"log level":    `log_level = "loud"`,
		"limits":       "[limits.x]\nmax_block_size = 0\nmax_stream_length = 1\nstream_buffer_size = 1",
		"relay key":    "[relay]\nenabled = true\nauthority = \"nope\"",
		"admin key":    "[admin]\nkeys = [\"nope\"]",
		"filter name":  "[[dispatch.filters]]\nresponder = \"x\"\nname = \"nope\"",
		"filter key":   "[[dispatch.filters]]\nresponder = \"x\"\nname = \"max_payload\"\nconfig = { max_kilobytes = 3 }",
		"no responder": "[[dispatch.filters]]\nname = \"max_payload\"",
		"data root":    "[data]\nenabled = true\nroot = \"\"",
		"bad duration": "[session]\nconnect_timeout = \"soon\"",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		require.Error(t, err, name)
	}
}

func TestRelayAndAdminConversion(t *testing.T) {
	testlog.Start(t)
	ca, err := token.GenerateSigner()
	require.NoError(t, err)
	operator, err := token.GenerateSigner()
	require.NoError(t, err)

	cfg, err := Parse([]byte(`
signer_seed = "` + ca.SeedHex() + `"

[relay]
enabled = true
authority = "` + ca.PublicKey().String() + `"
retention = "30m"

[admin]
token = "secret"
keys = ["` + operator.PublicKey().String() + `"]
`))
	require.NoError(t, err)

	signer, err := cfg.Signer()
	require.NoError(t, err)
	require.Equal(t, ca.PublicKey(), signer.PublicKey())

	rc, err := cfg.RelayConfig()
	require.NoError(t, err)
	require.Equal(t, ca.PublicKey(), rc.Authority)
	require.Equal(t, 30*time.Minute, rc.Retention)

	v, err := cfg.AdminValidator()
	require.NoError(t, err)
	require.NoError(t, v.Validate("secret"))
	require.Error(t, v.Validate("guess"))

	none, err := Default().AdminValidator()
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestSessionInboundBudgetConversion(t *testing.T) {
	testlog.Start(t)
	cfg, err := Parse([]byte(`
[session]
max_inbound = 8
max_inbound_bytes = 1048576
`))
	require.NoError(t, err)
	sc := cfg.SessionConfig()
	require.Equal(t, 8, sc.MaxInbound)
	require.Equal(t, int64(1<<20), sc.MaxInboundBytes)

	defaults := Default().SessionConfig()
	require.Positive(t, defaults.MaxInbound)
	require.Positive(t, defaults.MaxInboundBytes)
}
