package node

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/genelink/internal/config"
	"github.com/danmuck/genelink/internal/dataserver"
	"github.com/danmuck/genelink/internal/relay"
	"github.com/danmuck/genelink/internal/services"
	"github.com/danmuck/genelink/internal/testutil/testlog"
	"github.com/danmuck/genelink/internal/token"
	"github.com/danmuck/genelink/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

func memoryConfig(name string) config.NodeConfig {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.Listen = name
	cfg.Transport = string(transport.KindMemory)
	return cfg
}

// start runs n until the test ends and checks it stops cleanly.
func start(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			require.FailNow(t, "node did not stop")
		}
	})
}

func TestNodesTalkOverMemory(t *testing.T) {
	testlog.Start(t)
	network := transport.NewNetwork(1400)
	ca, err := token.GenerateSigner()
	require.NoError(t, err)

	serverCfg := memoryConfig("server")
	serverCfg.Role = config.RoleRelay
	serverCfg.Relay.Enabled = true
	serverCfg.Relay.Authority = ca.PublicKey().String()
	serverCfg.Relay.NetAddress = "server"
	serverCfg.Data.Enabled = true
	serverCfg.Data.Root = t.TempDir()
	serverCfg.Admin.Listen = "127.0.0.1:0"
	serverCfg.Admin.Token = "secret"
	server, err := New(context.Background(), Options{Config: serverCfg, Network: network})
	require.NoError(t, err)
	start(t, server)

	client, err := New(context.Background(), Options{Config: memoryConfig("client"), Network: network})
	require.NoError(t, err)
	start(t, client)
	require.Nil(t, client.HTTPRouter())
	require.Nil(t, client.Relays())
	require.Nil(t, client.Data())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := client.Endpoint().DialAddress(ctx, "server")
	require.NoError(t, err)
	require.Equal(t, server.Signer().PublicKey(), conn.RemotePublicKey())

	block := &services.TestBlock{Message: "over memory", Number: 1, Data: bytes.Repeat([]byte("gene"), 5000)}
	echoed, err := services.Echo.Invoke(ctx, conn, block)
	require.NoError(t, err)
	require.True(t, block.Equal(echoed))

	payload := bytes.Repeat([]byte("data"), 10_000)
	entry, err := dataserver.Store(ctx, conn, "node/test", bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), entry.Size)
	var got bytes.Buffer
	_, err = dataserver.Fetch(ctx, conn, "node/test", &got)
	require.NoError(t, err)
	require.Equal(t, payload, got.Bytes())

	cert, err := relay.Mint(ca, conn.Binding(), true, false)
	require.NoError(t, err)
	assigned, err := relay.Request(ctx, conn, cert)
	require.NoError(t, err)
	require.Equal(t, "server", assigned.Assignment.RelayNetAddress)
	require.Equal(t, 1, server.Relays().Count())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/responders", nil)
	req.Header.Set("Authorization", "Bearer secret")
	server.HTTPRouter().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), relay.AssignRelay.Name)
	require.Contains(t, rec.Body.String(), dataserver.Put.Name)
}

func TestNewRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	cfg := memoryConfig("x")
	cfg.Transport = "pigeon"
	_, err := New(context.Background(), Options{Config: cfg})
	require.ErrorIs(t, err, config.ErrInvalid)

	_, err = New(context.Background(), Options{Config: memoryConfig("y")})
	require.ErrorIs(t, err, transport.ErrUnknownKind)
}

func TestNewAppliesConfiguredFilters(t *testing.T) {
	testlog.Start(t)
	network := transport.NewNetwork(1400)
	cfg := memoryConfig("filtered")
	cfg.Dispatch.Filters = []config.FilterEntry{{
		Responder: services.Echo.Name,
		Name:      "max_payload",
		Config:    map[string]any{"max_bytes": int64(100)},
	}}
	n, err := New(context.Background(), Options{Config: cfg, Network: network})
	require.NoError(t, err)
	start(t, n)

	client, err := New(context.Background(), Options{Config: memoryConfig("caller"), Network: network})
	require.NoError(t, err)
	start(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := client.Endpoint().DialAddress(ctx, "filtered")
	require.NoError(t, err)
	_, err = services.Echo.Invoke(ctx, conn, &services.TestBlock{Message: "big", Number: 1, Data: make([]byte, 1000)})
	require.Error(t, err)
	_, err = services.Echo.Invoke(ctx, conn, &services.TestBlock{Message: "small", Number: 2, Data: make([]byte, 10)})
	require.NoError(t, err)
}
