package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicgov/civicguard/internal/api/ws"
	"github.com/civicgov/civicguard/internal/domain"
	redisstore "github.com/civicgov/civicguard/internal/store/redis"
	"github.com/civicgov/civicguard/internal/testutil"
)

func startHub(t *testing.T) (*httptest.Server, *redisstore.PubSub, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	ps := redisstore.NewPubSub(testutil.NewClient(t, mr))
	srv := httptest.NewServer(http.HandlerFunc(ws.NewHub(ps, nil).ServeThreats))
	t.Cleanup(srv.Close)
	return srv, ps, mr
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func waitSubscribed(t *testing.T, mr *miniredis.Miniredis, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(redisstore.ThreatsChannel)[redisstore.ThreatsChannel] == n
	}, 2*time.Second, 10*time.Millisecond)
}

func publishThreat(t *testing.T, ps *redisstore.PubSub, level domain.ThreatLevel, source string) {
	t.Helper()
	th := domain.NewThreat(domain.ThreatBotAttack, level, source, "/vote", time.Now(), nil)
	payload, err := json.Marshal(th)
	require.NoError(t, err)
	require.NoError(t, ps.Publish(context.Background(), redisstore.ThreatsChannel, payload))
}

func readThreat(t *testing.T, ctx context.Context, conn *websocket.Conn) domain.Threat {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	var th domain.Threat
	require.NoError(t, json.Unmarshal(data, &th))
	return th
}

func TestServeThreats_RelaysPublishedThreats(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, ps, mr := startHub(t)
	conn := dial(t, ctx, srv, "")
	waitSubscribed(t, mr, 1)

	publishThreat(t, ps, domain.ThreatLevelLow, "203.0.113.1")
	th := readThreat(t, ctx, conn)
	assert.Equal(t, "203.0.113.1", th.Source)
	assert.Equal(t, domain.ThreatLevelLow, th.Level)
}

func TestServeThreats_MinLevelFilters(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, ps, mr := startHub(t)
	conn := dial(t, ctx, srv, "?min_level=high")
	waitSubscribed(t, mr, 1)

	publishThreat(t, ps, domain.ThreatLevelMedium, "203.0.113.2")
	publishThreat(t, ps, domain.ThreatLevelHigh, "203.0.113.3")

	th := readThreat(t, ctx, conn)
	assert.Equal(t, "203.0.113.3", th.Source, "medium threat is dropped")
}

func TestServeThreats_UnknownMinLevel(t *testing.T) {
	t.Parallel()

	srv, _, _ := startHub(t)
	resp, err := http.Get(srv.URL + "?min_level=apocalyptic") //nolint:noctx // test
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeThreats_UnsubscribesOnClose(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, _, mr := startHub(t)
	conn := dial(t, ctx, srv, "")
	waitSubscribed(t, mr, 1)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	waitSubscribed(t, mr, 0)
}
