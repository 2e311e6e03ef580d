package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timevision/hub/internal/auth"
	"github.com/timevision/hub/internal/platform"
	"github.com/timevision/hub/internal/session"
)

// fakeSessions is a scripted SessionService for dispatch tests.
type fakeSessions struct {
	startRes  *session.StartResult
	startErr  error
	hbDur     int64
	hbEnded   bool
	hbErr     error
	stopRes   *session.StopResult
	stopErr   error
	active    *session.Session
	activeErr error
	daily     int64

	lastReason session.EndReason
}

func (f *fakeSessions) Start(_ context.Context, _, _ int64, _, _, _ string) (*session.StartResult, error) {
	return f.startRes, f.startErr
}

func (f *fakeSessions) Heartbeat(_ context.Context, _ int64, _ string) (int64, bool, error) {
	return f.hbDur, f.hbEnded, f.hbErr
}

func (f *fakeSessions) Stop(_ context.Context, _ int64, _ string, reason session.EndReason) (*session.StopResult, error) {
	f.lastReason = reason
	return f.stopRes, f.stopErr
}

func (f *fakeSessions) GetActiveSession(_ context.Context, _ int64) (*session.Session, error) {
	return f.active, f.activeErr
}

func (f *fakeSessions) GetDailySeconds(_ context.Context, _ int64) (int64, error) {
	return f.daily, nil
}

func testClient(svc SessionService) *Client {
	h := NewHub(svc, auth.NewVerifier("test-secret"), time.Minute, slog.Default())
	return &Client{hub: h, send: make(chan outbound, 32), userID: 7}
}

func recv(t *testing.T, c *Client) outbound {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	default:
		t.Fatal("no message queued")
		return outbound{}
	}
}

func TestDispatchStart(t *testing.T) {
	svc := &fakeSessions{startRes: &session.StartResult{
		SessionID:   "sess_abc",
		StartedAt:   1700000000,
		RedirectURL: "https://streamflix.example/watch/tt1",
	}}
	c := testClient(svc)

	c.dispatch(inbound{Type: msgStart, PlatformID: 1, ContentID: "tt1"})

	msg := recv(t, c)
	assert.Equal(t, msgSessionStarted, msg.Type)
	assert.Equal(t, "sess_abc", msg.SessionID)
	assert.Equal(t, "https://streamflix.example/watch/tt1", msg.RedirectURL)
}

func TestDispatchStartValidation(t *testing.T) {
	c := testClient(&fakeSessions{})

	c.dispatch(inbound{Type: msgStart})

	msg := recv(t, c)
	assert.Equal(t, msgError, msg.Type)
	assert.Equal(t, "invalid_request", msg.Error)
}

func TestDispatchStartErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{"daily cap", session.ErrDailyCapExceeded, "daily_cap_exceeded"},
		{"unknown platform", platform.ErrPlatformNotFound, "platform_not_found"},
		{"internal", context.DeadlineExceeded, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testClient(&fakeSessions{startErr: tc.err})
			c.dispatch(inbound{Type: msgStart, PlatformID: 1})

			msg := recv(t, c)
			assert.Equal(t, msgError, msg.Type)
			assert.Equal(t, tc.code, msg.Error)
		})
	}
}

func TestDispatchPulse(t *testing.T) {
	c := testClient(&fakeSessions{hbDur: 3725})

	c.dispatch(inbound{Type: msgPulse, SessionID: "sess_abc"})

	msg := recv(t, c)
	assert.Equal(t, msgPulseAck, msg.Type)
	assert.Equal(t, "sess_abc", msg.SessionID)
	assert.Equal(t, int64(3725), msg.DurationSec)
}

func TestDispatchPulseFallsBackToTrackedSession(t *testing.T) {
	c := testClient(&fakeSessions{hbDur: 60})
	c.trackSession("sess_abc")

	c.dispatch(inbound{Type: msgPulse})

	msg := recv(t, c)
	assert.Equal(t, msgPulseAck, msg.Type)
	assert.Equal(t, "sess_abc", msg.SessionID)
}

func TestDispatchPulseWithoutAnySession(t *testing.T) {
	c := testClient(&fakeSessions{})

	c.dispatch(inbound{Type: msgPulse})

	msg := recv(t, c)
	assert.Equal(t, msgError, msg.Type)
	assert.Equal(t, "session_not_found", msg.Error)
}

func TestDispatchPulseCapEndsSession(t *testing.T) {
	c := testClient(&fakeSessions{hbDur: 21600, hbEnded: true, daily: 30000})
	c.trackSession("sess_abc")

	c.dispatch(inbound{Type: msgPulse, SessionID: "sess_abc"})

	msg := recv(t, c)
	assert.Equal(t, msgSessionEnded, msg.Type)
	assert.Equal(t, string(session.ReasonCap), msg.EndReason)
	assert.Equal(t, int64(21600), msg.DurationSeconds)
	assert.Equal(t, int64(30000), msg.DailySeconds)
	assert.Empty(t, c.trackedSession(), "cap-ended session should stop the pulse cadence")
}

func TestDispatchPulseUnknownSession(t *testing.T) {
	c := testClient(&fakeSessions{hbErr: session.ErrSessionNotFound})

	c.dispatch(inbound{Type: msgPulse, SessionID: "sess_gone"})

	msg := recv(t, c)
	assert.Equal(t, msgError, msg.Type)
	assert.Equal(t, "session_not_found", msg.Error)
}

func TestDispatchStop(t *testing.T) {
	svc := &fakeSessions{
		stopRes: &session.StopResult{
			SessionID:       "sess_abc",
			PlatformName:    "streamflix",
			DurationSeconds: 90,
			EndReason:       session.ReasonReturn,
		},
		daily: 90,
	}
	c := testClient(svc)

	c.dispatch(inbound{Type: msgStop, SessionID: "sess_abc", Reason: "return"})

	msg := recv(t, c)
	assert.Equal(t, msgSessionEnded, msg.Type)
	assert.Equal(t, "return", msg.EndReason)
	assert.Equal(t, "00:01:30", msg.DurationFormatted)
	assert.Equal(t, int64(90), msg.DailySeconds)
	assert.Equal(t, session.ReasonReturn, svc.lastReason)
}

func TestDispatchStopFallsBackToTrackedSession(t *testing.T) {
	svc := &fakeSessions{stopRes: &session.StopResult{SessionID: "sess_abc", EndReason: session.ReasonClose}}
	c := testClient(svc)
	c.trackSession("sess_abc")

	c.dispatch(inbound{Type: msgStop})

	msg := recv(t, c)
	assert.Equal(t, msgSessionEnded, msg.Type)
	assert.Equal(t, "sess_abc", msg.SessionID)
	assert.Empty(t, c.trackedSession())
}

func TestDispatchStopDefaultsReason(t *testing.T) {
	svc := &fakeSessions{stopRes: &session.StopResult{SessionID: "sess_abc", EndReason: session.ReasonClose}}
	c := testClient(svc)

	c.dispatch(inbound{Type: msgStop, SessionID: "sess_abc"})

	recv(t, c)
	assert.Equal(t, session.ReasonClose, svc.lastReason)
}

func TestDispatchStopRejectsUnknownReason(t *testing.T) {
	c := testClient(&fakeSessions{})

	c.dispatch(inbound{Type: msgStop, SessionID: "sess_abc", Reason: "rage_quit"})

	msg := recv(t, c)
	assert.Equal(t, msgError, msg.Type)
	assert.Equal(t, "invalid_request", msg.Error)
}

func TestDispatchStatus(t *testing.T) {
	svc := &fakeSessions{
		active: &session.Session{
			SessionID:    "sess_abc",
			PlatformName: "streamflix",
			StartedAt:    1700000000,
			DurationSec:  600,
		},
		daily: 4200,
	}
	c := testClient(svc)

	c.dispatch(inbound{Type: msgStatus})

	msg := recv(t, c)
	assert.Equal(t, msgStatusReply, msg.Type)
	require.NotNil(t, msg.Active)
	assert.True(t, *msg.Active)
	require.NotNil(t, msg.Session)
	assert.Equal(t, "sess_abc", msg.Session.SessionID)
	assert.Equal(t, "streamflix", msg.Session.PlatformName)
	assert.Equal(t, int64(600), msg.Session.DurationSec)
	assert.Equal(t, int64(4200), msg.DailySeconds)
}

func TestDispatchStatusIdle(t *testing.T) {
	c := testClient(&fakeSessions{daily: 4200})

	c.dispatch(inbound{Type: msgStatus})

	msg := recv(t, c)
	require.NotNil(t, msg.Active)
	assert.False(t, *msg.Active)
	assert.Nil(t, msg.Session)
	assert.Equal(t, int64(4200), msg.DailySeconds)
}

func TestDispatchUnknownType(t *testing.T) {
	c := testClient(&fakeSessions{})

	c.dispatch(inbound{Type: "subscribe"})

	msg := recv(t, c)
	assert.Equal(t, msgError, msg.Type)
	assert.Equal(t, "unknown_type", msg.Error)
}

func TestGreetWithLiveSession(t *testing.T) {
	svc := &fakeSessions{active: &session.Session{SessionID: "sess_abc", PlatformName: "cinemax", DurationSec: 45}}
	c := testClient(svc)

	c.greet()

	hello := recv(t, c)
	assert.Equal(t, msgConnected, hello.Type)
	assert.Equal(t, int64(7), hello.UserID)
	msg := recv(t, c)
	assert.Equal(t, msgSessionActive, msg.Type)
	require.NotNil(t, msg.Session)
	assert.Equal(t, "cinemax", msg.Session.PlatformName)
	assert.Equal(t, "00:00:45", msg.Session.DurationFormatted)
	assert.Equal(t, "sess_abc", c.trackedSession())
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00:00", formatDuration(0))
	assert.Equal(t, "00:00:00", formatDuration(-5))
	assert.Equal(t, "00:59:59", formatDuration(3599))
	assert.Equal(t, "06:00:00", formatDuration(21600))
}

// ---------------------------------------------------------------------------
// End to end over a real socket
// ---------------------------------------------------------------------------

type wsFixture struct {
	srv      *httptest.Server
	verifier *auth.Verifier
	cancel   context.CancelFunc
}

func setupWS(t *testing.T, heartbeatInterval time.Duration) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	platforms := platform.NewMemoryStore()
	platforms.Add(&platform.Platform{
		ID:               1,
		Name:             "streamflix",
		BaseURL:          "https://streamflix.example",
		DeepLinkTemplate: "https://streamflix.example/watch/{content_id}",
		Active:           true,
	})

	tracker := session.NewTracker(
		session.NewRedisLiveStore(rdb),
		session.NewMemoryRecordStore(),
		platforms,
		session.DefaultConfig(),
		slog.Default(),
	)

	verifier := auth.NewVerifier("test-secret")
	hub := NewHub(tracker, verifier, heartbeatInterval, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return &wsFixture{srv: srv, verifier: verifier, cancel: cancel}
}

func (f *wsFixture) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	token, err := f.verifier.Sign(userID, time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg outbound
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	f := setupWS(t, time.Hour)
	conn := f.dial(t, 42)

	hello := readMsg(t, conn)
	assert.Equal(t, msgConnected, hello.Type)
	assert.Equal(t, int64(42), hello.UserID)

	require.NoError(t, conn.WriteJSON(inbound{Type: msgStart, PlatformID: 1, ContentID: "tt42"}))
	started := readMsg(t, conn)
	require.Equal(t, msgSessionStarted, started.Type)
	assert.NotEmpty(t, started.SessionID)
	assert.Equal(t, "https://streamflix.example/watch/tt42", started.RedirectURL)

	// No sessionId on the pulse; the server knows which session this
	// connection opened.
	require.NoError(t, conn.WriteJSON(inbound{Type: msgPulse}))
	ack := readMsg(t, conn)
	assert.Equal(t, msgPulseAck, ack.Type)
	assert.Equal(t, started.SessionID, ack.SessionID)

	require.NoError(t, conn.WriteJSON(inbound{Type: msgStatus}))
	status := readMsg(t, conn)
	require.Equal(t, msgStatusReply, status.Type)
	require.NotNil(t, status.Active)
	assert.True(t, *status.Active)
	require.NotNil(t, status.Session)
	assert.Equal(t, started.SessionID, status.Session.SessionID)

	require.NoError(t, conn.WriteJSON(inbound{Type: msgStop, Reason: "return"}))
	ended := readMsg(t, conn)
	require.Equal(t, msgSessionEnded, ended.Type)
	assert.Equal(t, "return", ended.EndReason)
}

func TestWebSocketReconnectSeesLiveSession(t *testing.T) {
	f := setupWS(t, time.Hour)

	first := f.dial(t, 42)
	assert.Equal(t, msgConnected, readMsg(t, first).Type)
	require.NoError(t, first.WriteJSON(inbound{Type: msgStart, PlatformID: 1}))
	started := readMsg(t, first)
	require.Equal(t, msgSessionStarted, started.Type)
	_ = first.Close()

	second := f.dial(t, 42)
	assert.Equal(t, msgConnected, readMsg(t, second).Type)
	active := readMsg(t, second)
	require.Equal(t, msgSessionActive, active.Type)
	require.NotNil(t, active.Session)
	assert.Equal(t, started.SessionID, active.Session.SessionID)
	assert.Equal(t, "streamflix", active.Session.PlatformName)
}

func TestWebSocketNoHeartbeatRequestWhileIdle(t *testing.T) {
	f := setupWS(t, 50*time.Millisecond)
	conn := f.dial(t, 42)

	assert.Equal(t, msgConnected, readMsg(t, conn).Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var msg outbound
	require.Error(t, conn.ReadJSON(&msg), "idle connection should not be asked to pulse")
}

func TestWebSocketHeartbeatRequestsDuringSession(t *testing.T) {
	f := setupWS(t, 50*time.Millisecond)
	conn := f.dial(t, 42)

	assert.Equal(t, msgConnected, readMsg(t, conn).Type)
	require.NoError(t, conn.WriteJSON(inbound{Type: msgStart, PlatformID: 1}))

	// The cadence ticks may interleave with the start acknowledgement.
	for i := 0; i < 5; i++ {
		if readMsg(t, conn).Type == msgHeartbeatRequest {
			return
		}
	}
	t.Fatal("no heartbeat_request received")
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	f := setupWS(t, time.Hour)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=garbage"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if conn != nil {
		_ = conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketAuthViaHeader(t *testing.T) {
	f := setupWS(t, time.Hour)
	token, err := f.verifier.Sign(42, time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, msgConnected, readMsg(t, conn).Type)
}

func TestWebSocketUnknownPlatform(t *testing.T) {
	f := setupWS(t, time.Hour)
	conn := f.dial(t, 42)

	assert.Equal(t, msgConnected, readMsg(t, conn).Type)

	require.NoError(t, conn.WriteJSON(inbound{Type: msgStart, PlatformID: 99}))
	msg := readMsg(t, conn)
	assert.Equal(t, msgError, msg.Type)
	assert.Equal(t, "platform_not_found", msg.Error)
}

func TestOutboundOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(outbound{Type: msgConnected})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connected"}`, string(raw))
}
