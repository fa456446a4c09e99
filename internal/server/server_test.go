package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/killfeed/internal/layout"
	"github.com/runnerr0/killfeed/internal/poller"
	"github.com/runnerr0/killfeed/internal/storage"
)

type fakeStatus struct {
	snap poller.Snapshot
}

func (f fakeStatus) Snapshot() poller.Snapshot { return f.snap }

type fakeHistory struct {
	rows  []storage.Announcement
	stats *storage.Stats
	err   error
	got   storage.SearchQuery
}

func (f *fakeHistory) SearchAnnouncements(_ context.Context, q storage.SearchQuery) ([]storage.Announcement, error) {
	f.got = q
	return f.rows, f.err
}

func (f *fakeHistory) GetStats(context.Context) (*storage.Stats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stats, nil
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func TestHealthz(t *testing.T) {
	s := New(Options{Version: "1.2.3", Hub: startHub(t)})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
}

func TestStatusIncludesSnapshotAndStats(t *testing.T) {
	errMsg := "fetch killmails: boom"
	history := &fakeHistory{stats: &storage.Stats{TotalAnnouncements: 4, TotalDeliveries: 8, FailedDeliveries: 1, Overflowed: 2}}
	s := New(Options{
		Hub:     startHub(t),
		Status:  fakeStatus{snap: poller.Snapshot{Cycles: 3, Announced: 2, LastError: &errMsg, WatermarkID: 42}},
		History: history,
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Poll)
	assert.Equal(t, 3, body.Poll.Cycles)
	assert.Equal(t, int64(42), body.Poll.WatermarkID)
	require.NotNil(t, body.Poll.LastError)
	assert.Equal(t, errMsg, *body.Poll.LastError)
	require.NotNil(t, body.History)
	assert.Equal(t, int64(4), body.History.Announcements)
	assert.Equal(t, int64(1), body.History.FailedDeliveries)
	assert.Equal(t, 0, body.LiveClients)
}

func TestStatusWithoutSources(t *testing.T) {
	s := New(Options{Hub: startHub(t)})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"poll"`)
	assert.NotContains(t, rec.Body.String(), `"history"`)
}

func TestStatusStatsError(t *testing.T) {
	s := New(Options{Hub: startHub(t), History: &fakeHistory{err: errors.New("db gone")}})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "stats unavailable")
}

func TestAnnouncements(t *testing.T) {
	killDate := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{rows: []storage.Announcement{{
		ID: "a-1", KillID: 77, KillDate: killDate, Victim: "Vex", Corporation: "Iron", Robot: "Rhino",
		Zone: "Alpha", Attackers: 30, Omitted: 5, AnnouncedAt: killDate.Add(time.Minute),
	}}}
	s := New(Options{Hub: startHub(t), History: history})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/announcements?q=+vex+&limit=5&since=2024-02-01T00:00:00Z", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body []announcementJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, int64(77), body[0].KillID)
	assert.Equal(t, 5, body[0].Omitted)

	assert.Equal(t, "vex", history.got.Query)
	assert.Equal(t, 5, history.got.Limit)
	assert.True(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).Equal(history.got.Since))
}

func TestAnnouncementsBadParams(t *testing.T) {
	s := New(Options{Hub: startHub(t), History: &fakeHistory{}})

	for _, target := range []string{"/announcements?limit=0", "/announcements?limit=abc", "/announcements?since=yesterday"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestAnnouncementsWithoutHistory(t *testing.T) {
	s := New(Options{Hub: startHub(t)})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/announcements", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := New(Options{Hub: startHub(t), AllowedOrigins: []string{"https://ops.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/status", nil)
	req.Header.Set("Origin", "https://ops.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://ops.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCheckOrigin(t *testing.T) {
	s := New(Options{Hub: startHub(t), AllowedOrigins: []string{"https://ops.example"}})

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	assert.True(t, s.checkOrigin(req), "no origin header")

	req.Header.Set("Origin", "https://ops.example")
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, s.checkOrigin(req))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/live"
}

func TestLiveFeedReceivesAnnouncedContainer(t *testing.T) {
	hub := startHub(t)
	s := New(Options{Hub: hub, AllowedOrigins: []string{"*"}})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	c := layout.Container{
		Title:  "Vex lost a Rhino",
		Fields: []layout.Field{{Name: "Zone", Value: "Alpha"}},
		KillID: 77,
	}
	require.NoError(t, hub.Send(context.Background(), c))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg liveMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, MessageKillmail, msg.Type)
	assert.Equal(t, int64(77), msg.Container.KillID)
	assert.Equal(t, "Alpha", msg.Container.Fields[0].Value)
}

func TestLiveClientDisconnectUnregisters(t *testing.T) {
	hub := startHub(t)
	s := New(Options{Hub: hub})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubSendAfterStop(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	err := hub.Send(context.Background(), layout.Container{KillID: 1})
	assert.ErrorIs(t, err, ErrHubStopped)
	assert.False(t, hub.Register(&Client{Hub: hub, Send: make(chan []byte, 1)}))
}

func TestHubSendWithoutClients(t *testing.T) {
	hub := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, hub.Send(ctx, layout.Container{KillID: 1}))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := New(Options{Hub: startHub(t)})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
