// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mperrors "github.com/absmach/mitmqtt/pkg/errors"
	"github.com/absmach/mitmqtt/pkg/health"
	"github.com/absmach/mitmqtt/pkg/packet"
	"github.com/absmach/mitmqtt/pkg/proxy"
	"github.com/absmach/mitmqtt/pkg/store"
)

type injectCall struct {
	session  string
	topic    string
	payload  string
	toClient bool
}

// fakeController records console calls and returns preset errors.
type fakeController struct {
	mu        sync.Mutex
	sessions  []proxy.SessionInfo
	store     *store.Store
	injects   []injectCall
	replays   []int
	broker    string
	started   []string
	stopped   int
	observers []proxy.Observer
	err       error
}

func newFakeController() *fakeController {
	return &fakeController{store: store.New(10), broker: "test.mosquitto.org:1883"}
}

func (f *fakeController) Sessions() []proxy.SessionInfo { return f.sessions }

func (f *fakeController) DisconnectSession(id string) error {
	for _, s := range f.sessions {
		if s.ID == id {
			return nil
		}
	}
	return mperrors.ErrNoSession
}

func (f *fakeController) ExportCapture() []store.Record { return f.store.Export() }
func (f *fakeController) Store() *store.Store           { return f.store }

func (f *fakeController) InjectPacket(topic string, payload []byte, toClient bool) error {
	return f.InjectPacketTo("", topic, payload, toClient)
}

func (f *fakeController) InjectPacketTo(id, topic string, payload []byte, toClient bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.injects = append(f.injects, injectCall{session: id, topic: topic, payload: string(payload), toClient: toClient})
	return nil
}

func (f *fakeController) ReplayPacket(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.store.Get(index); err != nil {
		return err
	}
	f.replays = append(f.replays, index)
	return nil
}

func (f *fakeController) SetBrokerTarget(host string, port int) error {
	f.broker = net.JoinHostPort(host, strconv.Itoa(port))
	return nil
}

func (f *fakeController) BrokerTarget() string { return f.broker }

func (f *fakeController) StartPlain(address string, port int) error {
	return f.start("plain")
}

func (f *fakeController) StartTLS(address string, port int) error {
	return f.start("tls")
}

func (f *fakeController) start(kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, kind)
	return nil
}

func (f *fakeController) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.started) == 0 {
		return mperrors.ErrNotRunning
	}
	f.started = nil
	f.stopped++
	return nil
}

func (f *fakeController) Subscribe(o proxy.Observer) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
	idx := len(f.observers) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.observers[idx] = nil
	}
}

func (f *fakeController) emit(ev proxy.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.observers {
		if o != nil {
			o(ev)
		}
	}
}

func (f *fakeController) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.observers {
		if o != nil {
			n++
		}
	}
	return n
}

func testServer(t *testing.T, ctrl Controller) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{Logger: logger, Checker: health.NewChecker(-1)}, ctrl)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (int, Response) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var r Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	return resp.StatusCode, r
}

func TestSessions(t *testing.T) {
	ctrl := newFakeController()
	ctrl.sessions = []proxy.SessionInfo{{ID: "s1", Kind: "tls", State: "fully_relaying"}}
	ts := testServer(t, ctrl)

	code, resp := do(t, ts, http.MethodGet, "/sessions", "")
	assert.Equal(t, http.StatusOK, code)
	data, ok := resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, data, 1)
	assert.Equal(t, "s1", data[0].(map[string]any)["id"])

	code, _ = do(t, ts, http.MethodDelete, "/sessions/s1", "")
	assert.Equal(t, http.StatusOK, code)

	code, resp = do(t, ts, http.MethodDelete, "/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, mperrors.ErrNoSession.Error(), resp.Message)
}

func TestInject(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		code int
		want *injectCall
	}{
		{
			name: "to client",
			body: `{"topic":"cmd","payload":"go","to_client":true}`,
			code: http.StatusOK,
			want: &injectCall{topic: "cmd", payload: "go", toClient: true},
		},
		{
			name: "addressed",
			body: `{"topic":"up","payload":"1","session":"s1"}`,
			code: http.StatusOK,
			want: &injectCall{session: "s1", topic: "up", payload: "1"},
		},
		{name: "missing topic", body: `{"payload":"x"}`, code: http.StatusBadRequest},
		{name: "bad json", body: `{`, code: http.StatusBadRequest},
		{name: "unknown field", body: `{"topic":"t","qos":1}`, code: http.StatusBadRequest},
		{name: "no session", body: `{"topic":"t"}`, err: mperrors.ErrNoSession, code: http.StatusNotFound},
		{name: "broker not connected", body: `{"topic":"t"}`, err: mperrors.ErrBrokerNotConnected, code: http.StatusConflict},
		{name: "unexpected", body: `{"topic":"t"}`, err: errors.New("boom"), code: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.err = tc.err
			ts := testServer(t, ctrl)

			code, _ := do(t, ts, http.MethodPost, "/inject", tc.body)
			assert.Equal(t, tc.code, code)
			if tc.want == nil {
				assert.Empty(t, ctrl.injects)
				return
			}
			require.Len(t, ctrl.injects, 1)
			assert.Equal(t, *tc.want, ctrl.injects[0])
		})
	}
}

func TestReplay(t *testing.T) {
	ctrl := newFakeController()
	raw, err := packet.EncodePublish("t", []byte("x"))
	require.NoError(t, err)
	ctrl.store.Add(store.Entry{Packet: packet.Decode(raw)})
	ts := testServer(t, ctrl)

	code, _ := do(t, ts, http.MethodPost, "/replay", `{"index":0}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []int{0}, ctrl.replays)

	code, resp := do(t, ts, http.MethodPost, "/replay", `{"index":5}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, mperrors.ErrInvalidIndex.Error(), resp.Message)
}

func TestCapture(t *testing.T) {
	ctrl := newFakeController()
	raw, err := packet.EncodePublish("sensors/temp", []byte("21.5"))
	require.NoError(t, err)
	ctrl.store.Add(store.Entry{SessionID: "s1", Direction: packet.Upstream, Packet: packet.Decode(raw)})
	ts := testServer(t, ctrl)

	code, resp := do(t, ts, http.MethodGet, "/capture", "")
	assert.Equal(t, http.StatusOK, code)
	data := resp.Data.([]any)
	require.Len(t, data, 1)
	rec := data[0].(map[string]any)
	assert.Equal(t, "PUBLISH", rec["type"])
	assert.Equal(t, "upstream", rec["direction"])
	assert.Equal(t, "21.5", rec["payload"])

	res, err := ts.Client().Get(ts.URL + "/capture.pcap")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/vnd.tcpdump.pcap", res.Header.Get("Content-Type"))
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	// Little-endian pcap magic.
	assert.True(t, bytes.HasPrefix(body, []byte{0xd4, 0xc3, 0xb2, 0xa1}))
}

func TestBroker(t *testing.T) {
	ctrl := newFakeController()
	ts := testServer(t, ctrl)

	code, resp := do(t, ts, http.MethodGet, "/broker", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "test.mosquitto.org:1883", resp.Data.(map[string]any)["target"])

	code, resp = do(t, ts, http.MethodPut, "/broker", `{"host":"broker.local","port":8883}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "broker.local:8883", resp.Data.(map[string]any)["target"])

	for _, body := range []string{`{"host":"","port":1883}`, `{"host":"b","port":0}`, `{"host":"b","port":70000}`} {
		code, _ = do(t, ts, http.MethodPut, "/broker", body)
		assert.Equal(t, http.StatusBadRequest, code, body)
	}
	assert.Equal(t, "broker.local:8883", ctrl.BrokerTarget())
}

func TestListeners(t *testing.T) {
	ctrl := newFakeController()
	ts := testServer(t, ctrl)

	code, _ := do(t, ts, http.MethodDelete, "/listeners", "")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = do(t, ts, http.MethodPost, "/listeners/plain", `{"host":"127.0.0.1","port":1883}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, ts, http.MethodPost, "/listeners/tls", `{"host":"127.0.0.1","port":8883}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"plain", "tls"}, ctrl.started)

	code, _ = do(t, ts, http.MethodPost, "/listeners/plain", `{"port":-1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, ts, http.MethodDelete, "/listeners", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, ctrl.stopped)

	ctrl.err = mperrors.ErrNoCredential
	code, _ = do(t, ts, http.MethodPost, "/listeners/tls", `{"port":8883}`)
	assert.Equal(t, http.StatusPreconditionFailed, code)

	ctrl.err = mperrors.ErrAlreadyRunning
	code, _ = do(t, ts, http.MethodPost, "/listeners/plain", `{"port":1883}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := testServer(t, newFakeController())

	res, err := ts.Client().Post(ts.URL+"/sessions", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestHealthRoutes(t *testing.T) {
	ts := testServer(t, newFakeController())

	for _, path := range []string{"/health", "/live"} {
		res, err := ts.Client().Get(ts.URL + path)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode, path)
	}
}

func TestStream(t *testing.T) {
	ctrl := newFakeController()
	ts := testServer(t, ctrl)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ctrl.subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctrl.emit(proxy.Event{SessionID: "s1", Direction: "upstream", Type: "PUBLISH", Topic: "t", Payload: "hi"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev proxy.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "PUBLISH", ev.Type)
	assert.Equal(t, "t", ev.Topic)
	assert.Equal(t, "hi", ev.Payload)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return ctrl.subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_DropsWhenFull(t *testing.T) {
	ctrl := newFakeController()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{Logger: logger, StreamBuffer: 1}, ctrl)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ctrl.subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			ctrl.emit(proxy.Event{Type: "PUBLISH"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observer blocked on a slow stream client")
	}
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{Logger: logger}, newFakeController())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + ln.Addr().String() + "/live")
		if err != nil {
			return false
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("console did not stop")
	}
}
