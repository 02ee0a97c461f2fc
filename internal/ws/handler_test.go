package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtspview/internal/codec"
	"rtspview/internal/database"
	"rtspview/internal/source"
	"rtspview/internal/stream"
)

const testTimeout = 3 * time.Second

type fakeStore struct {
	mu      sync.Mutex
	urls    map[string]string
	viewers map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{urls: make(map[string]string), viewers: make(map[string]int)}
}

func (f *fakeStore) SourceURL(id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url, ok := f.urls[id]
	if !ok {
		return "", database.ErrNotFound
	}
	return url, nil
}

func (f *fakeStore) ViewerJoined(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewers[id]++
	return nil
}

func (f *fakeStore) ViewerLeft(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewers[id]--
	return nil
}

func (f *fakeStore) viewerCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewers[id]
}

type fixture struct {
	registry *stream.Registry
	store    *fakeStore
	hub      *Hub
	server   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	// Every source resolves to the generated test pattern
	connector := source.NewConnectorWithLadder(func(source.Descriptor) []source.Strategy {
		return []source.Strategy{source.NewSynthetic(50)}
	})
	opts := stream.DefaultOptions()
	opts.RetryBackoff = time.Millisecond

	f := &fixture{
		registry: stream.NewRegistry(connector, codec.New(0, 0), opts),
		store:    newFakeStore(),
		hub:      NewHub(),
	}
	f.server = httptest.NewServer(NewHandler(f.registry, f.store, f.hub, DefaultOptions()))
	t.Cleanup(func() {
		f.hub.CloseAll("test done")
		f.registry.Shutdown()
		f.server.Close()
	})
	return f
}

func (f *fixture) dial(t *testing.T, streamID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + PathPrefix + streamID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := readMessage(t, conn)
	require.Equal(t, stream.TypeConnectionEstablished, msg.Type)
	require.Equal(t, streamID, msg.StreamID)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func readMessage(t *testing.T, conn *websocket.Conn) stream.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	var msg stream.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips messages, frames included, until one of the given type arrives
func readUntil(t *testing.T, conn *websocket.Conn, typ string) stream.Message {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %q message within %v", typ, testTimeout)
	return stream.Message{}
}

func TestConnectionIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.dial(t, "cam-1")

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, testTimeout, 10*time.Millisecond)
	assert.Equal(t, []string{"cam-1"}, f.hub.Streams())
}

func TestStartStreamDeliversFrames(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "cam-1")

	send(t, conn, Command{Type: CommandStartStream, RTSPURL: "rtsp://unreachable/stream"})

	started := readMessage(t, conn)
	assert.Equal(t, stream.TypeStreamStarted, started.Type)
	assert.Equal(t, "Demo mode: Generating test pattern (real stream unavailable)", started.Message)

	frame := readMessage(t, conn)
	assert.Equal(t, stream.TypeFrame, frame.Type)
	assert.Equal(t, "cam-1", frame.StreamID)
	assert.Equal(t, 320, frame.Width)
	assert.Equal(t, 240, frame.Height)
	assert.NotEmpty(t, frame.Frame)

	require.Eventually(t, func() bool { return f.store.viewerCount("cam-1") == 1 }, testTimeout, 10*time.Millisecond)
	p, ok := f.registry.Get("cam-1")
	require.True(t, ok)
	assert.Equal(t, "rtsp://unreachable/stream", p.Descriptor().URL)
}

func TestStartStreamResolvesURLFromStore(t *testing.T) {
	f := newFixture(t)
	f.store.urls["cam-db"] = "rtsp://cam/from-db"
	conn := f.dial(t, "cam-db")

	send(t, conn, map[string]string{"type": CommandStartStream})
	readUntil(t, conn, stream.TypeStreamStarted)

	p, ok := f.registry.Get("cam-db")
	require.True(t, ok)
	assert.Equal(t, "rtsp://cam/from-db", p.Descriptor().URL)
}

func TestStartStreamWithoutURLOrRecord(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "unknown")

	send(t, conn, map[string]string{"type": CommandStartStream})

	msg := readMessage(t, conn)
	assert.Equal(t, stream.TypeError, msg.Type)
	assert.Equal(t, errNoSourceURL, msg.Message)
	assert.Equal(t, 0, f.registry.Len())
}

func TestMalformedAndUnknownCommands(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "cam-1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readMessage(t, conn)
	assert.Equal(t, stream.TypeError, msg.Type)
	assert.Equal(t, "Invalid JSON message", msg.Message)

	send(t, conn, map[string]string{"type": "rewind"})
	msg = readMessage(t, conn)
	assert.Equal(t, stream.TypeError, msg.Type)
	assert.Equal(t, "Unknown message type: rewind", msg.Message)
}

func TestControlsRequireActiveStream(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "cam-1")

	for _, typ := range []string{CommandPause, CommandPlay} {
		send(t, conn, map[string]string{"type": typ})
		msg := readMessage(t, conn)
		assert.Equal(t, stream.TypeError, msg.Type)
		assert.Equal(t, errNoStream, msg.Message)
	}

	send(t, conn, map[string]any{"type": CommandSetSpeed, "speed": 2.0})
	msg := readMessage(t, conn)
	assert.Equal(t, errNoStream, msg.Message)
}

func TestPlaybackControls(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "cam-1")

	send(t, conn, Command{Type: CommandStartStream, RTSPURL: "rtsp://unreachable/stream"})
	readUntil(t, conn, stream.TypeStreamStarted)

	send(t, conn, map[string]any{"type": CommandSetSpeed, "speed": 10.0})
	msg := readUntil(t, conn, stream.TypeError)
	assert.Contains(t, msg.Message, "speed")

	send(t, conn, map[string]any{"type": CommandSetSpeed})
	msg = readUntil(t, conn, stream.TypeError)
	assert.Equal(t, errMissingSpeed, msg.Message)

	send(t, conn, map[string]any{"type": CommandSetSpeed, "speed": 2.0})
	msg = readUntil(t, conn, stream.TypeSpeedChanged)
	require.NotNil(t, msg.Speed)
	assert.Equal(t, 2.0, *msg.Speed)

	send(t, conn, map[string]string{"type": CommandPause})
	readUntil(t, conn, stream.TypeStreamPaused)
	send(t, conn, map[string]string{"type": CommandPlay})
	readUntil(t, conn, stream.TypeStreamResumed)

	p, ok := f.registry.Get("cam-1")
	require.True(t, ok)
	snap := p.Snapshot()
	assert.False(t, snap.Paused)
	assert.Equal(t, 2.0, snap.Speed)
}

func TestStopStreamDetachesClient(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "cam-1")

	send(t, conn, Command{Type: CommandStartStream, RTSPURL: "rtsp://unreachable/stream"})
	readUntil(t, conn, stream.TypeFrame)

	send(t, conn, map[string]string{"type": CommandStopStream})
	msg := readUntil(t, conn, stream.TypeStreamStopped)
	assert.Equal(t, "Stream stopped", msg.Message)

	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 0, f.store.viewerCount("cam-1"))
}

func TestDisconnectReleasesStream(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "cam-1")

	send(t, conn, Command{Type: CommandStartStream, RTSPURL: "rtsp://unreachable/stream"})
	readUntil(t, conn, stream.TypeFrame)
	conn.Close()

	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, testTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 0 }, testTimeout, 10*time.Millisecond)
	assert.Equal(t, 0, f.store.viewerCount("cam-1"))
}

func TestViewersShareOneProcessor(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, "shared")
	b := f.dial(t, "shared")

	send(t, a, Command{Type: CommandStartStream, RTSPURL: "rtsp://unreachable/stream"})
	readUntil(t, a, stream.TypeFrame)
	send(t, b, Command{Type: CommandStartStream, RTSPURL: "rtsp://unreachable/stream"})
	readUntil(t, b, stream.TypeFrame)

	assert.Equal(t, 1, f.registry.Len())
	p, ok := f.registry.Get("shared")
	require.True(t, ok)
	assert.Equal(t, 2, p.Snapshot().Subscribers)
	require.Eventually(t, func() bool { return f.store.viewerCount("shared") == 2 }, testTimeout, 10*time.Millisecond)

	// one viewer leaving keeps the stream alive for the other
	send(t, a, map[string]string{"type": CommandStopStream})
	readUntil(t, a, stream.TypeStreamStopped)
	readUntil(t, b, stream.TypeFrame)
	assert.Equal(t, 1, f.registry.Len())
}

func TestMissingStreamIDIsRejected(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + PathPrefix
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestCommandDecoding(t *testing.T) {
	cmd, err := decodeCommand([]byte(`{"type":"start_stream","rtsp_url":"rtsp://x","audio":true}`))
	require.NoError(t, err)
	assert.Equal(t, CommandStartStream, cmd.Type)
	assert.Equal(t, "rtsp://x", cmd.RTSPURL)
	assert.True(t, cmd.Audio)
	assert.Nil(t, cmd.Speed)

	cmd, err = decodeCommand([]byte(`{"type":"set_speed","speed":0.5}`))
	require.NoError(t, err)
	require.NotNil(t, cmd.Speed)
	assert.Equal(t, 0.5, *cmd.Speed)

	_, err = decodeCommand([]byte(`[]`))
	assert.Error(t, err)

	raw, err := json.Marshal(Command{Type: CommandStopStream})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stop_stream"}`, string(raw))
}
