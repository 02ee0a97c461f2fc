package stream

import (
	"context"
	"errors"
	"image"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtspview/internal/codec"
	"rtspview/internal/source"
)

const waitTimeout = 2 * time.Second

type fakeChannel struct {
	id      string
	err     error
	gate    chan struct{}
	entered chan struct{}

	mu   sync.Mutex
	msgs []Message
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id}
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Deliver(msg Message) error {
	if c.entered != nil {
		select {
		case c.entered <- struct{}{}:
		default:
		}
	}
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeChannel) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func (c *fakeChannel) types() []string {
	var out []string
	for _, m := range c.messages() {
		out = append(out, m.Type)
	}
	return out
}

func (c *fakeChannel) count(typ string) int {
	n := 0
	for _, m := range c.messages() {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func (c *fakeChannel) last() Message {
	msgs := c.messages()
	if len(msgs) == 0 {
		return Message{}
	}
	return msgs[len(msgs)-1]
}

type scriptedSource struct {
	script    func(call int) (*source.Frame, error)
	synthetic bool
	interval  time.Duration
	closed    atomic.Bool

	mu    sync.Mutex
	calls int
}

func (s *scriptedSource) Next(ctx context.Context) (*source.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	return s.script(n)
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedSource) Interval() time.Duration {
	if s.interval > 0 {
		return s.interval
	}
	return time.Millisecond
}

func (s *scriptedSource) Name() string    { return "scripted" }
func (s *scriptedSource) Synthetic() bool { return s.synthetic }
func (s *scriptedSource) Close() error    { s.closed.Store(true); return nil }

func testFrame() *source.Frame {
	return &source.Frame{Image: image.NewRGBA(image.Rect(0, 0, 16, 8)), CapturedAt: time.Now()}
}

func endless() *scriptedSource {
	return &scriptedSource{script: func(int) (*source.Frame, error) { return testFrame(), nil }}
}

type fakeConnector struct {
	src   source.FrameSource
	err   error
	calls atomic.Int32
}

func (c *fakeConnector) Connect(ctx context.Context, desc source.Descriptor) (source.FrameSource, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.src, nil
}

func testOptions() Options {
	return Options{
		MaxReadFailures: 10,
		RetryBackoff:    time.Millisecond,
		PausedDelay:     time.Millisecond,
		QueueSize:       32,
	}
}

func newTestRegistry(conn Connector) *Registry {
	return NewRegistry(conn, codec.New(codec.DefaultMaxWidth, codec.DefaultQuality), testOptions())
}

func waitForType(t *testing.T, ch *fakeChannel, typ string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.count(typ) >= n }, waitTimeout, 5*time.Millisecond,
		"expected %d %q messages, got %v", n, typ, ch.types())
}

func TestFrameDelayScalesWithSpeed(t *testing.T) {
	base := 200 * time.Millisecond
	assert.Equal(t, 200*time.Millisecond, FrameDelay(base, 1.0))
	assert.Equal(t, 100*time.Millisecond, FrameDelay(base, 2.0))
	assert.Equal(t, 800*time.Millisecond, FrameDelay(base, 0.25))
	assert.Equal(t, 50*time.Millisecond, FrameDelay(base, 4.0))
}

// framesIn counts frames broadcast during one window
func framesIn(p *Processor, window time.Duration) uint64 {
	before := p.Snapshot().FramesSent
	time.Sleep(window)
	return p.Snapshot().FramesSent - before
}

func TestSpeedChangeTakesEffectOnNextTick(t *testing.T) {
	src := endless()
	src.interval = 50 * time.Millisecond
	reg := newTestRegistry(&fakeConnector{src: src})
	ch := newFakeChannel("c1")

	p, err := reg.Attach(source.Descriptor{ID: "s1", URL: "rtsp://cam/1"}, ch)
	require.NoError(t, err)
	defer p.Stop()
	waitForType(t, ch, TypeFrame, 1)

	const window = 600 * time.Millisecond
	normal := framesIn(p, window)
	assert.InDelta(t, 12, float64(normal), 4, "frames at 1x")

	require.NoError(t, p.SetPlaybackSpeed(2.0))
	time.Sleep(src.interval)
	fast := framesIn(p, window)

	ratio := float64(fast) / float64(normal)
	assert.True(t, ratio > 1.5 && ratio < 2.6, "2x gave %d frames against %d at 1x", fast, normal)

	// Pausing and resuming keeps the configured pace
	require.NoError(t, p.SetPaused(true))
	time.Sleep(200 * time.Millisecond)
	paused := framesIn(p, 100*time.Millisecond)
	assert.Zero(t, paused)

	require.NoError(t, p.SetPaused(false))
	time.Sleep(src.interval)
	resumed := framesIn(p, window)

	ratio = float64(resumed) / float64(fast)
	assert.True(t, ratio > 0.75 && ratio < 1.3, "after resume gave %d frames against %d before pause", resumed, fast)
	assert.Equal(t, 2.0, p.Snapshot().Speed)
}

func TestSetPlaybackSpeedRejectsOutOfRange(t *testing.T) {
	p := NewProcessor(source.Descriptor{ID: "s1"}, &fakeConnector{}, codec.New(0, 0), testOptions(), nil)

	for _, v := range []float64{0, 0.1, 4.01, 5.0, -1, math.NaN()} {
		err := p.SetPlaybackSpeed(v)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "speed %v", v)
		assert.Equal(t, "speed", verr.Field)
		assert.Equal(t, DefaultSpeed, p.Snapshot().Speed)
	}

	require.NoError(t, p.SetPlaybackSpeed(0.25))
	require.NoError(t, p.SetPlaybackSpeed(4.0))
	assert.Equal(t, 4.0, p.Snapshot().Speed)
}

func TestSpeedChangeIsBroadcast(t *testing.T) {
	p := NewProcessor(source.Descriptor{ID: "s1"}, &fakeConnector{}, codec.New(0, 0), testOptions(), nil)
	ch := newFakeChannel("c1")
	require.NoError(t, p.AddSubscriber(ch))

	require.NoError(t, p.SetPlaybackSpeed(2.0))
	waitForType(t, ch, TypeSpeedChanged, 1)

	msg := ch.last()
	require.NotNil(t, msg.Speed)
	assert.Equal(t, 2.0, *msg.Speed)
	assert.Equal(t, "Playback speed set to 2x", msg.Message)
}

func TestPauseAndResumeKeepSpeed(t *testing.T) {
	p := NewProcessor(source.Descriptor{ID: "s1"}, &fakeConnector{}, codec.New(0, 0), testOptions(), nil)
	ch := newFakeChannel("c1")
	require.NoError(t, p.AddSubscriber(ch))

	require.NoError(t, p.SetPlaybackSpeed(2.0))
	require.NoError(t, p.SetPaused(true))
	assert.True(t, p.Snapshot().Paused)
	require.NoError(t, p.SetPaused(false))

	snap := p.Snapshot()
	assert.False(t, snap.Paused)
	assert.Equal(t, 2.0, snap.Speed)

	waitForType(t, ch, TypeStreamResumed, 1)
	assert.Equal(t, []string{TypeSpeedChanged, TypeStreamPaused, TypeStreamResumed}, ch.types())
}

func TestPausedProcessorSendsNoFrames(t *testing.T) {
	src := endless()
	reg := newTestRegistry(&fakeConnector{src: src})
	ch := newFakeChannel("c1")

	p := reg.GetOrCreate(source.Descriptor{ID: "s1", URL: "rtsp://cam/1"})
	require.NoError(t, p.AddSubscriber(ch))
	require.NoError(t, p.SetPaused(true))
	require.NoError(t, p.Start())
	defer p.Stop()

	require.Eventually(t, func() bool { return src.Calls() > 5 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 0, ch.count(TypeFrame))

	require.NoError(t, p.SetPaused(false))
	waitForType(t, ch, TypeFrame, 1)
}

func TestProcessorDeliversFrames(t *testing.T) {
	src := endless()
	reg := newTestRegistry(&fakeConnector{src: src})
	ch := newFakeChannel("c1")

	p, err := reg.Attach(source.Descriptor{ID: "s1", URL: "rtsp://cam/1"}, ch)
	require.NoError(t, err)
	defer p.Stop()

	waitForType(t, ch, TypeFrame, 3)

	msgs := ch.messages()
	assert.Equal(t, TypeStreamStarted, msgs[0].Type)
	assert.Equal(t, "Stream connected successfully", msgs[0].Message)

	frame := msgs[1]
	assert.Equal(t, "s1", frame.StreamID)
	assert.Equal(t, 16, frame.Width)
	assert.Equal(t, 8, frame.Height)
	assert.NotEmpty(t, frame.Frame)
	assert.NotNil(t, frame.Timestamp)

	snap := p.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "scripted", snap.Source)
	assert.Equal(t, 1, snap.Subscribers)
}

func TestSyntheticSourceAnnouncesDemoMode(t *testing.T) {
	src := endless()
	src.synthetic = true
	reg := newTestRegistry(&fakeConnector{src: src})
	ch := newFakeChannel("c1")

	p, err := reg.Attach(source.Descriptor{ID: "s1", URL: "rtsp://bad/1"}, ch)
	require.NoError(t, err)
	defer p.Stop()

	waitForType(t, ch, TypeStreamStarted, 1)
	assert.Equal(t, "Demo mode: Generating test pattern (real stream unavailable)", ch.messages()[0].Message)
}

func TestConnectFailureReportsErrorAndStops(t *testing.T) {
	reg := newTestRegistry(&fakeConnector{err: errors.New("all strategies failed")})
	ch := newFakeChannel("c1")

	p, err := reg.Attach(source.Descriptor{ID: "s1", URL: "rtsp://cam/1"}, ch)
	require.NoError(t, err)

	waitForType(t, ch, TypeStreamStopped, 1)
	assert.Equal(t, []string{TypeError, TypeStreamStopped}, ch.types())
	assert.Equal(t, "Failed to connect to stream: all strategies failed", ch.messages()[0].Message)

	<-p.Done()
	assert.Equal(t, 0, reg.Len())
}

func TestFailingSubscriberIsRemoved(t *testing.T) {
	reg := newTestRegistry(&fakeConnector{src: endless()})
	good := newFakeChannel("good")
	bad := newFakeChannel("bad")
	bad.err = errors.New("broken pipe")

	desc := source.Descriptor{ID: "s1", URL: "rtsp://cam/1"}
	p, err := reg.Attach(desc, good)
	require.NoError(t, err)
	defer p.Stop()
	_, err = reg.Attach(desc, bad)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.Snapshot().Subscribers == 1 }, waitTimeout, 5*time.Millisecond)

	before := good.count(TypeFrame)
	waitForType(t, good, TypeFrame, before+3)
	assert.True(t, p.Snapshot().Running)
	assert.Empty(t, bad.messages())
}

func TestRepeatedReadFailuresStopStream(t *testing.T) {
	src := &scriptedSource{script: func(int) (*source.Frame, error) {
		return nil, errors.New("read timeout")
	}}
	reg := newTestRegistry(&fakeConnector{src: src})
	ch := newFakeChannel("c1")

	p, err := reg.Attach(source.Descriptor{ID: "s1", URL: "rtsp://cam/1"}, ch)
	require.NoError(t, err)

	waitForType(t, ch, TypeStreamStopped, 1)
	<-p.Done()

	assert.Equal(t, []string{TypeStreamStarted, TypeError, TypeStreamStopped}, ch.types())
	assert.Equal(t, ConnectionLost, ch.messages()[1].Message)
	assert.Equal(t, 10, src.Calls())
	assert.True(t, src.closed.Load())
	assert.Equal(t, 0, reg.Len())
}

func TestSuccessfulReadResetsFailureCount(t *testing.T) {
	src := &scriptedSource{script: func(n int) (*source.Frame, error) {
		switch {
		case n <= 9:
			return nil, errors.New("glitch")
		case n == 10:
			return testFrame(), nil
		case n <= 19:
			return nil, errors.New("glitch")
		default:
			return nil, io.EOF
		}
	}}
	reg := newTestRegistry(&fakeConnector{src: src})
	ch := newFakeChannel("c1")

	p, err := reg.Attach(source.Descriptor{ID: "s1", URL: "/srv/clip.mp4"}, ch)
	require.NoError(t, err)

	waitForType(t, ch, TypeStreamStopped, 1)
	<-p.Done()

	assert.Equal(t, []string{TypeStreamStarted, TypeFrame, TypeStreamStopped}, ch.types())
	assert.Equal(t, "Stream ended", ch.last().Message)
	assert.Equal(t, 20, src.Calls())
}

func TestRemovingLastSubscriberRetiresProcessor(t *testing.T) {
	src := endless()
	reg := newTestRegistry(&fakeConnector{src: src})
	ch := newFakeChannel("c1")
	desc := source.Descriptor{ID: "s1", URL: "rtsp://cam/1"}

	p, err := reg.Attach(desc, ch)
	require.NoError(t, err)
	waitForType(t, ch, TypeFrame, 1)

	p.RemoveSubscriber(ch)

	select {
	case <-p.Done():
	case <-time.After(waitTimeout):
		t.Fatal("processor loop did not exit")
	}
	assert.False(t, p.Snapshot().Running)
	assert.ErrorIs(t, p.Start(), ErrRetired)
	assert.ErrorIs(t, p.AddSubscriber(ch), ErrRetired)

	_, ok := reg.Get("s1")
	assert.False(t, ok)

	next, err := reg.Attach(desc, ch)
	require.NoError(t, err)
	defer next.Stop()
	assert.NotSame(t, p, next)
}

func TestRemovingSubscriberFromIdleProcessorDeregisters(t *testing.T) {
	reg := newTestRegistry(&fakeConnector{src: endless()})
	ch := newFakeChannel("c1")

	p := reg.GetOrCreate(source.Descriptor{ID: "s1", URL: "rtsp://cam/1"})
	require.NoError(t, p.AddSubscriber(ch))
	p.RemoveSubscriber(ch)

	assert.Equal(t, 0, reg.Len())
	assert.ErrorIs(t, p.Start(), ErrRetired)
}

func TestRemoveUnknownSubscriberIsNoop(t *testing.T) {
	reg := newTestRegistry(&fakeConnector{src: endless()})
	p := reg.GetOrCreate(source.Descriptor{ID: "s1"})
	require.NoError(t, p.AddSubscriber(newFakeChannel("a")))

	p.RemoveSubscriber(newFakeChannel("b"))
	assert.Equal(t, 1, p.Snapshot().Subscribers)
	assert.Equal(t, 1, reg.Len())
}

func TestStopNotifiesSubscribers(t *testing.T) {
	reg := newTestRegistry(&fakeConnector{src: endless()})
	a := newFakeChannel("a")
	b := newFakeChannel("b")
	desc := source.Descriptor{ID: "s1", URL: "rtsp://cam/1"}

	_, err := reg.Attach(desc, a)
	require.NoError(t, err)
	p, err := reg.Attach(desc, b)
	require.NoError(t, err)
	waitForType(t, a, TypeFrame, 1)

	require.NoError(t, reg.Stop("s1"))

	waitForType(t, a, TypeStreamStopped, 1)
	waitForType(t, b, TypeStreamStopped, 1)
	assert.Equal(t, "Stream has been stopped", a.last().Message)
	assert.Equal(t, TypeStreamStopped, b.last().Type)
	assert.False(t, p.Snapshot().Running)
	assert.Equal(t, 0, reg.Len())

	// a second stop is harmless
	p.Stop()
	assert.ErrorIs(t, reg.Stop("s1"), ErrNotFound)
}

func TestSubscriberQueueDropsFramesButKeepsControl(t *testing.T) {
	ch := newFakeChannel("slow")
	ch.gate = make(chan struct{})
	ch.entered = make(chan struct{}, 1)

	s := newSubscriber(ch, 2, nil)
	frame := func(tag string) Message { return Message{Type: TypeFrame, Message: tag} }

	require.True(t, s.enqueue(frame("f1")))
	select {
	case <-ch.entered:
	case <-time.After(waitTimeout):
		t.Fatal("delivery goroutine never picked up the first frame")
	}

	assert.True(t, s.enqueue(frame("f2")))
	assert.True(t, s.enqueue(frame("f3")))
	assert.False(t, s.enqueue(frame("f4")))
	assert.True(t, s.enqueue(NewPausedMessage("s1")))

	close(ch.gate)
	s.close(true)
	<-s.done

	var got []string
	for _, m := range ch.messages() {
		if m.IsFrame() {
			got = append(got, m.Message)
		} else {
			got = append(got, m.Type)
		}
	}
	assert.Equal(t, []string{"f1", "f3", TypeStreamPaused}, got)
	assert.Equal(t, uint64(2), s.dropped.Load())
}

func TestSubscriberCloseWithoutFlushDiscards(t *testing.T) {
	ch := newFakeChannel("c")
	ch.gate = make(chan struct{})
	ch.entered = make(chan struct{}, 1)

	s := newSubscriber(ch, 4, nil)
	require.True(t, s.enqueue(NewPausedMessage("s1")))
	<-ch.entered
	require.True(t, s.enqueue(NewResumedMessage("s1")))

	s.close(false)
	assert.False(t, s.enqueue(NewResumedMessage("s1")))
	close(ch.gate)
	<-s.done

	assert.Equal(t, []string{TypeStreamPaused}, ch.types())
}
