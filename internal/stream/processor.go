package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"rtspview/internal/codec"
	"rtspview/internal/source"
)

// Playback speed bounds
const (
	MinSpeed     = 0.25
	MaxSpeed     = 4.0
	DefaultSpeed = 1.0
)

// ConnectionLost is sent to subscribers when reads keep failing
const ConnectionLost = "connection lost after repeated failures"

// Connector opens a frame source for a stream
type Connector interface {
	Connect(ctx context.Context, desc source.Descriptor) (source.FrameSource, error)
}

// Encoder turns a decoded frame into a wire-ready JPEG
type Encoder interface {
	Encode(img image.Image) (*codec.EncodedFrame, error)
}

// Options tunes the processor loop
type Options struct {
	MaxReadFailures int
	RetryBackoff    time.Duration
	PausedDelay     time.Duration
	QueueSize       int
	Debug           bool // log every frame instead of every 100th
}

// DefaultOptions returns the stock loop settings
func DefaultOptions() Options {
	return Options{
		MaxReadFailures: 10,
		RetryBackoff:    100 * time.Millisecond,
		PausedDelay:     100 * time.Millisecond,
		QueueSize:       32,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxReadFailures <= 0 {
		o.MaxReadFailures = d.MaxReadFailures
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = d.RetryBackoff
	}
	if o.PausedDelay <= 0 {
		o.PausedDelay = d.PausedDelay
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	return o
}

// Snapshot is a point-in-time view of a processor
type Snapshot struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Running     bool      `json:"running"`
	Paused      bool      `json:"paused"`
	Speed       float64   `json:"speed"`
	Subscribers int       `json:"subscribers"`
	Failures    int       `json:"consecutive_failures"`
	Source      string    `json:"source,omitempty"`
	FramesSent  uint64    `json:"frames_sent"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// Processor runs the capture loop for one stream and fans frames out
// to its subscribers. Once stopped it is retired and never restarts.
type Processor struct {
	desc      source.Descriptor
	connector Connector
	encoder   Encoder
	opts      Options
	onRetire  func(*Processor)

	mu          sync.Mutex
	running     bool
	retired     bool
	paused      bool
	speed       float64
	failures    int
	subscribers map[Channel]*subscriber
	cancel      context.CancelFunc
	done        chan struct{}
	sourceName  string
	framesSent  uint64
	startedAt   time.Time
	lastFrame   *codec.EncodedFrame

	// set when the last subscriber was dropped for a failed delivery
	droppedCh  Channel
	droppedErr error
}

// NewProcessor creates an idle processor. onRetire, when set, is called once
// after the processor stops for good.
func NewProcessor(desc source.Descriptor, connector Connector, encoder Encoder, opts Options, onRetire func(*Processor)) *Processor {
	return &Processor{
		desc:        desc,
		connector:   connector,
		encoder:     encoder,
		opts:        opts.withDefaults(),
		onRetire:    onRetire,
		speed:       DefaultSpeed,
		subscribers: make(map[Channel]*subscriber),
	}
}

// ID returns the stream identifier
func (p *Processor) ID() string {
	return p.desc.ID
}

// Descriptor returns the stream descriptor the processor was created with
func (p *Processor) Descriptor() source.Descriptor {
	return p.desc
}

// Start launches the capture loop. Starting a running processor is a no-op.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.retired {
		return ErrRetired
	}
	if p.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	p.failures = 0
	p.startedAt = time.Now()

	go p.run(ctx, p.done)

	log.Printf("[StreamProcessor] Started stream %s (%s)", p.desc.ID, p.desc.URL)
	return nil
}

// Stop ends the loop, notifies subscribers and retires the processor.
// It waits for the loop to exit.
func (p *Processor) Stop() {
	p.shutdown("Stream has been stopped", nil, true)
}

// Done is closed when the capture loop has exited. It is nil before Start.
func (p *Processor) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// AddSubscriber registers a channel. Adding the same channel twice is a no-op.
func (p *Processor) AddSubscriber(ch Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.retired {
		return ErrRetired
	}
	if _, ok := p.subscribers[ch]; ok {
		return nil
	}
	p.subscribers[ch] = newSubscriber(ch, p.opts.QueueSize, p.deliveryFailed)

	log.Printf("[StreamProcessor] Stream %s: subscriber %s added (%d total)", p.desc.ID, ch.ID(), len(p.subscribers))
	return nil
}

// RemoveSubscriber detaches a channel and drops anything still queued for it.
// When the last subscriber leaves the processor stops and retires.
func (p *Processor) RemoveSubscriber(ch Channel) {
	p.mu.Lock()
	s, ok := p.subscribers[ch]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.subscribers, ch)
	remaining := len(p.subscribers)
	p.mu.Unlock()

	s.close(false)
	log.Printf("[StreamProcessor] Stream %s: subscriber %s removed (%d remaining)", p.desc.ID, ch.ID(), remaining)

	if remaining == 0 {
		p.retireIfEmpty()
	}
}

func (p *Processor) deliveryFailed(s *subscriber, err error) {
	p.mu.Lock()
	if p.subscribers[s.ch] != s {
		p.mu.Unlock()
		return
	}
	delete(p.subscribers, s.ch)
	remaining := len(p.subscribers)
	if remaining == 0 {
		p.droppedCh, p.droppedErr = s.ch, err
	}
	p.mu.Unlock()

	s.close(false)
	log.Printf("[StreamProcessor] Stream %s: dropping subscriber: %v", p.desc.ID, err)

	if remaining == 0 {
		p.retireIfEmpty()
	}
}

// dropCause returns the delivery error of ch when dropping ch left the
// processor without subscribers
func (p *Processor) dropCause(ch Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.droppedCh != ch {
		return nil
	}
	return p.droppedErr
}

// retireIfEmpty re-checks emptiness under the same lock that retires the
// processor, so a subscriber attached in between keeps the stream alive.
func (p *Processor) retireIfEmpty() {
	p.mu.Lock()
	if p.retired || len(p.subscribers) > 0 {
		p.mu.Unlock()
		return
	}
	r := p.retireLocked()
	p.mu.Unlock()

	p.complete(r, "No subscribers left", nil, true)
}

// SetPaused toggles playback. While paused frames are read and discarded.
func (p *Processor) SetPaused(paused bool) error {
	p.mu.Lock()
	if p.retired {
		p.mu.Unlock()
		return ErrRetired
	}
	p.paused = paused
	p.mu.Unlock()

	if paused {
		p.broadcast(NewPausedMessage(p.desc.ID))
	} else {
		p.broadcast(NewResumedMessage(p.desc.ID))
	}
	return nil
}

// SetPlaybackSpeed changes the pacing multiplier. Values outside
// [MinSpeed, MaxSpeed] are rejected and leave the current speed untouched.
func (p *Processor) SetPlaybackSpeed(speed float64) error {
	if math.IsNaN(speed) || speed < MinSpeed || speed > MaxSpeed {
		return &ValidationError{
			Field:  "speed",
			Reason: fmt.Sprintf("%g is outside [%g, %g]", speed, MinSpeed, MaxSpeed),
		}
	}

	p.mu.Lock()
	if p.retired {
		p.mu.Unlock()
		return ErrRetired
	}
	p.speed = speed
	p.mu.Unlock()

	p.broadcast(NewSpeedChangedMessage(p.desc.ID, speed))
	return nil
}

// Snapshot reports the current processor state
func (p *Processor) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Snapshot{
		ID:          p.desc.ID,
		URL:         p.desc.URL,
		Running:     p.running,
		Paused:      p.paused,
		Speed:       p.speed,
		Subscribers: len(p.subscribers),
		Failures:    p.failures,
		Source:      p.sourceName,
		FramesSent:  p.framesSent,
		StartedAt:   p.startedAt,
	}
}

// LastFrame returns the most recently encoded frame, or nil before the first one
func (p *Processor) LastFrame() *codec.EncodedFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFrame
}

// FrameDelay is the pause between frames for a source interval at a given speed
func FrameDelay(interval time.Duration, speed float64) time.Duration {
	if speed <= 0 {
		speed = DefaultSpeed
	}
	return time.Duration(float64(interval) / speed)
}

func (p *Processor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	id := p.desc.ID
	if p.desc.Audio {
		log.Printf("[StreamProcessor] Stream %s: audio requested, only video is delivered", id)
	}

	src, err := p.connector.Connect(ctx, p.desc)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("[StreamProcessor] Stream %s: connect failed: %v", id, err)
		p.shutdown("Stream could not be opened",
			[]Message{NewErrorMessage(id, fmt.Sprintf("Failed to connect to stream: %v", err))}, false)
		return
	}
	defer src.Close()

	p.mu.Lock()
	p.sourceName = src.Name()
	p.mu.Unlock()

	text := "Stream connected successfully"
	if src.Synthetic() {
		text = "Demo mode: Generating test pattern (real stream unavailable)"
	}
	p.broadcast(NewStreamStartedMessage(id, text))
	log.Printf("[StreamProcessor] Stream %s: reading from %s", id, src.Name())

	lastTick := time.Now()
	for {
		frame, err := src.Next(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Printf("[StreamProcessor] Stream %s: source ended", id)
				p.shutdown("Stream ended", nil, false)
				return
			}

			n := p.readFailed()
			log.Printf("[StreamProcessor] Stream %s: read failed (%d/%d): %v", id, n, p.opts.MaxReadFailures, err)
			if n >= p.opts.MaxReadFailures {
				p.shutdown("Stream stopped after repeated read failures",
					[]Message{NewErrorMessage(id, ConnectionLost)}, false)
				return
			}
			if !sleep(ctx, p.opts.RetryBackoff) {
				return
			}
			continue
		}

		paused, speed := p.readSucceeded()
		if paused {
			if !sleep(ctx, p.opts.PausedDelay) {
				return
			}
			lastTick = time.Now()
			continue
		}

		encoded, err := p.encoder.Encode(frame.Image)
		if err != nil {
			log.Printf("[StreamProcessor] Stream %s: encode failed: %v", id, err)
			continue
		}
		p.mu.Lock()
		p.lastFrame = encoded
		p.mu.Unlock()

		delivered := p.broadcast(NewFrameMessage(id, encoded))
		if sent := p.sent(); p.opts.Debug {
			log.Printf("[StreamProcessor] Stream %s: frame %d %dx%d (%d bytes) to %d subscribers",
				id, sent, encoded.Width, encoded.Height, len(encoded.Data), delivered)
		} else if sent%100 == 0 {
			log.Printf("[StreamProcessor] Stream %s: sent %d frames", id, sent)
		}

		if wait := time.Until(lastTick.Add(FrameDelay(src.Interval(), speed))); wait > 0 {
			if !sleep(ctx, wait) {
				return
			}
		}
		lastTick = time.Now()
	}
}

func (p *Processor) readFailed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	return p.failures
}

func (p *Processor) readSucceeded() (paused bool, speed float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
	return p.paused, p.speed
}

func (p *Processor) sent() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framesSent
}

func (p *Processor) broadcast(msg Message) int {
	p.mu.Lock()
	subs := make([]*subscriber, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		subs = append(subs, s)
	}
	if msg.IsFrame() {
		p.framesSent++
	}
	p.mu.Unlock()

	delivered := 0
	for _, s := range subs {
		if s.enqueue(msg) {
			delivered++
		}
	}
	return delivered
}

// shutdown retires the processor exactly once. notices go out before the
// stream_stopped message and every subscriber queue is flushed, not dropped.
func (p *Processor) shutdown(reason string, notices []Message, wait bool) {
	p.mu.Lock()
	if p.retired {
		p.mu.Unlock()
		return
	}
	r := p.retireLocked()
	p.mu.Unlock()

	p.complete(r, reason, notices, wait)
}

type retirement struct {
	cancel context.CancelFunc
	done   chan struct{}
	subs   map[Channel]*subscriber
}

func (p *Processor) retireLocked() retirement {
	r := retirement{cancel: p.cancel, done: p.done, subs: p.subscribers}
	p.retired = true
	p.running = false
	p.subscribers = make(map[Channel]*subscriber)
	return r
}

func (p *Processor) complete(r retirement, reason string, notices []Message, wait bool) {
	if r.cancel != nil {
		r.cancel()
	}

	stopped := NewStreamStoppedMessage(p.desc.ID, reason)
	final := append(append([]Message(nil), notices...), stopped)
	for _, s := range r.subs {
		s.finish(final...)
	}

	if wait && r.done != nil {
		<-r.done
	}

	log.Printf("[StreamProcessor] Stopped stream %s: %s", p.desc.ID, reason)

	if p.onRetire != nil {
		p.onRetire(p)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
