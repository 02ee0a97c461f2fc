package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"rtspview/internal/services"
	"rtspview/internal/stream"
	"rtspview/internal/ws"
)

func main() {
	var (
		addrF    = pflag.StringP("url", "u", "http://localhost:8080", "Server URL")
		timeoutF = pflag.Int("timeout", 30, "Request timeout in seconds")
		verboseF = pflag.BoolP("verbose", "v", false, "Print request and response details")
		noColorF = pflag.Bool("no-color", false, "Disable colored output")
		sourceF  = pflag.String("source", "", "watch: source URL, resolved by the server when empty")
		speedF   = pflag.Float64("speed", 0, "watch: playback speed to request after start")
		framesF  = pflag.Int("frames", 0, "watch: stop after this many frames (0 watches until interrupted)")
		outF     = pflag.String("out", "", "watch: write the latest frame to this JPEG file")
	)
	pflag.Usage = usage
	pflag.Parse()

	if *noColorF {
		color.NoColor = true
	}

	args := pflag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	c, err := newClient(*addrF, *timeoutF, *verboseF)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd := args[0]; cmd {
	case "health":
		var status services.HealthStatus
		err = c.do(ctx, "GET", "/healthz", &status)
		if err == nil {
			err = prettyPrint(status)
		}
	case "streams":
		var list []stream.Snapshot
		err = c.do(ctx, "GET", "/streams", &list)
		if err == nil {
			err = prettyPrint(list)
		}
	case "show", "stop":
		if len(args) < 2 {
			err = fmt.Errorf("%s requires a stream id", cmd)
			break
		}
		if cmd == "show" {
			var snap stream.Snapshot
			err = c.do(ctx, "GET", "/streams/"+args[1], &snap)
			if err == nil {
				err = prettyPrint(snap)
			}
		} else {
			err = c.do(ctx, "POST", "/streams/"+args[1]+"/stop", nil)
		}
	case "watch":
		if len(args) < 2 {
			err = fmt.Errorf("watch requires a stream id")
			break
		}
		err = watch(ctx, c.wsURL(args[1]), watchOptions{
			source: *sourceF,
			speed:  *speedF,
			frames: *framesF,
			out:    *outF,
		})
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

type watchOptions struct {
	source string
	speed  float64
	frames int
	out    string
}

// watcher serializes writes to the WebSocket; gorilla allows one writer at a time
type watcher struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	stopOnce sync.Once
	stopErr  error
}

func (w *watcher) send(cmd ws.Command) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(cmd)
}

// stop sends stop_stream at most once, whoever asks first
func (w *watcher) stop() error {
	w.stopOnce.Do(func() {
		w.stopErr = w.send(ws.Command{Type: ws.CommandStopStream})
	})
	return w.stopErr
}

// watch starts a stream over WebSocket and prints every event until the
// stream stops, enough frames arrived or ctx is done
func watch(ctx context.Context, wsURL string, opts watchOptions) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close()

	w := &watcher{conn: conn}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			w.stop()
		case <-done:
		}
	}()

	if err := w.send(ws.Command{Type: ws.CommandStartStream, RTSPURL: opts.source}); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	if opts.speed > 0 {
		speed := opts.speed
		if err := w.send(ws.Command{Type: ws.CommandSetSpeed, Speed: &speed}); err != nil {
			return fmt.Errorf("set speed: %w", err)
		}
	}

	frames := 0
	for {
		var msg stream.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		if !msg.IsFrame() {
			fmt.Printf("%s  ", time.Now().Format("15:04:05"))
			eventColor(msg.Type).Printf("%-22s", msg.Type)
			fmt.Printf(" %s\n", msg.Message)
			if msg.Type == stream.TypeStreamStopped {
				return nil
			}
			continue
		}

		frames++
		if opts.out != "" {
			if err := saveFrame(opts.out, msg.Frame); err != nil {
				return err
			}
		}
		if frames%25 == 1 {
			fmt.Printf("%s  ", time.Now().Format("15:04:05"))
			eventColor(msg.Type).Printf("frame #%d", frames)
			fmt.Printf(" %dx%d\n", msg.Width, msg.Height)
		}
		if opts.frames > 0 && frames >= opts.frames {
			if err := w.stop(); err != nil {
				return fmt.Errorf("stop stream: %w", err)
			}
		}
	}
}

func eventColor(msgType string) *color.Color {
	switch msgType {
	case stream.TypeError:
		return color.New(color.FgRed, color.Bold)
	case stream.TypeStreamStopped:
		return color.New(color.FgYellow)
	case stream.TypeStreamStarted, stream.TypeConnectionEstablished:
		return color.New(color.FgGreen)
	case stream.TypeFrame:
		return color.New(color.FgCyan)
	}
	return color.New(color.FgWhite)
}

func saveFrame(path, encoded string) error {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return os.Rename(tmp, path)
}

func prettyPrint(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s is a command line client for the rtspview server.
Usage:
    %s [-u URL] [-v] COMMAND [ARGS]

Commands:
    health              show liveness and counters
    streams             list running stream processors
    show STREAM_ID      show one stream processor
    stop STREAM_ID      stop a stream for every viewer
    watch STREAM_ID     start a stream and print its events

Flags:
%s
Example:
    %s watch 0f8fad5b-d9cb-469f-a165-70867728950e --source rtsp://camera/live --frames 100 --out last.jpg
`, os.Args[0], os.Args[0], indent(pflag.CommandLine.FlagUsages()), os.Args[0])
}

func indent(s string) string {
	if s == "" {
		return ""
	}
	return "    " + strings.ReplaceAll(strings.TrimSuffix(s, "\n"), "\n", "\n    ") + "\n"
}
