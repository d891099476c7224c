package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odvcencio/browserrelay/pkg/relay"
)

type watchOptions struct {
	url    string
	outDir string
	frames int
	width  int
	height int
	origin string
}

func parseWatchFlags(args []string) (*watchOptions, error) {
	opts := &watchOptions{}
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.StringVar(&opts.url, "url", "", "session websocket URL (ws://host/api/ws/<id>)")
	fs.StringVar(&opts.outDir, "out", ".", "directory frames are written to")
	fs.IntVar(&opts.frames, "frames", 10, "frames to save before detaching (0 = until interrupted)")
	fs.IntVar(&opts.width, "width", 1280, "display width reported to the relay")
	fs.IntVar(&opts.height, "height", 720, "display height reported to the relay")
	fs.StringVar(&opts.origin, "origin", "", "Origin header to send")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.url = strings.TrimSpace(opts.url)
	if opts.url == "" {
		return nil, fmt.Errorf("-url is required")
	}
	if !strings.HasPrefix(opts.url, "ws://") && !strings.HasPrefix(opts.url, "wss://") {
		return nil, fmt.Errorf("-url must be a ws:// or wss:// URL")
	}
	if opts.frames < 0 {
		return nil, fmt.Errorf("-frames must be >= 0")
	}
	if opts.width <= 0 || opts.height <= 0 {
		return nil, fmt.Errorf("-width and -height must be positive")
	}
	return opts, nil
}

func runWatchCommand(args []string) error {
	opts, err := parseWatchFlags(args)
	if err != nil {
		return withExitCode(err, exitConfig)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	saved, err := watchSession(ctx, opts, os.Stdout)
	if saved > 0 {
		fmt.Fprintf(os.Stderr, "saved %d frame(s) to %s\n", saved, opts.outDir)
	}
	return err
}

// watchSession attaches to a session, reports its display size and writes
// each received frame to opts.outDir until enough frames were saved, ctx
// ends or the relay closes the connection.
func watchSession(ctx context.Context, opts *watchOptions, status io.Writer) (int, error) {
	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return 0, fmt.Errorf("create output directory: %w", err)
	}

	header := http.Header{}
	if opts.origin != "" {
		header.Set("Origin", opts.origin)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, opts.url, header)
	if err != nil {
		if resp != nil {
			return 0, withExitCode(fmt.Errorf("dial %s: %w (HTTP %d)", opts.url, err, resp.StatusCode), exitUnavailable)
		}
		return 0, withExitCode(fmt.Errorf("dial %s: %w", opts.url, err), exitUnavailable)
	}
	defer conn.Close()

	// Unblock the read loop on interrupt.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "watch interrupted"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	resize, err := json.Marshal(map[string]any{"type": "resize", "width": opts.width, "height": opts.height})
	if err != nil {
		return 0, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, resize); err != nil {
		return 0, fmt.Errorf("send resize: %w", err)
	}

	saved := 0
	for opts.frames == 0 || saved < opts.frames {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return saved, nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if closeErr.Code == websocket.CloseNormalClosure {
					return saved, nil
				}
				return saved, fmt.Errorf("relay closed the session (%d): %s", closeErr.Code, closeErr.Text)
			}
			return saved, fmt.Errorf("read: %w", err)
		}

		var msg relay.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			fmt.Fprintf(status, "ignoring malformed message: %v\n", err)
			continue
		}
		switch msg.Type {
		case relay.ServerFrame:
			frame, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				fmt.Fprintf(status, "ignoring undecodable frame: %v\n", err)
				continue
			}
			saved++
			path := filepath.Join(opts.outDir, fmt.Sprintf("frame-%05d.jpg", saved))
			if err := os.WriteFile(path, frame, 0o644); err != nil {
				return saved - 1, fmt.Errorf("write frame: %w", err)
			}
			fmt.Fprintf(status, "%s (%d bytes)\n", path, len(frame))
		case relay.ServerError:
			fmt.Fprintf(status, "relay error: %s\n", msg.Message)
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "watch complete"),
		time.Now().Add(time.Second))
	return saved, nil
}
