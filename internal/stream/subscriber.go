package stream

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Subscriber dials the private push stream and yields raw frames. Each call
// to Subscribe opens a fresh connection; the caller owns reconnect policy.
type Subscriber struct {
	url       string
	keepalive time.Duration
	log       *zap.Logger
}

func NewSubscriber(url string, keepalive time.Duration, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{url: url, keepalive: keepalive, log: log}
}

// Subscribe connects and starts the read and keepalive loops. Frames arrive
// on the first channel until the connection fails (reported on the error
// channel, frames channel closed) or ctx is canceled.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan []byte, <-chan error, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, nil, err
	}

	frames := make(chan []byte)
	errCh := make(chan error, 4)
	done := make(chan struct{})

	reportErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	readTimeout := 45 * time.Second
	if s.keepalive > 0 {
		readTimeout = s.keepalive * 3
		if readTimeout < 30*time.Second {
			readTimeout = 30 * time.Second
		}
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		defer close(done)
		defer close(frames)
		defer conn.Close()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					reportErr(err)
				}
				return
			}
			if len(data) == 0 {
				continue
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		var ping <-chan time.Time
		if s.keepalive > 0 {
			ticker := time.NewTicker(s.keepalive)
			defer ticker.Stop()
			ping = ticker.C
		}
		for {
			select {
			case <-ping:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					reportErr(err)
					_ = conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	return frames, errCh, nil
}
