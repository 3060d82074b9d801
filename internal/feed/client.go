package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Subscriber connects to a hub over websocket and forwards events to a
// channel, redialing after drops.
type Subscriber struct {
	url     string
	topics  []string
	log     zerolog.Logger
	dialer  *websocket.Dialer
	backoff time.Duration

	// OnConnect runs after every successful (re)subscription. Consumers use
	// it to reload state that may have changed while disconnected.
	OnConnect func(ctx context.Context)
}

func NewSubscriber(url string, topics []string, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		url:     url,
		topics:  topics,
		log:     log.With().Str("component", "feed_subscriber").Logger(),
		dialer:  websocket.DefaultDialer,
		backoff: time.Second,
	}
}

// Run delivers events to out until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context, out chan<- Event) error {
	wait := s.backoff
	for {
		err := s.session(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn().Err(err).Dur("retry_in", wait).Msg("feed connection lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if wait < 30*time.Second {
			wait *= 2
		}
	}
}

func (s *Subscriber) session(ctx context.Context, out chan<- Event) error {
	ws, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	if err := ws.WriteJSON(ClientMessage{Action: "subscribe", Topics: s.topics}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.log.Info().Strs("topics", s.topics).Msg("feed subscribed")

	if s.OnConnect != nil {
		s.OnConnect(ctx)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn().Err(err).Msg("skipping malformed feed event")
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
