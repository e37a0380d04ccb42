package wsbus

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/signal"
)

const redialDelay = 2 * time.Second

var _ core.Bus = (*BusClient)(nil)

// busFrame is the wire shape of one bus message from the relay server.
type busFrame struct {
	Type string `json:"type"`

	// type == "notifications"
	Sender        string            `json:"sender,omitempty"`
	Notifications []json.RawMessage `json:"notifications,omitempty"`

	// type == "session_ended"
	SessionID string `json:"session_id,omitempty"`
}

// BusClient maintains the websocket to the relay server and fans inbound
// events out to subscribers. The connection redials on failure until the
// context is cancelled.
type BusClient struct {
	url   string
	token string

	mu   sync.Mutex
	subs map[int]chan core.Event
	next int
}

func NewBusClient(serverURL, token string) *BusClient {
	wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/rtc/ws"
	return &BusClient{url: wsURL, token: token, subs: make(map[int]chan core.Event)}
}

// Run dials the relay and pumps events until ctx is done.
func (b *BusClient) Run(ctx context.Context) {
	for {
		if err := b.pump(ctx); err != nil {
			log.Warn().Err(err).Str("module", "wsbus").Msg("bus connection lost")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(redialDelay):
		}
	}
}

func (b *BusClient) pump(ctx context.Context) error {
	header := http.Header{}
	header.Set("Cookie", "ct="+b.token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info().Str("module", "wsbus").Str("url", b.url).Msg("bus connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		b.dispatch(data)
	}
}

func (b *BusClient) dispatch(data []byte) {
	var frame busFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Error().Err(err).Str("module", "wsbus").Msg("bad bus frame")
		return
	}

	var ev core.Event
	switch frame.Type {
	case "notifications":
		ev.Signals = &signal.Envelope{
			Sender:        domain.SessionID(frame.Sender),
			Notifications: frame.Notifications,
		}
	case "session_ended":
		ev.Ended = &core.SessionEnded{SessionID: domain.SessionID(frame.SessionID)}
	default:
		log.Warn().Str("module", "wsbus").Str("type", frame.Type).Msg("unknown bus frame")
		return
	}

	b.mu.Lock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "wsbus").Msg("subscriber backpressure, event dropped")
		}
	}
	b.mu.Unlock()
}

func (b *BusClient) Subscribe() (<-chan core.Event, func()) {
	ch := make(chan core.Event, 32)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
