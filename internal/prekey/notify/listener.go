package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	gorillaWS "github.com/gorilla/websocket"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/observability/metrics"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/credential"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
)

const (
	EventPreKeysLow   = "prekeys_low"
	EventKeysConsumed = "keys_consumed"
)

// Event is a key-count notification pushed by the key server.
type Event struct {
	Type     string   `json:"type"`
	Identity string   `json:"identity"`
	KeyClass string   `json:"key_class,omitempty"`
	KeyIDs   []uint32 `json:"key_ids,omitempty"`
}

type ConsumptionRecorder interface {
	RecordConsumed(ctx context.Context, ref domain.KeyRef) error
}

type Config struct {
	URL        string
	Credential credential.Credential
	Recorder   ConsumptionRecorder
	Dialer     *gorillaWS.Dialer
	MinDelay   time.Duration
	MaxDelay   time.Duration
	PongWait   time.Duration
	Logger     *logger.Logger
}

// Listener keeps a websocket open to the key server and turns its
// notifications into check triggers.
type Listener struct {
	url        string
	credential credential.Credential
	recorder   ConsumptionRecorder
	dialer     *gorillaWS.Dialer
	minDelay   time.Duration
	maxDelay   time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	triggers   chan struct{}
	log        *logger.Logger
}

func NewListener(cfg Config) *Listener {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &gorillaWS.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: constants.NotifyHandshakeTimeout,
		}
	}
	minDelay := cfg.MinDelay
	if minDelay <= 0 {
		minDelay = constants.NotifyReconnectMinDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay < minDelay {
		maxDelay = constants.NotifyReconnectMaxDelay
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = constants.NotifyPongWait
	}

	return &Listener{
		url:        cfg.URL,
		credential: cfg.Credential,
		recorder:   cfg.Recorder,
		dialer:     dialer,
		minDelay:   minDelay,
		maxDelay:   maxDelay,
		pongWait:   pongWait,
		pingPeriod: (pongWait * 9) / 10,
		triggers:   make(chan struct{}, constants.NotifyTriggerChannelSize),
		log:        cfg.Logger,
	}
}

func (l *Listener) Triggers() <-chan struct{} {
	return l.triggers
}

// Run connects and reconnects with exponential backoff until ctx is done.
func (l *Listener) Run(ctx context.Context) {
	delay := l.minDelay
	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			l.log.Info("prekey notification listener stopped")
			return
		}
		if connected {
			delay = l.minDelay
		}
		l.log.Warnf("prekey notification socket closed, reconnecting in %s: %v", delay, err)

		select {
		case <-ctx.Done():
			l.log.Info("prekey notification listener stopped")
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > l.maxDelay {
			delay = l.maxDelay
		}
	}
}

// session runs one connection. connected reports whether the handshake succeeded.
func (l *Listener) session(ctx context.Context) (connected bool, err error) {
	header, err := l.authHeader(ctx)
	if err != nil {
		return false, err
	}

	conn, resp, err := l.dialer.DialContext(ctx, l.url, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial %s: status %d: %w", l.url, resp.StatusCode, err)
		}
		return false, fmt.Errorf("dial %s: %w", l.url, err)
	}
	defer conn.Close()

	metrics.PreKeyNotifyConnected.Set(1)
	defer metrics.PreKeyNotifyConnected.Set(0)
	l.log.Infof("prekey notification socket connected url=%s", l.url)

	done := make(chan struct{})
	defer close(done)
	go l.pingLoop(ctx, conn, done)

	return true, l.readLoop(ctx, conn)
}

func (l *Listener) authHeader(ctx context.Context) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build handshake request: %w", err)
	}
	if err := l.credential.Authorize(req); err != nil {
		return nil, err
	}
	return req.Header, nil
}

func (l *Listener) readLoop(ctx context.Context, conn *gorillaWS.Conn) error {
	conn.SetReadLimit(constants.NotifyMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(l.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(l.pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if gorillaWS.IsCloseError(err, gorillaWS.CloseNormalClosure, gorillaWS.CloseGoingAway) {
				return nil
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(l.pongWait))

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			l.log.Warnf("prekey notification invalid message: %v", err)
			continue
		}
		l.handle(ctx, event)
	}
}

func (l *Listener) pingLoop(ctx context.Context, conn *gorillaWS.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(l.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.WriteControl(
				gorillaWS.CloseMessage,
				gorillaWS.FormatCloseMessage(gorillaWS.CloseNormalClosure, "shutdown"),
				time.Now().Add(constants.NotifyWriteWait),
			)
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(gorillaWS.PingMessage, nil, time.Now().Add(constants.NotifyWriteWait)); err != nil {
				return
			}
		}
	}
}

func (l *Listener) handle(ctx context.Context, event Event) {
	identity, err := domain.ParseIdentity(event.Identity)
	if err != nil {
		l.log.Warnf("prekey notification type=%s with unknown identity %q", event.Type, event.Identity)
		return
	}

	switch event.Type {
	case EventPreKeysLow:
	case EventKeysConsumed:
		l.recordConsumed(ctx, identity, event)
	default:
		l.log.Warnf("prekey notification with unknown type %q", event.Type)
		return
	}

	metrics.PreKeyNotificationsTotal.WithLabelValues(event.Type).Inc()
	l.log.WithFields(ctx, logger.Fields{
		"identity": identity.String(),
		"type":     event.Type,
	}).Debug("prekey notification received")
	l.trigger()
}

func (l *Listener) recordConsumed(ctx context.Context, identity domain.Identity, event Event) {
	if l.recorder == nil || len(event.KeyIDs) == 0 {
		return
	}
	class, ok := domain.ParseKeyClass(event.KeyClass)
	if !ok || !class.Consumable() {
		l.log.Warnf("prekey notification consumed keys of class %q ignored", event.KeyClass)
		return
	}

	for _, id := range event.KeyIDs {
		ref := domain.KeyRef{Identity: identity, Class: class, ID: id}
		if err := l.recorder.RecordConsumed(ctx, ref); err != nil && !errors.Is(err, context.Canceled) {
			l.log.Warnf("recording consumed %s key %d for %s failed: %v", class, id, identity, err)
		}
	}
}

// trigger never blocks; a pending trigger already covers this one.
func (l *Listener) trigger() {
	select {
	case l.triggers <- struct{}{}:
	default:
	}
}
