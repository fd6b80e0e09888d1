package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/clock"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/config"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/store"
)

func setupApp(t *testing.T, wsURL string) (*App, func() []string) {
	t.Helper()
	var (
		mu       sync.Mutex
		received []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received = append(received, r.URL.Query().Get("identity")+" "+r.Header.Get("Authorization"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	log, err := logger.New("", "test", "info")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	cfg := config.PreKeyConfig{
		KeyServerURL:                    server.URL,
		KeyServerWSURL:                  wsURL,
		AccountID:                       "account-1",
		DeviceID:                        2,
		SessionSecret:                   strings.Repeat("s", 32),
		SignedPreKeyRotationInterval:    48 * time.Hour,
		LastResortKyberRotationInterval: 48 * time.Hour,
		OneTimePoolTarget:               4,
		OneTimeLowWaterMark:             1,
		FailureThreshold:                3,
		CheckInterval:                   time.Hour,
		UploadTimeout:                   2 * time.Second,
		SessionCredentialTTL:            15 * time.Minute,
		UploadCircuitBreakerThreshold:   5,
		UploadCircuitBreakerReset:       time.Minute,
	}
	mockClock := clock.NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	uploads := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), received...)
	}
	return initializeApp(log, cfg, store.NewMemoryTxManager(), mockClock), uploads
}

func TestInitializeApp_WiresManagerEndToEnd(t *testing.T) {
	app, uploads := setupApp(t, "")
	ctx := context.Background()

	if app.Listener != nil {
		t.Error("expected no listener without a websocket url")
	}

	bundles, err := app.Manager.CreatePreKeysForRegistration(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := app.Manager.FinalizeRegistrationPreKeys(ctx, bundles, true); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := app.Manager.CheckPreKeysIfNecessary(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	received := uploads()
	if len(received) != 2 {
		t.Fatalf("expected one upload per identity, got %d", len(received))
	}
	for _, r := range received {
		if !strings.Contains(r, "Bearer ") {
			t.Errorf("expected session bearer token, got %q", r)
		}
	}

	err = app.TxManager.WithReadTx(ctx, func(ctx context.Context, tx store.Tx) error {
		n, err := tx.PreKeys(domain.Secondary, domain.KeyClassOneTimeKyber).CountAvailable(ctx)
		if err != nil {
			return err
		}
		if n != 4 {
			t.Errorf("expected kyber pool at 4, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestInitializeApp_ListenerWhenConfigured(t *testing.T) {
	app, _ := setupApp(t, "ws://127.0.0.1:1/v1/keys/notifications")
	if app.Listener == nil {
		t.Fatal("expected a listener")
	}
	if app.Recorder == nil {
		t.Error("expected a consumption recorder")
	}
}
