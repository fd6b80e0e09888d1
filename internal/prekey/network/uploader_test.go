package network

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/clock"
	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/resilience"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/credential"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/keygen"
)

type mockIDGenerator struct {
	id string
}

func (m *mockIDGenerator) NewID() (string, error) {
	return m.id, nil
}

type mockCredential struct {
	authorizeFunc func(req *http.Request) error
}

func (m *mockCredential) Authorize(req *http.Request) error {
	if m.authorizeFunc != nil {
		return m.authorizeFunc(req)
	}
	req.Header.Set("Authorization", "Bearer test-token")
	return nil
}

func (m *mockCredential) Kind() credential.Kind {
	return credential.KindSession
}

func setupUploader(t *testing.T, handler http.HandlerFunc) (*HTTPUploader, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	log, err := logger.New("", "test", "info")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	mockClock := clock.NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))

	u := NewHTTPUploader(HTTPUploaderConfig{
		BaseURL:     server.URL,
		Timeout:     2 * time.Second,
		Client:      server.Client(),
		IDGenerator: &mockIDGenerator{id: "req-1"},
		CircuitBreaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Threshold:  2,
			ResetAfter: time.Minute,
			IsFailure:  IsBreakerFailure,
			Clock:      mockClock,
		}),
		Clock:  mockClock,
		Logger: log,
	})
	return u, &calls
}

func testBundle(t *testing.T) domain.UploadBundle {
	t.Helper()
	gen := keygen.NewGenerator(keygen.NewEd25519Signer(), clock.NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)))
	pair, err := gen.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	signed, err := gen.GenerateSignedPreKey(domain.Primary, pair, 7)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	oneTime, err := gen.GenerateOneTimePreKeys(domain.Primary, []uint32{1, 2})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return domain.UploadBundle{
		Identity:            domain.Primary,
		IdentityKey:         pair.PublicKey,
		SignedPreKey:        domain.Some(signed),
		LastResortPreKey:    domain.None[domain.PreKey](),
		OneTimePreKeys:      domain.Some(oneTime),
		OneTimeKyberPreKeys: domain.None[[]domain.PreKey](),
	}
}

func TestHTTPUploader_Success(t *testing.T) {
	var got uploadPayload
	u, calls := setupUploader(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v2/keys" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("identity") != "aci" {
			t.Errorf("expected identity=aci, got %q", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Request-ID") != "req-1" {
			t.Errorf("unexpected request id %q", r.Header.Get("X-Request-ID"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("expected JSON body, got %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	bundle := testBundle(t)
	if err := u.Upload(context.Background(), bundle, &mockCredential{}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Errorf("expected 1 call, got %d", atomic.LoadInt32(calls))
	}
	if got.SignedPreKey == nil || got.SignedPreKey.KeyID != 7 {
		t.Errorf("expected signed key 7 in payload, got %+v", got.SignedPreKey)
	}
	if got.PqLastResortPreKey != nil {
		t.Error("expected last resort key to be omitted")
	}
	if len(got.PreKeys) != 2 || got.PreKeys[0].PublicKey[0] != 0x05 {
		t.Errorf("expected two type-prefixed one-time keys, got %+v", got.PreKeys)
	}
}

func TestHTTPUploader_ClassifiesStatus(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"server error", http.StatusInternalServerError, commonerrors.ErrNetworkFailure},
		{"unavailable", http.StatusServiceUnavailable, commonerrors.ErrNetworkFailure},
		{"rate limited", http.StatusTooManyRequests, commonerrors.ErrNetworkFailure},
		{"bad request", http.StatusBadRequest, commonerrors.ErrRejectedByServer},
		{"conflict", http.StatusConflict, commonerrors.ErrRejectedByServer},
		{"unauthorized", http.StatusUnauthorized, commonerrors.ErrRejectedByServer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u, _ := setupUploader(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			})
			err := u.Upload(context.Background(), testBundle(t), &mockCredential{})
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestHTTPUploader_TransportErrorIsNetworkFailure(t *testing.T) {
	u, _ := setupUploader(t, func(w http.ResponseWriter, r *http.Request) {})
	u.baseURL = "http://127.0.0.1:1"

	err := u.Upload(context.Background(), testBundle(t), &mockCredential{})
	if !errors.Is(err, commonerrors.ErrNetworkFailure) {
		t.Errorf("expected network failure, got %v", err)
	}
	if !commonerrors.IsRetryable(err) {
		t.Error("expected transport failure to be retryable")
	}
}

func TestHTTPUploader_UnsetOptionNeverSends(t *testing.T) {
	u, calls := setupUploader(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	bundle := testBundle(t)
	bundle.OneTimeKyberPreKeys = domain.Option[[]domain.PreKey]{}

	err := u.Upload(context.Background(), bundle, &mockCredential{})
	if !errors.Is(err, commonerrors.ErrOptionUnset) {
		t.Errorf("expected option unset, got %v", err)
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Errorf("expected no request, got %d", atomic.LoadInt32(calls))
	}
}

func TestHTTPUploader_InvalidPayloadNeverSends(t *testing.T) {
	u, calls := setupUploader(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	bundle := testBundle(t)
	bundle.IdentityKey = []byte{1, 2, 3}

	err := u.Upload(context.Background(), bundle, &mockCredential{})
	if !errors.Is(err, commonerrors.ErrInvalidSuppliedKeyMaterial) {
		t.Errorf("expected invalid key material, got %v", err)
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Errorf("expected no request, got %d", atomic.LoadInt32(calls))
	}
}

func TestHTTPUploader_CredentialErrorNeverSends(t *testing.T) {
	u, calls := setupUploader(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cred := &mockCredential{authorizeFunc: func(req *http.Request) error {
		return commonerrors.ErrCredentialExpired
	}}
	err := u.Upload(context.Background(), testBundle(t), cred)
	if !errors.Is(err, commonerrors.ErrCredentialExpired) {
		t.Errorf("expected credential expired, got %v", err)
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Errorf("expected no request, got %d", atomic.LoadInt32(calls))
	}
}

func TestHTTPUploader_CircuitOpensOnNetworkFailures(t *testing.T) {
	u, calls := setupUploader(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 2; i++ {
		_ = u.Upload(context.Background(), testBundle(t), &mockCredential{})
	}
	err := u.Upload(context.Background(), testBundle(t), &mockCredential{})
	if !errors.Is(err, commonerrors.ErrNetworkFailure) {
		t.Errorf("expected network failure, got %v", err)
	}
	if !errors.Is(err, commonerrors.ErrCircuitOpen) {
		t.Errorf("expected open circuit cause, got %v", err)
	}
	if atomic.LoadInt32(calls) != 2 {
		t.Errorf("expected breaker to stop the third call, got %d calls", atomic.LoadInt32(calls))
	}
}

func TestHTTPUploader_RejectionsDoNotOpenCircuit(t *testing.T) {
	u, calls := setupUploader(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	for i := 0; i < 3; i++ {
		err := u.Upload(context.Background(), testBundle(t), &mockCredential{})
		if !errors.Is(err, commonerrors.ErrRejectedByServer) {
			t.Fatalf("expected rejection, got %v", err)
		}
	}
	if atomic.LoadInt32(calls) != 3 {
		t.Errorf("expected every call to reach the server, got %d", atomic.LoadInt32(calls))
	}
}

func TestHTTPUploader_CancelledCallerIsNotNetworkFailure(t *testing.T) {
	u, calls := setupUploader(t, func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches the connection and cancels
		// r.Context() when the client goes away; otherwise Close blocks.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		timer := time.AfterFunc(20*time.Millisecond, cancel)
		err := u.Upload(ctx, testBundle(t), &mockCredential{})
		timer.Stop()
		cancel()

		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled, got %v", err)
		}
		if errors.Is(err, commonerrors.ErrNetworkFailure) {
			t.Errorf("expected cancellation not to be classified as network failure, got %v", err)
		}
	}
	if atomic.LoadInt32(calls) != 3 {
		t.Errorf("expected breaker to stay closed, got %d calls", atomic.LoadInt32(calls))
	}
}

func TestHTTPUploader_AlreadyCancelledNeverSends(t *testing.T) {
	u, calls := setupUploader(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := u.Upload(ctx, testBundle(t), &mockCredential{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context canceled, got %v", err)
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Errorf("expected no request, got %d", atomic.LoadInt32(calls))
	}
}
