package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/clock"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
	commoncrypto "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/crypto"
	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/resilience"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/observability/metrics"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/credential"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
)

const maxErrorBodySize = 1024

// Uploader hands a bundle to the key server. Errors are ErrNetworkFailure
// (retryable) or ErrRejectedByServer; anything else is a local fault.
type Uploader interface {
	Upload(ctx context.Context, bundle domain.UploadBundle, cred credential.Credential) error
}

type HTTPUploaderConfig struct {
	BaseURL        string
	Timeout        time.Duration
	Client         *http.Client
	IDGenerator    commoncrypto.IDGenerator
	CircuitBreaker resilience.CircuitBreakerInterface
	Clock          clock.Clock
	Logger         *logger.Logger
}

type HTTPUploader struct {
	baseURL  string
	timeout  time.Duration
	client   *http.Client
	ids      commoncrypto.IDGenerator
	breaker  resilience.CircuitBreakerInterface
	validate *validator.Validate
	clock    clock.Clock
	log      *logger.Logger
}

func NewHTTPUploader(config HTTPUploaderConfig) *HTTPUploader {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultPreKeyUploadTimeout
	}
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	ids := config.IDGenerator
	if ids == nil {
		ids = commoncrypto.NewUUIDGenerator()
	}
	c := config.Clock
	if c == nil {
		c = clock.NewRealClock()
	}
	breaker := config.CircuitBreaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Threshold:  constants.DefaultUploadCBThreshold,
			ResetAfter: constants.DefaultUploadCBResetAfter,
			Name:       "prekey_upload",
			IsFailure:  IsBreakerFailure,
			Clock:      c,
			Logger:     config.Logger,
		})
	}

	return &HTTPUploader{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		timeout:  timeout,
		client:   client,
		ids:      ids,
		breaker:  breaker,
		validate: validator.New(),
		clock:    c,
		log:      config.Logger,
	}
}

// IsBreakerFailure counts only transport-level failures against the upload
// circuit. A rejection means the server is healthy.
func IsBreakerFailure(err error) bool {
	return errors.Is(err, commonerrors.ErrNetworkFailure)
}

func (u *HTTPUploader) Upload(ctx context.Context, bundle domain.UploadBundle, cred credential.Credential) error {
	payload, err := newUploadPayload(bundle)
	if err != nil {
		return err
	}
	if err := u.validate.Struct(payload); err != nil {
		return commonerrors.ErrInvalidSuppliedKeyMaterial.WithCause(fmt.Errorf("upload payload for %s: %w", bundle.Identity, err))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return commonerrors.ErrInternalError.WithCause(fmt.Errorf("encode upload payload: %w", err))
	}

	requestID, err := u.ids.NewID()
	if err != nil {
		return commonerrors.ErrInternalError.WithCause(err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	start := u.clock.Now()
	err = u.breaker.Call(ctx, func(callCtx context.Context) error {
		err := u.send(callCtx, bundle.Identity, body, requestID, cred)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	})
	if errors.Is(err, commonerrors.ErrCircuitOpen) {
		err = commonerrors.ErrNetworkFailure.WithCause(err)
	}

	outcome := uploadOutcome(err)
	metrics.PreKeyUploadDurationSeconds.WithLabelValues(bundle.Identity.String(), outcome).Observe(u.clock.Since(start).Seconds())

	entry := u.log.WithFields(ctx, logger.Fields{
		"identity":   bundle.Identity.String(),
		"request_id": requestID,
		"action":     "upload",
	})
	if err != nil {
		if ctx.Err() != nil {
			entry.Infof("prekey upload abandoned: %v", err)
			return err
		}
		entry.Warnf("prekey upload failed: %v", err)
		return err
	}
	entry.Debug("prekey upload acknowledged")
	return nil
}

func (u *HTTPUploader) send(ctx context.Context, identity domain.Identity, body []byte, requestID string, cred credential.Credential) error {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	endpoint := u.baseURL + "/v2/keys?" + url.Values{"identity": {identity.String()}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return commonerrors.ErrInternalError.WithCause(fmt.Errorf("build upload request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	if err := cred.Authorize(req); err != nil {
		return err
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return commonerrors.ErrNetworkFailure.WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	cause := fmt.Errorf("key server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return commonerrors.ErrNetworkFailure.WithCause(cause)
	default:
		return commonerrors.ErrRejectedByServer.WithCause(cause)
	}
}

func uploadOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, commonerrors.ErrNetworkFailure):
		return "network_failure"
	case errors.Is(err, commonerrors.ErrRejectedByServer):
		return "rejected"
	default:
		return "error"
	}
}
