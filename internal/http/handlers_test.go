package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/replyguard/internal/arbiter"
	"github.com/nextlevelbuilder/replyguard/internal/bus"
	"github.com/nextlevelbuilder/replyguard/internal/channels"
	"github.com/nextlevelbuilder/replyguard/internal/inbound"
	"github.com/nextlevelbuilder/replyguard/internal/store"
	"github.com/nextlevelbuilder/replyguard/pkg/protocol"
)

type fakeIngester struct {
	mu        sync.Mutex
	got       []bus.InboundMessage
	replies   []string
	handleErr error
}

func (f *fakeIngester) Handle(_ context.Context, in bus.InboundMessage) (*inbound.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, in)
	if f.handleErr != nil {
		return nil, f.handleErr
	}
	return &inbound.Result{MessageID: uuid.New(), PendingID: uuid.New()}, nil
}

func (f *fakeIngester) RecordOperatorReply(_ context.Context, tenantID, phone, body string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if phone == "" {
		return uuid.Nil, fmt.Errorf("%w: missing phone", inbound.ErrInvalidMessage)
	}
	f.replies = append(f.replies, tenantID+"|"+phone+"|"+body)
	return uuid.New(), nil
}

func newWebhookMux(ing Ingester, secret string, limiter *channels.WebhookRateLimiter) *http.ServeMux {
	mux := http.NewServeMux()
	NewWebhooksHandler(ing, secret, limiter, nil).RegisterRoutes(mux)
	return mux
}

func TestInboundWebhookForm(t *testing.T) {
	ing := &fakeIngester{}
	mux := newWebhookMux(ing, "", nil)

	form := url.Values{"From": {"+15550001111"}, "To": {"+15559990000"}, "Body": {"What are your rates?"}, "MessageSid": {"SM1"}, "NumMedia": {"0"}}
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/acme/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/xml")
	assert.Equal(t, emptyTwiML, rec.Body.String())

	require.Len(t, ing.got, 1)
	assert.Equal(t, "acme", ing.got[0].TenantID)
	assert.Equal(t, "SM1", ing.got[0].ProviderMessageID)
	assert.Equal(t, "What are your rates?", ing.got[0].Body)
}

func TestInboundWebhookJSON(t *testing.T) {
	ing := &fakeIngester{}
	mux := newWebhookMux(ing, "", nil)

	body := `{"from":"+15550001111","to":"+15559990000","body":"","provider_message_id":"MM1","media_count":2}`
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/acme/inbound", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var res inbound.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.NotEqual(t, uuid.Nil, res.MessageID)

	require.Len(t, ing.got, 1)
	assert.Equal(t, 2, ing.got[0].MediaCount)
	assert.Equal(t, "webhook", ing.got[0].Channel)
}

func TestInboundWebhookErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   string
		status int
	}{
		{"store down", fmt.Errorf("%w: disk", store.ErrStoreUnavailable), `{"from":"+1555","body":"hi"}`, http.StatusServiceUnavailable},
		{"invalid", fmt.Errorf("%w: empty", inbound.ErrInvalidMessage), `{"from":"+1555"}`, http.StatusBadRequest},
		{"other", errors.New("boom"), `{"from":"+1555","body":"hi"}`, http.StatusInternalServerError},
		{"bad json", nil, `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newWebhookMux(&fakeIngester{handleErr: tt.err}, "", nil)
			req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/acme/inbound", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestInboundWebhookSecret(t *testing.T) {
	ing := &fakeIngester{}
	mux := newWebhookMux(ing, "s3cret", nil)

	send := func(secret string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/acme/inbound", strings.NewReader(`{"from":"+15550001111","body":"hi"}`))
		if secret != "" {
			req.Header.Set(protocol.HeaderWebhookSecret, secret)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusUnauthorized, send(""))
	assert.Equal(t, http.StatusUnauthorized, send("wrong"))
	assert.Equal(t, http.StatusOK, send("s3cret"))
	assert.Len(t, ing.got, 1)
}

func TestInboundWebhookRateLimit(t *testing.T) {
	ing := &fakeIngester{}
	mux := newWebhookMux(ing, "", channels.NewWebhookRateLimiter(2, time.Minute))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"from":"+15550001111","body":"hi %d"}`, i)
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/acme/inbound", strings.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Len(t, ing.got, 2)
}

func TestOperatorReplyWebhook(t *testing.T) {
	ing := &fakeIngester{}
	mux := newWebhookMux(ing, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/acme/operator-reply", strings.NewReader(`{"phone":"+15550001111","body":"Call me!"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"acme|+15550001111|Call me!"}, ing.replies)

	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/acme/operator-reply", strings.NewReader(`{"body":"x"}`))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeResolver struct {
	forced bool
	res    *arbiter.Result
	err    error
}

func (f *fakeResolver) Resolve(_ context.Context, id uuid.UUID) (*arbiter.Result, error) {
	return f.result(id)
}

func (f *fakeResolver) ForceResolve(_ context.Context, id uuid.UUID) (*arbiter.Result, error) {
	f.forced = true
	return f.result(id)
}

func (f *fakeResolver) result(id uuid.UUID) (*arbiter.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := *f.res
	res.ID = id
	return &res, nil
}

func TestResolveTrigger(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name       string
		path       string
		token      string
		resolver   *fakeResolver
		wantStatus int
		wantForced bool
	}{
		{"resolves", "/v1/pending/" + id.String() + "/resolve", "tok", &fakeResolver{res: &arbiter.Result{Outcome: arbiter.OutcomeProcessed}}, http.StatusOK, false},
		{"force", "/v1/pending/" + id.String() + "/resolve?force=true", "tok", &fakeResolver{res: &arbiter.Result{Outcome: arbiter.OutcomeCancelled}}, http.StatusOK, true},
		{"bad id", "/v1/pending/nope/resolve", "tok", &fakeResolver{}, http.StatusBadRequest, false},
		{"not found", "/v1/pending/" + id.String() + "/resolve", "tok", &fakeResolver{err: fmt.Errorf("load: %w", store.ErrNotFound)}, http.StatusNotFound, false},
		{"store down", "/v1/pending/" + id.String() + "/resolve", "tok", &fakeResolver{err: errors.New("db gone")}, http.StatusServiceUnavailable, false},
		{"unauthorized", "/v1/pending/" + id.String() + "/resolve", "", &fakeResolver{}, http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			NewPendingHandler(tt.resolver, "tok", nil).RegisterRoutes(mux)

			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantForced, tt.resolver.forced)
			if tt.wantStatus == http.StatusOK {
				var res arbiter.Result
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
				assert.Equal(t, id, res.ID)
			}
		})
	}
}

type fakeSwitch struct {
	disabled map[string]bool
	err      error
}

func (f *fakeSwitch) SetAutomationDisabled(_ context.Context, tenantID, phone string) error {
	if f.err != nil {
		return f.err
	}
	f.disabled[tenantID+"/"+phone] = true
	return nil
}

func (f *fakeSwitch) SetAutomationEnabled(_ context.Context, tenantID, phone string) error {
	if f.err != nil {
		return f.err
	}
	f.disabled[tenantID+"/"+phone] = false
	return nil
}

func TestAutomationToggle(t *testing.T) {
	sw := &fakeSwitch{disabled: map[string]bool{}}
	mux := http.NewServeMux()
	NewContactsHandler(sw, "").RegisterRoutes(mux)

	post := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/contacts/acme/+15550001111/automation", strings.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, post(`{"disabled":true}`))
	assert.True(t, sw.disabled["acme/+15550001111"])
	assert.Equal(t, http.StatusOK, post(`{"disabled":false}`))
	assert.False(t, sw.disabled["acme/+15550001111"])
	assert.Equal(t, http.StatusBadRequest, post(`{}`))
	assert.Equal(t, http.StatusBadRequest, post(`nope`))

	sw.err = errors.New("db gone")
	assert.Equal(t, http.StatusServiceUnavailable, post(`{"disabled":true}`))
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct{ header, want string }{
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, extractBearerToken(r), tt.header)
	}
}
