package sms

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/nextlevelbuilder/replyguard/internal/bus"
	"github.com/nextlevelbuilder/replyguard/internal/config"
)

func newTestChannel(t *testing.T, h http.HandlerFunc) *Channel {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ch, err := New(config.SMSConfig{APIBase: srv.URL, AccountSID: "AC1", AuthToken: "tok", From: "+15559990000"})
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

func TestSendPostsForm(t *testing.T) {
	var got url.Values
	var user, pass string
	ch := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Accounts/AC1/Messages.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, _ = r.BasicAuth()
		_ = r.ParseForm()
		got = r.PostForm
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1"}`))
	})

	err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "+15550001111", Content: "Thanks, we open at 9."})
	if err != nil {
		t.Fatal(err)
	}
	if user != "AC1" || pass != "tok" {
		t.Errorf("basic auth = %q/%q", user, pass)
	}
	if got.Get("To") != "+15550001111" || got.Get("From") != "+15559990000" || got.Get("Body") != "Thanks, we open at 9." {
		t.Errorf("form = %v", got)
	}
}

func TestSendProviderError(t *testing.T) {
	ch := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
	})

	err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "+1", Content: "x"})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.Status != http.StatusBadRequest || perr.Code != 21211 {
		t.Fatalf("unexpected error %+v", perr)
	}
}

func TestParseInbound(t *testing.T) {
	form := url.Values{
		"From":       {"+15550001111"},
		"To":         {"+15559990000"},
		"Body":       {""},
		"MessageSid": {"SM123"},
		"NumMedia":   {"2"},
	}
	msg, err := ParseInbound("acme", form)
	if err != nil {
		t.Fatal(err)
	}
	if msg.TenantID != "acme" || msg.MediaCount != 2 || msg.ProviderMessageID != "SM123" {
		t.Fatalf("unexpected message %+v", msg)
	}

	if _, err := ParseInbound("acme", url.Values{"Body": {"hi"}}); err == nil {
		t.Fatal("expected error for missing From")
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(config.SMSConfig{From: "+1"}); err == nil {
		t.Fatal("expected error")
	}
}
