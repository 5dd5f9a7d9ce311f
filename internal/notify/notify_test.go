package notify

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendNoopWithoutURL(t *testing.T) {
	n := New("")
	if err := n.Send(QuarantineNotice("/watch/bad.mp3", errors.New("oversize"))); err != nil {
		t.Fatalf("expected no-op notifier to succeed, got %v", err)
	}
}

func TestSendPostsToWebhook(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(srv.URL)
	if err := n.Send(QuarantineNotice("/watch/bad.mp3", errors.New("oversize"))); err != nil {
		t.Fatalf("send: %v", err)
	}
	if received != "application/json" {
		t.Fatalf("expected json content type, got %q", received)
	}
}

func TestSendReturnsErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(srv.URL)
	if err := n.Send(Message{Text: "hi"}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}
