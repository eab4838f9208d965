package mail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailerSendHTTP(t *testing.T) {
	var got apiRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/send", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(Config{
		From:       "beacon@wopr.example",
		APIBaseURL: srv.URL,
		APIKey:     "key-123",
	}, nil)

	err := m.Send(context.Background(), KindWelcome,
		[]string{"A@b.c", "a@b.c ", "", "other@b.c"},
		TemplateData{Name: "Ada", Bundle: "sovereign-starter", BeaconURL: "https://x.wopr.example"},
		Attachment{Filename: "welcome.pdf", Content: []byte("%PDF")},
	)
	require.NoError(t, err)

	assert.Equal(t, "Bearer key-123", auth)
	assert.Equal(t, "beacon@wopr.example", got.From)

	// Recipients lowercased, trimmed, deduplicated.
	assert.Equal(t, []string{"a@b.c", "other@b.c"}, got.To)

	assert.Equal(t, "Your beacon is ready", got.Subject)
	assert.Contains(t, got.Text, "Hi Ada")
	assert.Contains(t, got.HTML, "<b>sovereign-starter</b>")

	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "welcome.pdf", got.Attachments[0].Filename)
	assert.Equal(t, "JVBERg==", got.Attachments[0].Content)
}

func TestMailerHTTPErrorWithoutFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := New(Config{From: "beacon@wopr.example", APIBaseURL: srv.URL}, nil)

	err := m.Send(context.Background(), KindWelcome, []string{"a@b.c"}, TemplateData{})
	assert.Error(t, err)
}

func TestMailerNoRecipients(t *testing.T) {
	m := New(Config{From: "beacon@wopr.example", APIBaseURL: "http://unused"}, nil)

	err := m.Send(context.Background(), KindWelcome, []string{"", "   "}, TemplateData{})
	assert.Error(t, err)
}

func TestMailerNoDeliveryPath(t *testing.T) {
	m := New(Config{From: "beacon@wopr.example"}, nil)

	err := m.Send(context.Background(), KindWelcome, []string{"a@b.c"}, TemplateData{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no delivery path")
}

func TestNoopSend(t *testing.T) {
	n := &Noop{}
	assert.NoError(t, n.Send(context.Background(), KindWelcome, []string{"a@b.c"}, TemplateData{}))
}
