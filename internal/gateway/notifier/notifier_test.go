package notifier

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestTelegram_SendsMarkdown(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		got = string(raw)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", "42")
	tg.BaseURL = srv.URL
	require.NoError(t, tg.SendText("hello"))
	assert.Equal(t, "42", gjson.Get(got, "chat_id").String())
	assert.Equal(t, "Markdown", gjson.Get(got, "parse_mode").String())
}

func TestTelegram_RetriesThenFails(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", "42")
	tg.BaseURL = srv.URL
	tg.Backoff = func(int) time.Duration { return time.Millisecond }
	err := tg.SendText("hello")
	assert.ErrorContains(t, err, "chat not found")
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestTelegram_MissingConfig(t *testing.T) {
	assert.Error(t, NewTelegram("", "42").SendText("x"))
}

type failing struct{ n int }

func (f *failing) SendText(string) error {
	f.n++
	return errors.New("down")
}

func TestMulti_DeliversToAll(t *testing.T) {
	a, b := &failing{}, &failing{}
	err := Multi{a, nil, LogNotifier{}, b}.SendText("x")
	assert.EqualError(t, err, "down")
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}

func TestStructuredMessage_Render(t *testing.T) {
	msg := StructuredMessage{
		Icon:  "🔒",
		Title: "TITLE",
		Sections: []MessageSection{
			{Title: "Empty", Lines: []string{"  "}},
			{Title: "Body", Lines: []string{"a ```b```"}},
		},
		Footer:    "bye",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	out := msg.RenderMarkdown()
	assert.True(t, strings.HasPrefix(out, "🔒 TITLE\n\n```\n"))
	assert.Contains(t, out, "- a '''b'''")
	assert.NotContains(t, out, "Empty")
	assert.True(t, strings.HasSuffix(out, "bye\nTime: 2026-01-02T03:04:05Z"))
}
