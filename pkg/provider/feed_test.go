package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/preview/config"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// fakeProvider answers generate messages with a scripted stream and
// records everything else it receives.
type fakeProvider struct {
	t      *testing.T
	script []models.Event

	mu       sync.Mutex
	received []Message
	auth     string
	conns    []*websocket.Conn
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.auth = r.Header.Get("Authorization")
	p.conns = append(p.conns, conn)
	p.mu.Unlock()
	defer conn.Close()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		p.mu.Lock()
		p.received = append(p.received, msg)
		p.mu.Unlock()

		if msg.Type == MessageGenerate {
			for _, ev := range p.script {
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}
}

func (p *fakeProvider) messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.received...)
}

func (p *fakeProvider) dropConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
}

func dial(t *testing.T, p *fakeProvider) *Feed {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	t.Setenv("PREVIEW_TEST_API_KEY", "secret")
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	f, err := Dial(context.Background(), config.ProviderConfig{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Model:     "test-model",
		APIKeyEnv: "PREVIEW_TEST_API_KEY",
	}, logrus.NewEntry(logger))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func collect(t *testing.T, events <-chan models.Event) []models.Event {
	t.Helper()
	var out []models.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func TestGenerateStreamsUntilTerminalEvent(t *testing.T) {
	content := "export {}"
	p := &fakeProvider{t: t, script: []models.Event{
		{Type: models.EventText, Text: "hi"},
		{Type: models.EventFileWritten, Path: "src/a.ts", Content: &content},
		{Type: models.EventResult},
	}}
	f := dial(t, p)

	events, err := f.Generate(context.Background(), models.GenerateRequest{Prompt: "build"})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, models.EventFileWritten, got[1].Type)
	assert.Equal(t, "export {}", *got[1].Content)

	msgs := p.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, MessageGenerate, msgs[0].Type)
	require.NotNil(t, msgs[0].Request)
	assert.Equal(t, "build", msgs[0].Request.Prompt)
	assert.Equal(t, "test-model", msgs[0].Request.Options.Model)
	assert.NotEmpty(t, msgs[0].ID)
	assert.Equal(t, "Bearer secret", p.auth)

	// The feed is free for the next turn.
	events, err = f.Generate(context.Background(), models.GenerateRequest{Prompt: "again"})
	require.NoError(t, err)
	assert.Len(t, collect(t, events), 3)
}

func TestRoundTripMessages(t *testing.T) {
	p := &fakeProvider{t: t}
	f := dial(t, p)
	ctx := context.Background()

	require.NoError(t, f.SubmitQuestionAnswers(ctx, "q1", map[string]interface{}{"color": "blue"}))
	require.NoError(t, f.CancelQuestion(ctx, "q2"))
	require.NoError(t, f.SubmitScreenshot(ctx, models.ScreenshotResult{RequestID: "s1", Error: "no browser"}))

	require.Eventually(t, func() bool { return len(p.messages()) == 3 }, 5*time.Second, 10*time.Millisecond)
	msgs := p.messages()
	assert.Equal(t, MessageAnswers, msgs[0].Type)
	assert.Equal(t, "q1", msgs[0].RequestID)
	assert.Equal(t, "blue", msgs[0].Answers["color"])
	assert.Equal(t, MessageCancelQuestion, msgs[1].Type)
	assert.Equal(t, "q2", msgs[1].RequestID)
	assert.Equal(t, MessageScreenshot, msgs[2].Type)
	require.NotNil(t, msgs[2].Screenshot)
	assert.Equal(t, "no browser", msgs[2].Screenshot.Error)
}

func TestCancelSendsAbort(t *testing.T) {
	p := &fakeProvider{t: t, script: []models.Event{{Type: models.EventText, Text: "partial"}}}
	f := dial(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := f.Generate(ctx, models.GenerateRequest{ID: "turn-1", Prompt: "p"})
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, "partial", ev.Text)

	_, err = f.Generate(context.Background(), models.GenerateRequest{Prompt: "other"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	cancel()
	require.Eventually(t, func() bool {
		for _, m := range p.messages() {
			if m.Type == MessageAbort && m.ID == "turn-1" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	// A new turn can start once the old one is detached.
	p.mu.Lock()
	p.script = []models.Event{{Type: models.EventResult}}
	p.mu.Unlock()
	events, err = f.Generate(context.Background(), models.GenerateRequest{Prompt: "next"})
	require.NoError(t, err)
	assert.Len(t, collect(t, events), 1)
}

func TestConnectionLossClosesStream(t *testing.T) {
	p := &fakeProvider{t: t, script: []models.Event{{Type: models.EventText, Text: "partial"}}}
	f := dial(t, p)

	events, err := f.Generate(context.Background(), models.GenerateRequest{Prompt: "p"})
	require.NoError(t, err)
	<-events

	p.dropConnections()
	assert.Empty(t, collect(t, events))

	_, err = f.Generate(context.Background(), models.GenerateRequest{Prompt: "p"})
	assert.True(t, errors.Is(err, errors.ErrCodeStreamError))
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(context.Background(), config.ProviderConfig{}, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigInvalid))

	_, err = Dial(context.Background(), config.ProviderConfig{URL: "ws://127.0.0.1:1/feed"}, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeStreamError))
}
