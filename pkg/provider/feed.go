// Package provider connects to the generation provider over a websocket.
// Prompts go out as generate messages and the provider answers with the
// turn's event stream; question answers, question cancellations and
// screenshots are sent back on the same connection.
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grovetools/preview/config"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/models"
	"github.com/sirupsen/logrus"
)

// Outbound message types.
const (
	MessageGenerate       = "generate"
	MessageAbort          = "abort"
	MessageAnswers        = "answers"
	MessageCancelQuestion = "cancel_question"
	MessageScreenshot     = "screenshot"
)

const (
	writeWait    = 10 * time.Second
	eventBuffer  = 64
	handshakeMax = 15 * time.Second
)

// Message is a client to provider frame.
type Message struct {
	Type       string                   `json:"type"`
	ID         string                   `json:"id,omitempty"`
	Request    *models.GenerateRequest  `json:"request,omitempty"`
	RequestID  string                   `json:"requestId,omitempty"`
	Answers    map[string]interface{}   `json:"answers,omitempty"`
	Screenshot *models.ScreenshotResult `json:"screenshot,omitempty"`
}

// Feed is one provider connection. It runs at most one generation at a time.
type Feed struct {
	conn     *websocket.Conn
	defaults models.GenerateOptions
	logger   *logrus.Entry

	writeMu sync.Mutex

	mu      sync.Mutex
	current *stream
	closed  bool
	readErr error
	done    chan struct{}
}

type stream struct {
	id     string
	events chan models.Event
	stop   chan struct{}
	once   sync.Once
}

func (s *stream) close() {
	s.once.Do(func() { close(s.events) })
}

// Dial connects to cfg.URL. The API key is read from the environment
// variable cfg.APIKeyEnv and sent as a bearer token.
func Dial(ctx context.Context, cfg config.ProviderConfig, logger *logrus.Entry) (*Feed, error) {
	if cfg.URL == "" {
		return nil, errors.ConfigInvalid("provider.url is not set")
	}
	header := http.Header{}
	var apiKey string
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
		if apiKey != "" {
			header.Set("Authorization", "Bearer "+apiKey)
		}
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeMax,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStreamError, "failed to connect to provider").
			WithDetail("url", cfg.URL)
	}

	return newFeed(conn, models.GenerateOptions{
		Provider:        cfg.Provider,
		Model:           cfg.Model,
		APIKey:          apiKey,
		ReasoningEffort: cfg.ReasoningEffort,
	}, logger), nil
}

func newFeed(conn *websocket.Conn, defaults models.GenerateOptions, logger *logrus.Entry) *Feed {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	f := &Feed{
		conn:     conn,
		defaults: defaults,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go f.readLoop()
	return f
}

// Generate starts a turn and returns its events. The channel closes after
// the terminal event or when the connection fails. When ctx ends first the
// provider is told to abort and no further events are delivered.
func (f *Feed) Generate(ctx context.Context, req models.GenerateRequest) (<-chan models.Event, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Options = withDefaults(req.Options, f.defaults)

	s := &stream{id: req.ID, events: make(chan models.Event, eventBuffer), stop: make(chan struct{})}
	f.mu.Lock()
	switch {
	case f.closed:
		err := f.readErr
		f.mu.Unlock()
		return nil, errors.Wrap(err, errors.ErrCodeStreamError, "provider connection closed")
	case f.current != nil:
		f.mu.Unlock()
		return nil, errors.New(errors.ErrCodeInvalidInput, "a generation is already running")
	}
	f.current = s
	f.mu.Unlock()

	if err := f.send(Message{Type: MessageGenerate, ID: req.ID, Request: &req}); err != nil {
		f.detach(s)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			if f.detach(s) {
				if err := f.send(Message{Type: MessageAbort, ID: s.id}); err != nil {
					f.logger.WithError(err).Debug("Failed to send abort")
				}
			}
		case <-s.stop:
		}
	}()
	return s.events, nil
}

// SubmitQuestionAnswers answers a question_request.
func (f *Feed) SubmitQuestionAnswers(ctx context.Context, requestID string, answers map[string]interface{}) error {
	return f.sendContext(ctx, Message{Type: MessageAnswers, RequestID: requestID, Answers: answers})
}

// CancelQuestion withdraws a question_request.
func (f *Feed) CancelQuestion(ctx context.Context, requestID string) error {
	return f.sendContext(ctx, Message{Type: MessageCancelQuestion, RequestID: requestID})
}

// SubmitScreenshot answers a screenshot_request.
func (f *Feed) SubmitScreenshot(ctx context.Context, result models.ScreenshotResult) error {
	return f.sendContext(ctx, Message{Type: MessageScreenshot, RequestID: result.RequestID, Screenshot: &result})
}

// Close closes the connection and ends any running stream.
func (f *Feed) Close() error {
	f.writeMu.Lock()
	_ = f.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	f.writeMu.Unlock()
	err := f.conn.Close()
	<-f.done
	return err
}

func (f *Feed) sendContext(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.send(msg)
}

func (f *Feed) send(msg Message) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := f.conn.WriteJSON(msg); err != nil {
		return errors.Wrap(err, errors.ErrCodeStreamError, "failed to write to provider").
			WithDetail("type", msg.Type)
	}
	return nil
}

// detach ends s and reports whether this call did it. Only readLoop
// sends on s.events, so only readLoop closes it.
func (f *Feed) detach(s *stream) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != s {
		return false
	}
	f.current = nil
	close(s.stop)
	return true
}

func (f *Feed) readLoop() {
	defer close(f.done)
	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			f.closed = true
			f.readErr = err
			s := f.current
			f.mu.Unlock()
			if s != nil {
				f.detach(s)
				s.close()
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				f.logger.WithError(err).Debug("Provider connection ended")
			}
			return
		}

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			f.logger.WithError(err).Warn("Dropping undecodable provider frame")
			continue
		}

		f.mu.Lock()
		s := f.current
		f.mu.Unlock()
		if s == nil {
			f.logger.WithField("type", ev.Type).Debug("Dropping event outside a generation")
			continue
		}

		select {
		case s.events <- ev:
		case <-s.stop:
			continue
		}
		if ev.Type.Terminal() {
			f.detach(s)
			s.close()
		}
	}
}

func withDefaults(opts, defaults models.GenerateOptions) models.GenerateOptions {
	if opts.Provider == "" {
		opts.Provider = defaults.Provider
	}
	if opts.Model == "" {
		opts.Model = defaults.Model
	}
	if opts.APIKey == "" {
		opts.APIKey = defaults.APIKey
	}
	if opts.ReasoningEffort == "" {
		opts.ReasoningEffort = defaults.ReasoningEffort
	}
	return opts
}
