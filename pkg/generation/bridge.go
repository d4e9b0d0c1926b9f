package generation

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/models"
)

// bridgeScreenshot captures rect and reports the image, or the failure,
// back to the provider. The provider always gets an answer so its pending
// tool call never hangs.
func (c *Consumer) bridgeScreenshot(ctx context.Context, requestID string, rect models.Rect) {
	capturer, provider := c.deps.Capturer, c.deps.Provider
	logger := c.logger.WithField("request", requestID)

	c.bridges.Add(1)
	go func() {
		defer c.bridges.Done()

		res := models.ScreenshotResult{RequestID: requestID}
		switch {
		case capturer == nil:
			res.Error = errors.ScreenshotFailed(requestID, errors.New(errors.ErrCodeNotFound, "no screenshot capturer")).Error()
		case rect.Empty():
			res.Error = errors.ScreenshotFailed(requestID, errors.New(errors.ErrCodeInvalidInput, "empty capture region")).Error()
		default:
			img, err := capturer.CaptureRegion(ctx, rect)
			if err == nil && len(img) == 0 {
				err = errors.New(errors.ErrCodeInternal, "capture returned no image")
			}
			if err != nil {
				res.Error = errors.ScreenshotFailed(requestID, err).Error()
			} else {
				res.Image = base64.StdEncoding.EncodeToString(img)
			}
		}
		if res.Error != "" {
			logger.WithField("error", res.Error).Warn("Screenshot capture failed")
		}

		if provider == nil {
			return
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callbackTimeout)
		defer cancel()
		if err := provider.SubmitScreenshot(sctx, res); err != nil {
			logger.WithError(err).Warn("Failed to submit screenshot result")
		}
	}()
}

// askLocked attaches a question to the turn's assistant message.
func (c *Consumer) askLocked(t *turn, requestID string, questions []models.Question) {
	if c.question != nil {
		c.dropQuestionLocked("Question replaced by a newer request.")
	}
	pq := &pendingQuestion{
		q:     models.NewPendingQuestion(requestID, questions),
		msgID: t.msgID,
	}
	if msg := c.messageLocked(t.msgID); msg != nil {
		msg.Question = pq.q
		msg.Status = "Waiting for your answer"
	}
	if d := c.opts.QuestionTimeout; d > 0 {
		pq.timer = time.AfterFunc(d, func() { c.expireQuestion(requestID) })
	}
	c.question = pq
	c.logger.WithField("request", requestID).Info("Provider asked " + describeQuestions(questions))
}

// PendingQuestion returns a copy of the question awaiting an answer.
func (c *Consumer) PendingQuestion() (*models.PendingQuestion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.question == nil {
		return nil, false
	}
	return copyQuestion(c.question.q), true
}

// SetAnswer records the answer to one question.
func (c *Consumer) SetAnswer(questionID string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.question == nil {
		return errors.New(errors.ErrCodeNotFound, "no pending question")
	}
	for _, q := range c.question.q.Questions {
		if q.ID == questionID {
			c.question.q.Answers[questionID] = value
			return nil
		}
	}
	return errors.New(errors.ErrCodeInvalidInput, "unknown question "+questionID)
}

// CanSubmitQuestions reports whether every required question has an answer.
func (c *Consumer) CanSubmitQuestions() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.question != nil && c.question.q.CanSubmit()
}

// SubmitQuestionAnswers sends the answers and clears the pending question.
// On a delivery failure the question stays pending so it can be retried.
func (c *Consumer) SubmitQuestionAnswers(ctx context.Context) error {
	c.mu.Lock()
	pq := c.question
	if pq == nil {
		c.mu.Unlock()
		return errors.New(errors.ErrCodeNotFound, "no pending question")
	}
	if !pq.q.CanSubmit() {
		c.mu.Unlock()
		return errors.New(errors.ErrCodeInvalidInput, "required questions are unanswered")
	}
	answers := pq.q.Resolved()
	c.clearQuestionLocked()
	c.mu.Unlock()

	if c.deps.Provider == nil {
		return nil
	}
	if err := c.deps.Provider.SubmitQuestionAnswers(ctx, pq.q.RequestID, answers); err != nil {
		c.mu.Lock()
		if c.question == nil {
			c.restoreQuestionLocked(pq)
		}
		c.mu.Unlock()
		return errors.Wrap(err, errors.ErrCodeStreamError, "failed to submit answers")
	}
	return nil
}

// CancelQuestion withdraws the pending question and tells the provider.
func (c *Consumer) CancelQuestion(ctx context.Context) error {
	c.mu.Lock()
	pq := c.question
	if pq == nil {
		c.mu.Unlock()
		return errors.New(errors.ErrCodeNotFound, "no pending question")
	}
	c.clearQuestionLocked()
	c.mu.Unlock()

	if c.deps.Provider == nil {
		return nil
	}
	if err := c.deps.Provider.CancelQuestion(ctx, pq.q.RequestID); err != nil {
		return errors.Wrap(err, errors.ErrCodeStreamError, "failed to cancel question")
	}
	return nil
}

func (c *Consumer) expireQuestion(requestID string) {
	c.mu.Lock()
	if c.question == nil || c.question.q.RequestID != requestID {
		c.mu.Unlock()
		return
	}
	c.dropQuestionLocked("Question timed out without an answer.")
	c.mu.Unlock()
}

// dropQuestionLocked clears the pending question, notes why in the
// transcript and tells the provider in the background.
func (c *Consumer) dropQuestionLocked(reason string) {
	pq := c.question
	c.clearQuestionLocked()
	c.transcript = append(c.transcript, models.Message{
		ID:        uuid.NewString(),
		Role:      models.MessageRoleSystem,
		Content:   reason,
		Timestamp: time.Now(),
	})

	provider := c.deps.Provider
	if provider == nil {
		return
	}
	logger := c.logger.WithField("request", pq.q.RequestID)
	c.bridges.Add(1)
	go func() {
		defer c.bridges.Done()
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		if err := provider.CancelQuestion(ctx, pq.q.RequestID); err != nil {
			logger.WithError(err).Warn("Failed to cancel question")
		}
	}()
}

func (c *Consumer) clearQuestionLocked() {
	pq := c.question
	if pq == nil {
		return
	}
	if pq.timer != nil {
		pq.timer.Stop()
	}
	if msg := c.messageLocked(pq.msgID); msg != nil {
		msg.Question = nil
		if msg.Status == "Waiting for your answer" {
			msg.Status = ""
		}
	}
	c.question = nil
}

func (c *Consumer) restoreQuestionLocked(pq *pendingQuestion) {
	pq.timer = nil
	if msg := c.messageLocked(pq.msgID); msg != nil {
		msg.Question = pq.q
	}
	c.question = pq
}
