package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/SeatWatch/internal/conversation"
	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/BTreeMap/SeatWatch/internal/store"
)

// Controller handles one inbound message and returns the reply.
type Controller interface {
	Handle(ctx context.Context, userID, text string) conversation.Reply
}

// ResponseHandler routes incoming messages to the conversation controller
// and sends the replies. Messages carrying an ID are processed at most once.
type ResponseHandler struct {
	msgService Service
	controller Controller
	dedup      store.DedupRepo
	wg         sync.WaitGroup
}

// NewResponseHandler creates a ResponseHandler. dedup may be nil.
func NewResponseHandler(msgService Service, controller Controller, dedup store.DedupRepo) *ResponseHandler {
	return &ResponseHandler{
		msgService: msgService,
		controller: controller,
		dedup:      dedup,
	}
}

// ProcessResponse handles one inbound message.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	from, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler.ProcessResponse: invalid sender", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}

	if response.MessageID != "" && rh.dedup != nil {
		inserted, err := rh.dedup.RecordInbound(ctx, response.MessageID, from)
		if err != nil {
			slog.Warn("ResponseHandler.ProcessResponse: dedup record failed", "error", err, "messageID", response.MessageID)
		} else if !inserted {
			slog.Info("ResponseHandler.ProcessResponse: duplicate message ignored", "from", from, "messageID", response.MessageID)
			return nil
		}
	}

	slog.Debug("ResponseHandler.ProcessResponse", "from", from, "body_length", len(response.Body))
	reply := rh.controller.Handle(ctx, from, response.Body)

	if reply.Text != "" {
		if err := rh.msgService.SendMessage(ctx, from, reply.Text); err != nil {
			slog.Error("ResponseHandler.ProcessResponse: reply not sent", "error", err, "from", from)
			return fmt.Errorf("failed to send reply: %w", err)
		}
	}

	if response.MessageID != "" && rh.dedup != nil {
		if err := rh.dedup.MarkProcessed(ctx, response.MessageID); err != nil {
			slog.Warn("ResponseHandler.ProcessResponse: mark processed failed", "error", err, "messageID", response.MessageID)
		}
	}
	return nil
}

// Start consumes responses and receipts from the messaging service until
// ctx is cancelled or the channels close.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		defer slog.Info("ResponseHandler stopped response processing")

		responses := rh.msgService.Responses()
		receipts := rh.msgService.Receipts()
		for responses != nil || receipts != nil {
			select {
			case response, ok := <-responses:
				if !ok {
					responses = nil
					continue
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}
			case receipt, ok := <-receipts:
				if !ok {
					receipts = nil
					continue
				}
				slog.Debug("ResponseHandler receipt", "to", receipt.To, "status", receipt.Status)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the processing goroutine has exited.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}
