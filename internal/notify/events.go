package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"wabridge/internal/domain"
	"wabridge/internal/observability"
	"wabridge/internal/util"
)

// MessageEvent is the envelope enqueued for each inbound message. Keep it
// small; SQS has a 256KB message size limit.
type MessageEvent struct {
	EventID      string                `json:"eventId"`
	ConnectionID string                `json:"connectionId"`
	Message      domain.InboundMessage `json:"message"`
	ReceivedAt   time.Time             `json:"receivedAt"`
}

type EventProducer struct {
	SQS      *sqs.Client
	QueueURL string
}

// EnqueueMessage is best-effort like the rest of the dispatcher: an enqueue
// failure is logged and the message still reaches the webhook path.
func (p *EventProducer) EnqueueMessage(id string, msg domain.InboundMessage) {
	ev := MessageEvent{
		EventID:      util.NewEventID(),
		ConnectionID: id,
		Message:      msg,
		ReceivedAt:   util.NowUTC(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		observability.EventEnqueues.WithLabelValues("error").Inc()
		slog.Error("event marshal failed", "connection_id", id, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	if err != nil {
		observability.EventEnqueues.WithLabelValues("error").Inc()
		slog.Error("event enqueue failed", "connection_id", id, "err", err)
		return
	}
	observability.EventEnqueues.WithLabelValues("ok").Inc()
}

func str(s string) *string { return &s }
