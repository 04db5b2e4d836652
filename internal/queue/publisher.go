// Package queue provides SQS-based message producers for dispatching signup
// and quota-crossing payloads to downstream workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"nutrisight/internal/config"
	"nutrisight/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher serializes domain events and dispatches them to the worker
// queues. Delivery is at-least-once; consumers are idempotent (provisioning
// upserts, dispatch-log conditional inserts), so duplicates are harmless.
type Publisher struct {
	client        SQSSender
	signupQueue   string
	crossingQueue string
	logger        *slog.Logger
}

// NewPublisher creates a Publisher with the given SQS client and queue
// configuration.
func NewPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:        client,
		signupQueue:   awsCfg.SignupQueue,
		crossingQueue: awsCfg.CrossingQueue,
		logger:        logger,
	}
}

// PublishSignup enqueues an account-created event for the signup worker.
// A trace ID is assigned when the event carries none.
func (p *Publisher) PublishSignup(ctx context.Context, event types.SignupEvent) error {
	if event.TraceID == "" {
		event.TraceID = uuid.NewString()
	}

	if err := p.send(ctx, p.signupQueue, event, "account_created"); err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "signup event published",
		"queue_url", p.signupQueue,
		"user_id", event.UserID,
		"trace_id", event.TraceID,
	)
	return nil
}

// PublishCrossing enqueues a tier-crossing event for the email worker.
func (p *Publisher) PublishCrossing(ctx context.Context, msg types.CrossingMessage) error {
	if msg.TraceID == "" {
		msg.TraceID = uuid.NewString()
	}

	if err := p.send(ctx, p.crossingQueue, msg, "tier_crossing"); err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "crossing message published",
		"queue_url", p.crossingQueue,
		"user_id", msg.UserID,
		"tier", string(msg.Tier),
		"previous_tier", string(msg.PreviousTier),
		"trace_id", msg.TraceID,
	)
	return nil
}

// send serializes the payload to JSON and dispatches it to the queue with a
// reason attribute for queue-side filtering.
func (p *Publisher) send(ctx context.Context, queueURL string, payload any, reason string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal %s payload: %w", reason, err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send %s message to %s: %w", reason, queueURL, err)
	}
	return nil
}
