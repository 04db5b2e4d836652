package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"nutrisight/internal/config"
	"nutrisight/internal/types"
)

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const (
	testSignupURL   = "https://sqs.us-east-1.amazonaws.com/123456789/signup-events"
	testCrossingURL = "https://sqs.us-east-1.amazonaws.com/123456789/quota-crossings"
)

func newTestPublisher(mock *mockSQSSender) *Publisher {
	awsCfg := config.AWSConfig{
		SignupQueue:   testSignupURL,
		CrossingQueue: testCrossingURL,
	}
	return NewPublisher(mock, awsCfg, slog.Default())
}

func TestPublishSignup(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	err := pub.PublishSignup(context.Background(), types.SignupEvent{
		UserID: "user_42",
		Email:  "new@example.com",
	})
	if err != nil {
		t.Fatalf("PublishSignup returned unexpected error: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}
	call := mock.calls[0]
	if *call.QueueUrl != testSignupURL {
		t.Errorf("expected queue %q, got %q", testSignupURL, *call.QueueUrl)
	}

	var event types.SignupEvent
	if err := json.Unmarshal([]byte(*call.MessageBody), &event); err != nil {
		t.Fatalf("message body is not valid JSON: %v", err)
	}
	if event.UserID != "user_42" {
		t.Errorf("expected user_42, got %q", event.UserID)
	}
	if event.TraceID == "" {
		t.Error("expected a trace ID to be assigned")
	}

	attr, ok := call.MessageAttributes["reason"]
	if !ok {
		t.Fatal("expected a reason message attribute")
	}
	if *attr.StringValue != "account_created" {
		t.Errorf("expected reason account_created, got %q", *attr.StringValue)
	}
}

func TestPublishSignupPreservesTraceID(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	err := pub.PublishSignup(context.Background(), types.SignupEvent{
		UserID:  "user_42",
		Email:   "new@example.com",
		TraceID: "trace_existing",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var event types.SignupEvent
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &event); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if event.TraceID != "trace_existing" {
		t.Errorf("expected trace_existing, got %q", event.TraceID)
	}
}

func TestPublishCrossing(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	err := pub.PublishCrossing(context.Background(), types.CrossingMessage{
		UserID:       "user_42",
		Email:        "new@example.com",
		PreviousTier: types.TierLow,
		Tier:         types.TierCritical,
		Remaining:    4,
		ScansUsed:    46,
		Allotment:    50,
		UpdatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("PublishCrossing returned unexpected error: %v", err)
	}

	call := mock.calls[0]
	if *call.QueueUrl != testCrossingURL {
		t.Errorf("expected queue %q, got %q", testCrossingURL, *call.QueueUrl)
	}

	var msg types.CrossingMessage
	if err := json.Unmarshal([]byte(*call.MessageBody), &msg); err != nil {
		t.Fatalf("message body is not valid JSON: %v", err)
	}
	if msg.Tier != types.TierCritical {
		t.Errorf("expected tier critical, got %q", msg.Tier)
	}
	if msg.PreviousTier != types.TierLow {
		t.Errorf("expected previous tier low, got %q", msg.PreviousTier)
	}
	if *call.MessageAttributes["reason"].StringValue != "tier_crossing" {
		t.Errorf("unexpected reason attribute %q", *call.MessageAttributes["reason"].StringValue)
	}
}

func TestPublishCrossingSQSFailure(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("access denied")}
	pub := newTestPublisher(mock)

	err := pub.PublishCrossing(context.Background(), types.CrossingMessage{
		UserID: "user_42",
		Email:  "new@example.com",
		Tier:   types.TierLow,
	})
	if err == nil {
		t.Fatal("expected an error from SQS failure")
	}
}
