// Package metrics emits operational metrics for the notification pipeline
// to AWS CloudWatch.
package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"nutrisight/internal/types"
)

// Metric and dimension names published to CloudWatch.
const (
	MetricDispatchAttempt = "DispatchAttempt"
	MetricDispatchLatency = "DispatchLatency"
	MetricQueueLag        = "QueueLag"

	DimTier   = "Tier"
	DimResult = "Result"
)

// DispatchMetrics is implemented by the CloudWatch recorder and by test
// doubles. All methods are fire-and-forget: failures are logged, never
// propagated.
type DispatchMetrics interface {
	// RecordDispatch counts one send attempt per tier and outcome.
	RecordDispatch(ctx context.Context, tier types.QuotaTier, outcome types.DispatchOutcome)

	// RecordDispatchLatency tracks how long the provider call took.
	RecordDispatchLatency(ctx context.Context, tier types.QuotaTier, duration time.Duration)

	// RecordQueueLag tracks the delay between message enqueue and worker
	// processing start.
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ DispatchMetrics = (*CloudWatchDispatchMetrics)(nil)

// CloudWatchDispatchMetrics publishes dispatch metrics to a CloudWatch
// namespace.
type CloudWatchDispatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchDispatchMetrics creates a recorder publishing to the given
// namespace.
func NewCloudWatchDispatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchDispatchMetrics {
	return &CloudWatchDispatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (m *CloudWatchDispatchMetrics) RecordDispatch(ctx context.Context, tier types.QuotaTier, outcome types.DispatchOutcome) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricDispatchAttempt),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String(DimTier),
						Value: aws.String(string(tier)),
					},
					{
						Name:  aws.String(DimResult),
						Value: aws.String(string(outcome)),
					},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record dispatch metric",
			"error", err.Error(),
			"tier", string(tier),
			"result", string(outcome),
		)
	}
}

func (m *CloudWatchDispatchMetrics) RecordDispatchLatency(ctx context.Context, tier types.QuotaTier, duration time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricDispatchLatency),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String(DimTier),
						Value: aws.String(string(tier)),
					},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record dispatch latency metric",
			"error", err.Error(),
			"tier", string(tier),
			"duration_ms", duration.Milliseconds(),
		)
	}
}

func (m *CloudWatchDispatchMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricQueueLag),
				Value:      aws.Float64(float64(lag.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record queue lag metric",
			"error", err.Error(),
			"lag_ms", lag.Milliseconds(),
		)
	}
}

// NoopMetrics discards all recordings. Used where metrics are not configured.
type NoopMetrics struct{}

var _ DispatchMetrics = NoopMetrics{}

func (NoopMetrics) RecordDispatch(context.Context, types.QuotaTier, types.DispatchOutcome) {}
func (NoopMetrics) RecordDispatchLatency(context.Context, types.QuotaTier, time.Duration)  {}
func (NoopMetrics) RecordQueueLag(context.Context, time.Duration)                          {}
