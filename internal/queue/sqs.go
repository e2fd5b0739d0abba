// Package queue carries asynchronous enhancement jobs and their results.
package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/felipepmaragno/photo-router/internal/crypto"
	"github.com/felipepmaragno/photo-router/internal/domain"
)

type Job struct {
	ID         string          `json:"id"`
	AccountID  string          `json:"account_id"`
	Tier       domain.Tier     `json:"tier"`
	Task       domain.EditTask `json:"task"`
	Prompt     string          `json:"prompt,omitempty"`
	Quality    float64         `json:"quality,omitempty"`
	TargetSize *domain.Size    `json:"target_size,omitempty"`
	Burst      []domain.Image  `json:"burst"`
	CreatedAt  time.Time       `json:"created_at"`

	// ReceiptHandle identifies the delivery for DeleteRequest.
	ReceiptHandle string `json:"-"`
}

type JobResult struct {
	RequestID   string                 `json:"request_id"`
	AccountID   string                 `json:"account_id"`
	Result      *domain.ProviderResult `json:"result,omitempty"`
	ErrorCode   string                 `json:"error_code,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CompletedAt time.Time              `json:"completed_at"`
}

type Queue interface {
	SendRequest(ctx context.Context, job Job) error
	ReceiveRequests(ctx context.Context, maxMessages int) ([]Job, error)
	DeleteRequest(ctx context.Context, receiptHandle string) error
	SendResponse(ctx context.Context, resp JobResult) error
}

// codec encodes message bodies as JSON, sealed and base64 encoded when a
// sealer is configured.
type codec struct {
	sealer *crypto.Sealer
}

func (c codec) encode(v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if c.sealer == nil {
		return string(body), nil
	}
	sealed, err := c.sealer.Seal(body)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c codec) decode(s string, v any) error {
	body := []byte(s)
	if c.sealer != nil {
		sealed, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode sealed body: %w", err)
		}
		if body, err = c.sealer.Open(sealed); err != nil {
			return err
		}
	}
	return json.Unmarshal(body, v)
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client           sqsAPI
	codec            codec
	requestQueueURL  string
	responseQueueURL string
}

type Option func(*SQSQueue)

// WithSealer encrypts message bodies. Producers and consumers must share the
// key.
func WithSealer(s *crypto.Sealer) Option {
	return func(q *SQSQueue) { q.codec.sealer = s }
}

func NewSQSQueueWithConfig(cfg aws.Config, requestQueueURL, responseQueueURL string, opts ...Option) *SQSQueue {
	q := &SQSQueue{
		client:           sqs.NewFromConfig(cfg),
		requestQueueURL:  requestQueueURL,
		responseQueueURL: responseQueueURL,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func attributes(accountID, requestID string) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"AccountID": {
			DataType:    aws.String("String"),
			StringValue: aws.String(accountID),
		},
		"RequestID": {
			DataType:    aws.String("String"),
			StringValue: aws.String(requestID),
		},
	}
}

func (q *SQSQueue) SendRequest(ctx context.Context, job Job) error {
	body, err := q.codec.encode(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.requestQueueURL),
		MessageBody:       aws.String(body),
		MessageAttributes: attributes(job.AccountID, job.ID),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// ReceiveRequests long-polls for up to maxMessages jobs. Undecodable
// messages are skipped and left for the redrive policy.
func (q *SQSQueue) ReceiveRequests(ctx context.Context, maxMessages int) ([]Job, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.requestQueueURL),
		MaxNumberOfMessages:   int32(min(maxMessages, 10)),
		WaitTimeSeconds:       20,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	jobs := make([]Job, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var job Job
		if err := q.codec.decode(aws.ToString(msg.Body), &job); err != nil {
			slog.Warn("failed to decode job message",
				"message_id", aws.ToString(msg.MessageId),
				"error", err,
			)
			continue
		}
		job.ReceiptHandle = aws.ToString(msg.ReceiptHandle)
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *SQSQueue) DeleteRequest(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.requestQueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (q *SQSQueue) SendResponse(ctx context.Context, resp JobResult) error {
	body, err := q.codec.encode(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.responseQueueURL),
		MessageBody:       aws.String(body),
		MessageAttributes: attributes(resp.AccountID, resp.RequestID),
	})
	if err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}

// InMemoryQueue serves single-instance deployments and tests. Received jobs
// are removed immediately; DeleteRequest is a no-op.
type InMemoryQueue struct {
	mu        sync.Mutex
	requests  []Job
	responses []JobResult
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{}
}

func (q *InMemoryQueue) SendRequest(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, job)
	return nil
}

func (q *InMemoryQueue) ReceiveRequests(ctx context.Context, maxMessages int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := min(maxMessages, len(q.requests))
	result := make([]Job, count)
	copy(result, q.requests[:count])
	q.requests = q.requests[count:]
	return result, nil
}

func (q *InMemoryQueue) DeleteRequest(ctx context.Context, receiptHandle string) error {
	return nil
}

func (q *InMemoryQueue) SendResponse(ctx context.Context, resp JobResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.responses = append(q.responses, resp)
	return nil
}

func (q *InMemoryQueue) Responses() []JobResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]JobResult, len(q.responses))
	copy(result, q.responses)
	return result
}
