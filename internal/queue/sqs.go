package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/sungwon/sesmailer/internal/metrics"
	"github.com/sungwon/sesmailer/internal/transport"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSOptions configures an SQSQueue.
type SQSOptions struct {
	QueueURL          string
	DLQURL            string
	Region            string
	Endpoint          string
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// SQSQueue is an SQS queue with an optional dead-letter queue.
type SQSQueue struct {
	client sqsAPI
	opts   SQSOptions
}

func NewSQSQueue(client sqsAPI, opts SQSOptions) *SQSQueue {
	return &SQSQueue{client: client, opts: opts}
}

// NewSQSQueueFromConfig builds a real SQS client. A custom endpoint
// (LocalStack, ElasticMQ) overrides the SDK resolver.
func NewSQSQueueFromConfig(ctx context.Context, opts SQSOptions) (*SQSQueue, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewSQSQueue(client, opts), nil
}

func (q *SQSQueue) Name() string { return "sqs" }

// Enqueue sends msg and returns the job id.
func (q *SQSQueue) Enqueue(ctx context.Context, msg *transport.Message) (string, error) {
	job, data, err := encodeJob(msg)
	if err != nil {
		return "", err
	}
	if _, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.opts.QueueURL),
		MessageBody: aws.String(string(data)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"job_id": {DataType: aws.String("String"), StringValue: aws.String(job.ID)},
		},
	}); err != nil {
		return "", fmt.Errorf("sqs send: %w", err)
	}
	metrics.QueueMessagesTotal.WithLabelValues(q.Name(), "enqueued").Inc()
	return job.ID, nil
}

// Receive long-polls for one message.
func (q *SQSQueue) Receive(ctx context.Context) (*Delivery, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.opts.QueueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(q.opts.WaitTime / time.Second),
		VisibilityTimeout:   int32(q.opts.VisibilityTimeout / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	m := out.Messages[0]
	return &Delivery{Handle: aws.ToString(m.ReceiptHandle), Body: []byte(aws.ToString(m.Body))}, nil
}

func (q *SQSQueue) Ack(ctx context.Context, d *Delivery) error {
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.opts.QueueURL),
		ReceiptHandle: aws.String(d.Handle),
	}); err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

// DeadLetter sends dl to the dead-letter queue, when one is configured,
// and deletes d.
func (q *SQSQueue) DeadLetter(ctx context.Context, d *Delivery, dl DeadLetter) error {
	if q.opts.DLQURL != "" {
		data, err := json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("marshal dead letter: %w", err)
		}
		if _, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(q.opts.DLQURL),
			MessageBody: aws.String(string(data)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"reason": {DataType: aws.String("String"), StringValue: aws.String(dl.Reason)},
			},
		}); err != nil {
			return fmt.Errorf("sqs send to dlq: %w", err)
		}
	}
	return q.Ack(ctx, d)
}
