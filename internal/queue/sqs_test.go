package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type mockSQSClient struct {
	mu         sync.Mutex
	inbox      []types.Message
	sent       []*sqs.SendMessageInput
	deleted    []string
	receiveErr error
}

func (m *mockSQSClient) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("mid")}, nil
}

func (m *mockSQSClient) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	if len(m.inbox) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	n := min(int(in.MaxNumberOfMessages), len(m.inbox))
	out := m.inbox[:n]
	m.inbox = m.inbox[n:]
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (m *mockSQSClient) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

// deliver moves everything sent to url into the inbox, the way SQS would.
func (m *mockSQSClient) deliver(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, in := range m.sent {
		if aws.ToString(in.QueueUrl) == url {
			m.inbox = append(m.inbox, types.Message{
				ReceiptHandle: aws.String("rh-" + string(rune('a'+i))),
				Body:          in.MessageBody,
			})
		}
	}
}

const (
	testQueueURL = "https://sqs.us-east-1.amazonaws.com/123/outbound"
	testDLQURL   = "https://sqs.us-east-1.amazonaws.com/123/outbound-dlq"
)

func TestSQSQueue_EnqueueReceiveAck(t *testing.T) {
	mock := &mockSQSClient{}
	q := NewSQSQueue(mock, SQSOptions{QueueURL: testQueueURL, DLQURL: testDLQURL})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testMessage("r@example.com"))
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if got := aws.ToString(mock.sent[0].MessageAttributes["job_id"].StringValue); got != id {
		t.Errorf("expected job_id attribute %s, got %s", id, got)
	}

	mock.deliver(testQueueURL)
	d, err := q.Receive(ctx)
	if err != nil || d == nil {
		t.Fatalf("expected delivery, got %v, %v", d, err)
	}
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil || job.ID != id {
		t.Fatalf("unexpected job %+v (%v)", job, err)
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack() error: %v", err)
	}
	if len(mock.deleted) != 1 || mock.deleted[0] != d.Handle {
		t.Errorf("expected receipt handle deleted, got %v", mock.deleted)
	}

	if d, err := q.Receive(ctx); d != nil || err != nil {
		t.Errorf("expected empty receive, got %v, %v", d, err)
	}
}

func TestSQSQueue_DeadLetter(t *testing.T) {
	mock := &mockSQSClient{}
	q := NewSQSQueue(mock, SQSOptions{QueueURL: testQueueURL, DLQURL: testDLQURL})
	d := &Delivery{Handle: "rh-1", Body: []byte(`{"id":"j1"}`)}

	if err := q.DeadLetter(context.Background(), d, DeadLetter{JobID: "j1", Body: string(d.Body), Reason: "boom"}); err != nil {
		t.Fatalf("DeadLetter() error: %v", err)
	}
	if len(mock.sent) != 1 || aws.ToString(mock.sent[0].QueueUrl) != testDLQURL {
		t.Fatalf("expected one message on the DLQ, got %d", len(mock.sent))
	}
	if got := aws.ToString(mock.sent[0].MessageAttributes["reason"].StringValue); got != "boom" {
		t.Errorf("expected reason attribute boom, got %q", got)
	}
	if len(mock.deleted) != 1 {
		t.Error("expected original to be deleted")
	}
}

func TestSQSQueue_DeadLetterWithoutDLQ(t *testing.T) {
	mock := &mockSQSClient{}
	q := NewSQSQueue(mock, SQSOptions{QueueURL: testQueueURL})

	if err := q.DeadLetter(context.Background(), &Delivery{Handle: "rh-1"}, DeadLetter{Reason: "boom"}); err != nil {
		t.Fatalf("DeadLetter() error: %v", err)
	}
	if len(mock.sent) != 0 || len(mock.deleted) != 1 {
		t.Errorf("expected delete only, got sent=%d deleted=%d", len(mock.sent), len(mock.deleted))
	}
}

func TestSQSQueue_ReceiveError(t *testing.T) {
	mock := &mockSQSClient{receiveErr: errors.New("throttled")}
	q := NewSQSQueue(mock, SQSOptions{QueueURL: testQueueURL})
	if _, err := q.Receive(context.Background()); !errors.Is(err, mock.receiveErr) {
		t.Errorf("expected wrapped receive error, got %v", err)
	}
}
