package main

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"sparlo-backend/internal/bootstrap"
	"sparlo-backend/internal/queue"
)

type fakeSQS struct {
	deleted []string
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	_ = ctx
	_ = params
	_ = optFns
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	_ = ctx
	_ = optFns
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type fakeRunner struct {
	err     error
	runs    []string
	resumes []string
}

func (f *fakeRunner) Run(ctx context.Context, reportID, requestID string) error {
	_ = ctx
	_ = requestID
	f.runs = append(f.runs, reportID)
	return f.err
}

func (f *fakeRunner) Resume(ctx context.Context, reportID, requestID string) error {
	_ = ctx
	_ = requestID
	f.resumes = append(f.resumes, reportID)
	return f.err
}

func appWith(runner *fakeRunner) *bootstrap.App {
	return &bootstrap.App{Pipeline: runner}
}

func TestWorkerDeletesMessageOnSuccess(t *testing.T) {
	client := &fakeSQS{}
	runner := &fakeRunner{}
	msgBody, _ := queue.EncodeMessage(queue.Message{ReportID: "report-1", Kind: queue.KindRun, RequestID: "req-1"})
	msg := sqstypes.Message{
		MessageId:     aws.String("m1"),
		ReceiptHandle: aws.String("r1"),
		Body:          aws.String(string(msgBody)),
		Attributes:    map[string]string{"ApproximateReceiveCount": "1"},
	}

	handleMessage(context.Background(), appWith(runner), client, "queue", msg)

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
	if len(runner.runs) != 1 || runner.runs[0] != "report-1" {
		t.Fatalf("expected one run for report-1, got %v", runner.runs)
	}
}

func TestWorkerDispatchesResume(t *testing.T) {
	client := &fakeSQS{}
	runner := &fakeRunner{}
	msgBody, _ := queue.EncodeMessage(queue.Message{ReportID: "report-2", Kind: queue.KindResume, RequestID: "req-2"})
	msg := sqstypes.Message{
		MessageId:     aws.String("m2"),
		ReceiptHandle: aws.String("r2"),
		Body:          aws.String(string(msgBody)),
	}

	handleMessage(context.Background(), appWith(runner), client, "queue", msg)

	if len(runner.resumes) != 1 || runner.resumes[0] != "report-2" {
		t.Fatalf("expected one resume for report-2, got %v", runner.resumes)
	}
	if len(runner.runs) != 0 {
		t.Fatalf("expected no runs, got %v", runner.runs)
	}
}

func TestWorkerDoesNotDeleteOnFailure(t *testing.T) {
	client := &fakeSQS{}
	runner := &fakeRunner{err: errors.New("boom")}
	msgBody, _ := queue.EncodeMessage(queue.Message{ReportID: "report-3", Kind: queue.KindRun, RequestID: "req-3"})
	msg := sqstypes.Message{
		MessageId:     aws.String("m3"),
		ReceiptHandle: aws.String("r3"),
		Body:          aws.String(string(msgBody)),
	}

	handleMessage(context.Background(), appWith(runner), client, "queue", msg)

	if len(client.deleted) != 0 {
		t.Fatalf("expected no delete, got %d", len(client.deleted))
	}
}

func TestWorkerDeletesOnInvalidJSON(t *testing.T) {
	client := &fakeSQS{}
	runner := &fakeRunner{}
	msg := sqstypes.Message{
		MessageId:     aws.String("m4"),
		ReceiptHandle: aws.String("r4"),
		Body:          aws.String("{bad-json"),
	}

	handleMessage(context.Background(), appWith(runner), client, "queue", msg)

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
	if len(runner.runs) != 0 {
		t.Fatalf("expected no runs, got %v", runner.runs)
	}
}

func TestWorkerDeletesOnUnknownKind(t *testing.T) {
	client := &fakeSQS{}
	runner := &fakeRunner{}
	msgBody, _ := queue.EncodeMessage(queue.Message{ReportID: "report-5", Kind: "replay", RequestID: "req-5"})
	msg := sqstypes.Message{
		MessageId:     aws.String("m5"),
		ReceiptHandle: aws.String("r5"),
		Body:          aws.String(string(msgBody)),
	}

	handleMessage(context.Background(), appWith(runner), client, "queue", msg)

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
	if len(runner.runs) != 0 || len(runner.resumes) != 0 {
		t.Fatalf("expected no processing, got runs=%v resumes=%v", runner.runs, runner.resumes)
	}
}
