package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "tradeindex/config"
	"tradeindex/logger"
)

// Message is one received queue message plus the handle needed to ack it.
type Message struct {
	Body          string
	ReceiptHandle string
}

// SQSQueue implements the notification-queue capability over one queue URL.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
	log      *logger.Log
}

// NewSQSQueue configures the AWS SDK and binds a client to the configured
// queue URL.
func NewSQSQueue(cfg *appconfig.Config) (*SQSQueue, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	log.WithComponent("sqs").WithFields(logger.Fields{
		"queue_url": cfg.Storage.SQS.QueueURL,
	}).Debug("sqs queue initialized")

	return &SQSQueue{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.Storage.SQS.QueueURL,
		log:      log,
	}, nil
}

// Receive long-polls for up to max messages, waiting at most waitSeconds.
func (q *SQSQueue) Receive(ctx context.Context, max, waitSeconds int32) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     waitSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := Message{}
		if m.Body != nil {
			msg.Body = *m.Body
		}
		if m.ReceiptHandle != nil {
			msg.ReceiptHandle = *m.ReceiptHandle
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Delete acknowledges one message so the queue stops re-delivering it.
func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
