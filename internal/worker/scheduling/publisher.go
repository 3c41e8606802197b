package schedulingworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/wolfman30/carepath-scheduler/internal/caches"
	"github.com/wolfman30/carepath-scheduler/internal/nextstep"
)

// NotificationCachesRefreshed is the message type sent after a refresh.
const NotificationCachesRefreshed = "episode.caches_refreshed"

// Notification is the body published for a refreshed episode.
type Notification struct {
	Type                string          `json:"type"`
	EpisodeID           uuid.UUID       `json:"episode_id"`
	Status              nextstep.Status `json:"status"`
	Reason              string          `json:"reason,omitempty"`
	StepCode            string          `json:"step_code,omitempty"`
	Earliest            *time.Time      `json:"earliest,omitempty"`
	Latest              *time.Time      `json:"latest,omitempty"`
	RemainingVisits     int             `json:"remaining_visits"`
	ProjectedCompletion *time.Time      `json:"projected_completion,omitempty"`
	RefreshedAt         time.Time       `json:"refreshed_at"`
}

// NewNotification builds the message for a refreshed cache pair.
func NewNotification(next *caches.NextStepRow, forecast *caches.ForecastRow, at time.Time) Notification {
	n := Notification{Type: NotificationCachesRefreshed, RefreshedAt: at}
	if next != nil {
		n.EpisodeID = next.EpisodeID
		n.Status = next.Status
		n.Reason = next.Reason
		n.StepCode = next.StepCode
		n.Earliest = next.Earliest
		n.Latest = next.Latest
	}
	if forecast != nil {
		n.EpisodeID = forecast.EpisodeID
		n.RemainingVisits = forecast.RemainingVisits
		n.ProjectedCompletion = forecast.ProjectedCompletion
	}
	return n
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends notifications to an SQS queue.
type SQSPublisher struct {
	client   sqsAPI
	queueURL string
}

// NewSQSPublisher wraps an SQS client. It panics on missing configuration.
func NewSQSPublisher(client sqsAPI, queueURL string) *SQSPublisher {
	if client == nil {
		panic("schedulingworker: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("schedulingworker: SQS queueURL cannot be empty")
	}
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("schedulingworker: encode notification: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {DataType: aws.String("String"), StringValue: aws.String(n.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("schedulingworker: failed to send SQS message: %w", err)
	}
	return nil
}
