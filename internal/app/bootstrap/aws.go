package bootstrap

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/carepath-scheduler/internal/config"
	schedulingworker "github.com/wolfman30/carepath-scheduler/internal/worker/scheduling"
	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

// LoadAWSConfig centralizes AWS SDK initialization so every binary shares the
// same LocalStack/production wiring.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, err
	}

	if endpoint := cfg.AWSEndpointOverride; endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				if service == sqs.ServiceID {
					return aws.Endpoint{
						URL:           endpoint,
						PartitionID:   "aws",
						SigningRegion: cfg.AWSRegion,
					}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			},
		)
	}

	return awsCfg, nil
}

// BuildPublisher returns the SQS refresh publisher, or nil when no queue is
// configured.
func BuildPublisher(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (schedulingworker.Publisher, error) {
	if cfg == nil || strings.TrimSpace(cfg.SchedulingEventsQueueURL) == "" {
		return nil, nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("bootstrap: refresh notifications enabled", "queue_url", cfg.SchedulingEventsQueueURL)
	return schedulingworker.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.SchedulingEventsQueueURL), nil
}
