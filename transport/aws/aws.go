// Package aws provides the SNS/SQS transport for the statement stream.
// Statements are published to an SNS topic and consumed from an SQS queue
// subscribed to it.
package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/stmtflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.AWSCapabilities)
}

// Build creates the SNS/SQS transport. A configured endpoint (LocalStack)
// overrides both services and defaults the account id.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	endpoint, err := endpointURL(cfg.GetAWSEndpoint())
	if err != nil {
		return transport.Transport{}, err
	}
	awsCfg, err := loadAWSConfig(ctx, cfg, endpoint)
	if err != nil {
		return transport.Transport{}, err
	}

	accountID := resolveAccountID(cfg.GetAWSAccountID(), endpoint != nil, logger)
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          awsCfg.Region,
		"account_id":      accountID,
		"custom_endpoint": endpoint != nil,
	})

	topicResolver, err := TopicResolverFactory(accountID, awsCfg.Region)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("aws: topic resolver: %w", err)
	}
	snsOpts, sqsOpts := endpointOptions(endpoint)

	publisher, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            awsCfg,
			OptFns:               snsOpts,
			TopicResolver:        topicResolver,
			GenerateSqsQueueName: queueNameGenerator(cfg.GetConsumerGroup()),
		},
		sqs.SubscriberConfig{
			AWSConfig: awsCfg,
			OptFns:    sqsOpts,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

func loadAWSConfig(ctx context.Context, cfg transport.Config, endpoint *url.URL) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentials(key, secret)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws: load config: %w", err)
	}
	if region != "" {
		awsCfg.Region = region
	}
	if awsCfg.Region == "" {
		return aws.Config{}, errors.New("aws: region is required")
	}
	if endpoint != nil {
		awsCfg.BaseEndpoint = aws.String(endpoint.String())
	}
	return awsCfg, nil
}

// resolveAccountID falls back to the LocalStack account when an endpoint
// override is set and the configured id is missing or malformed.
func resolveAccountID(configured string, localstack bool, logger watermill.LoggerAdapter) string {
	accountID := strings.Trim(configured, "\"' ")
	if localstack && len(accountID) != awsAccountIDLength {
		logger.Info("Using LocalStack default account id", watermill.LogFields{"configured": accountID})
		return localstackAccountID
	}
	return accountID
}

// queueNameGenerator names the SQS queue after the SNS topic, suffixed with
// the consumer group so instances of one group share a queue.
func queueNameGenerator(group string) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		if group == "" {
			return string(topic), nil
		}
		return string(topic) + "-" + group, nil
	}
}

func endpointOptions(endpoint *url.URL) ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if endpoint == nil {
		return nil, nil
	}
	resolved := smithyendpoints.Endpoint{URI: *endpoint}
	return []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: resolved}),
		}, []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: resolved}),
		}
}

func endpointURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("aws: parse endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("aws: endpoint %q must be an absolute URL", raw)
	}
	return parsed, nil
}

func staticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
