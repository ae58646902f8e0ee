package backend

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
)

// AWSConfig selects the region and, for local stacks, the endpoint of the
// SDK clients built by NewRawFromAWS and NewCommandFromAWS.
type AWSConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

func loadAWSConfig(ctx context.Context, cfg AWSConfig) (aws.Config, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("backend: load aws config: %w", err)
	}
	return awsCfg, nil
}

// NewRawFromAWS builds a raw-send backend around a real SES v1 client.
func NewRawFromAWS(ctx context.Context, cfg AWSConfig) (*Raw, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var clientOpts []func(*ses.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		clientOpts = append(clientOpts, func(o *ses.Options) { o.BaseEndpoint = &endpoint })
	}
	client := ses.NewFromConfig(awsCfg, clientOpts...)
	return NewRaw(RawConfig{Client: client, Region: awsCfg.Region})
}

// NewCommandFromAWS builds a command backend around a real SES v2 client.
func NewCommandFromAWS(ctx context.Context, cfg AWSConfig) (*Command, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var clientOpts []func(*sesv2.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		clientOpts = append(clientOpts, func(o *sesv2.Options) { o.BaseEndpoint = &endpoint })
	}
	client := sesv2.NewFromConfig(awsCfg, clientOpts...)
	return NewCommand(CommandConfig{Client: client, Region: awsCfg.Region})
}
