// Package ses mirrors suppressions into the Amazon SES account-level
// suppression list so that addresses blocked here are also blocked for
// mail sent through SES by other systems.
package ses

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/service/suppression"
)

// Config holds SES credentials. Empty keys fall back to the default AWS
// credential chain.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// API is the subset of *sesv2.Client used by Mirror.
type API interface {
	PutSuppressedDestination(ctx context.Context, in *sesv2.PutSuppressedDestinationInput, optFns ...func(*sesv2.Options)) (*sesv2.PutSuppressedDestinationOutput, error)
}

// Mirror implements suppression.Mirror.
type Mirror struct {
	client API
}

var _ suppression.Mirror = (*Mirror)(nil)

// NewMirror creates a Mirror from cfg.
func NewMirror(ctx context.Context, cfg Config) (*Mirror, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		opts = append(opts, config.WithCredentialsProvider(creds))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewMirrorWithClient(sesv2.NewFromConfig(awsCfg)), nil
}

// NewMirrorWithClient wraps an existing client.
func NewMirrorWithClient(client API) *Mirror {
	return &Mirror{client: client}
}

// reasonFor maps an origin onto the two reasons SES knows. Opt-outs have
// no SES equivalent and are not mirrored.
func reasonFor(origin domain.SuppressionOrigin) (types.SuppressionListReason, bool) {
	switch origin {
	case domain.OriginBounce:
		return types.SuppressionListReasonBounce, true
	case domain.OriginFeedbackLoop, domain.OriginAbuse:
		return types.SuppressionListReasonComplaint, true
	default:
		return "", false
	}
}

// Suppress adds e.Address to the account suppression list. SES treats a
// repeated put as an update.
func (m *Mirror) Suppress(ctx context.Context, e domain.SuppressionEntry) error {
	reason, ok := reasonFor(e.Origin)
	if !ok {
		logger.Debug("suppression not mirrored", "origin", e.Origin, "email", e.Address)
		return nil
	}
	_, err := m.client.PutSuppressedDestination(ctx, &sesv2.PutSuppressedDestinationInput{
		EmailAddress: aws.String(strings.ToLower(e.Address)),
		Reason:       reason,
	})
	if err != nil {
		return fmt.Errorf("ses put suppressed destination: %w", err)
	}
	logger.Info("suppression mirrored to SES", "email", e.Address, "reason", string(reason))
	return nil
}
