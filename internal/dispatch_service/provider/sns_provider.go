package provider

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
	"github.com/aradsms/messaging_dispatcher/internal/dispatch_service/senderid"
)

const snsSenderIDAttribute = "AWS.SNS.SMS.SenderID"

// SNSConfig configures the AWS SNS SMS backend.
type SNSConfig struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	SenderID        string
	// Endpoint overrides the service endpoint, e.g. for a local emulator.
	Endpoint string
	// MaxTPS caps publishes per second. Zero disables the limit.
	MaxTPS float64
}

// SNSAPI is the subset of the SNS client the backend uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSOption customizes an SNSProvider.
type SNSOption func(*SNSProvider)

// WithSNSClientFactory replaces how the SNS client is built.
func WithSNSClientFactory(factory func(SNSConfig) (SNSAPI, error)) SNSOption {
	return func(p *SNSProvider) { p.newClient = factory }
}

// SNSProvider publishes SMS through AWS SNS, one request per message.
type SNSProvider struct {
	baseBackend
	cfg       SNSConfig
	limiter   *rate.Limiter
	newClient func(SNSConfig) (SNSAPI, error)

	mu     sync.Mutex
	client SNSAPI
}

func NewSNSProvider(name string, cfg SNSConfig, store core_domain.MessageStateStore, logger *slog.Logger, opts ...SNSOption) *SNSProvider {
	p := &SNSProvider{
		baseBackend: newBaseBackend(name, core_domain.ChannelSMS, store, logger),
		cfg:         cfg,
		newClient:   newSNSClient,
	}
	if cfg.MaxTPS > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxTPS), 1)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func newSNSClient(cfg SNSConfig) (SNSAPI, error) {
	if cfg.Region == "" {
		return nil, errors.New("sns region is not configured")
	}
	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}
	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// getClient connects on first use.
func (p *SNSProvider) getClient() (SNSAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		client, err := p.newClient(p.cfg)
		if err != nil {
			return nil, err
		}
		p.client = client
	}
	return p.client, nil
}

// Reconnect drops the client; the next publish connects again.
func (p *SNSProvider) Reconnect() {
	p.mu.Lock()
	p.client = nil
	p.mu.Unlock()
}

func (p *SNSProvider) Publish(ctx context.Context, msg *core_domain.Message) error {
	providerID, err := p.publish(ctx, msg)
	return p.finish(ctx, msg, providerID, err)
}

func (p *SNSProvider) publish(ctx context.Context, msg *core_domain.Message) (string, error) {
	client, err := p.getClient()
	if err != nil {
		return "", err
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	timer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.name, "publish"))
	defer timer.ObserveDuration()

	out, err := client.Publish(ctx, buildSNSPublishInput(msg, p.resolveSender(msg)))
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

// resolveSender prefers the message sender and falls back to the configured one.
func (p *SNSProvider) resolveSender(msg *core_domain.Message) string {
	for _, candidate := range []string{msg.Sender, p.cfg.SenderID} {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		if id, ok := senderid.Sanitize(candidate); ok {
			return id
		}
	}
	return ""
}

func (p *SNSProvider) PublishBatch(ctx context.Context, msgs []*core_domain.Message) error {
	return publishEach(ctx, p, msgs)
}

// UpdateStates returns no reports. SNS has no per-message status lookup.
func (p *SNSProvider) UpdateStates(context.Context, []*core_domain.Message) ([]core_domain.DeliveryReport, error) {
	return nil, nil
}

// buildSNSPublishInput leaves out the sender id attribute entirely when senderID is empty.
func buildSNSPublishInput(msg *core_domain.Message, senderID string) *sns.PublishInput {
	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.Recipient),
		Message:     aws.String(msg.Content),
	}
	if senderID != "" {
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			snsSenderIDAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(senderID),
			},
		}
	}
	return input
}
