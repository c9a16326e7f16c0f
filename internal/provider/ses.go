package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/mailgate/internal/domain"
)

// SESDriver delivers through AWS SES v2. It is the primary backend; one
// driver per region.
type SESDriver struct {
	client *sesv2.Client
	region string
}

// NewSESDriver builds the SES client. Empty credentials fall back to the
// default AWS chain (instance profile, env vars).
func NewSESDriver(accessKey, secretKey, region string) (*SESDriver, error) {
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SESDriver{client: sesv2.NewFromConfig(cfg), region: region}, nil
}

func (s *SESDriver) Name() string              { return "ses/" + s.region }
func (s *SESDriver) Type() domain.ProviderType { return domain.ProviderSES }

// Send delivers one message. Tags ride along as SES message tags so bounce
// and complaint notifications can be traced back to the outbox row.
func (s *SESDriver) Send(ctx context.Context, msg *Message) (*Result, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses:  []string{msg.To},
			CcAddresses:  msg.CC,
			BccAddresses: msg.BCC,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
				Headers: sesHeaders(msg.Headers),
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("outbox_id"), Value: aws.String(msg.OutboxID)},
			{Name: aws.String("company_id"), Value: aws.String(msg.CompanyID)},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, err
	}
	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	return &Result{MessageID: messageID, Provider: domain.ProviderSES}, nil
}

// VerifyConnection confirms credentials and sending status with a cheap
// account read.
func (s *SESDriver) VerifyConnection(ctx context.Context) error {
	out, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return err
	}
	if !out.SendingEnabled {
		return fmt.Errorf("ses account sending is disabled")
	}
	return nil
}

// Quota returns the account send quota.
func (s *SESDriver) Quota(ctx context.Context) (*Quota, error) {
	out, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return nil, err
	}
	q := &Quota{}
	if out.SendQuota != nil {
		q.Max24Hour = out.SendQuota.Max24HourSend
		q.SentLast24h = out.SendQuota.SentLast24Hours
		q.MaxSendRate = out.SendQuota.MaxSendRate
	}
	return q, nil
}

func sesHeaders(h map[string]string) []types.MessageHeader {
	if len(h) == 0 {
		return nil
	}
	out := make([]types.MessageHeader, 0, len(h))
	for k, v := range h {
		out = append(out, types.MessageHeader{Name: aws.String(k), Value: aws.String(v)})
	}
	return out
}
