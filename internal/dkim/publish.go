package dkim

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/ignite/mailgate/internal/pkg/logger"
)

// route53API is the slice of the Route53 client the publisher uses.
type route53API interface {
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// Publisher upserts DKIM TXT records into a Route53 hosted zone. It is
// optional: without a zone id, operators publish records by hand.
type Publisher struct {
	api    route53API
	zoneID string
}

// NewPublisher loads the ambient AWS config and binds to a hosted zone.
func NewPublisher(ctx context.Context, zoneID, region string) (*Publisher, error) {
	if zoneID == "" {
		return nil, fmt.Errorf("route53 hosted zone id required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for route53: %w", err)
	}
	return &Publisher{api: route53.NewFromConfig(cfg), zoneID: zoneID}, nil
}

// NewPublisherWithClient wraps an existing client, for tests and shared
// credential setups.
func NewPublisherWithClient(api route53API, zoneID string) *Publisher {
	return &Publisher{api: api, zoneID: zoneID}
}

// PublishTXT upserts the DKIM record. Tokens are rendered as adjacent quoted
// character-strings, which is how Route53 expects chunked TXT values.
func (p *Publisher) PublishTXT(ctx context.Context, recordName string, tokens []string) error {
	if len(tokens) == 0 {
		return fmt.Errorf("no TXT tokens for %s", recordName)
	}
	if !strings.HasSuffix(recordName, ".") {
		recordName += "."
	}

	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + tok + `"`
	}
	value := strings.Join(quoted, " ")

	out, err := p.api.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(p.zoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Comment: aws.String("mailgate dkim record"),
			Changes: []r53types.Change{{
				Action: r53types.ChangeActionUpsert,
				ResourceRecordSet: &r53types.ResourceRecordSet{
					Name: aws.String(recordName),
					Type: r53types.RRTypeTxt,
					TTL:  aws.Int64(300),
					ResourceRecords: []r53types.ResourceRecord{
						{Value: aws.String(value)},
					},
				},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("upserting TXT %s: %w", recordName, err)
	}

	logger.Info("published dkim record",
		"record", recordName, "zone", p.zoneID, "change_id", aws.ToString(out.ChangeInfo.Id))
	return nil
}
