// Package secrets supplies encryption key material and the fiscal-identifier
// cipher. Keys come from the environment in development and from AWS Secrets
// Manager in production; the cipher is rotation aware, every ciphertext
// records the key version that sealed it.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// KeyRing is the parsed key material for one concern (fiscal ids or DKIM
// private keys): versioned keys plus the version new writes use.
type KeyRing struct {
	Active int               `json:"active"`
	Keys   map[string]string `json:"keys"`
}

// Source resolves named key material.
type Source interface {
	Load(ctx context.Context, id string) (*KeyRing, error)
}

// StaticSource serves a single un-versioned key, as configured from the
// environment. The key becomes version 1.
type StaticSource struct {
	Key string
}

func (s *StaticSource) Load(_ context.Context, _ string) (*KeyRing, error) {
	if s.Key == "" {
		return nil, fmt.Errorf("no key configured")
	}
	return &KeyRing{Active: 1, Keys: map[string]string{"1": s.Key}}, nil
}

// AWSSource loads key rings stored as JSON secrets in AWS Secrets Manager.
type AWSSource struct {
	client *secretsmanager.Client
}

// NewAWSSource builds a Secrets Manager backed source.
func NewAWSSource(ctx context.Context, region string) (*AWSSource, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &AWSSource{client: secretsmanager.NewFromConfig(awsCfg)}, nil
}

func (s *AWSSource) Load(ctx context.Context, id string) (*KeyRing, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", id, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string payload", id)
	}

	var ring KeyRing
	if err := json.Unmarshal([]byte(*out.SecretString), &ring); err != nil {
		// Plain string secrets are treated as a single version-1 key.
		return &KeyRing{Active: 1, Keys: map[string]string{"1": *out.SecretString}}, nil
	}
	if ring.Active == 0 || len(ring.Keys) == 0 {
		return nil, fmt.Errorf("secret %s: malformed key ring", id)
	}
	return &ring, nil
}
