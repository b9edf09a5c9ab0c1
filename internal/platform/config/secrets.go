package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/bytedance/sonic"
)

// SecretFetcher is the slice of the Secrets Manager client the loader needs.
type SecretFetcher interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretFetcher builds a Secrets Manager client from the default AWS chain.
func NewSecretFetcher(ctx context.Context, region string) (SecretFetcher, error) {
	var (
		cfg aws.Config
		err error
	)
	if region != "" {
		cfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	} else {
		cfg, err = awsconfig.LoadDefaultConfig(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// applySecretEnv copies a JSON object secret into the process environment.
// Existing variables win unless overwrite is set. It returns how many keys were applied.
func applySecretEnv(ctx context.Context, fetcher SecretFetcher, secretID, versionStage string, overwrite bool) (int, error) {
	input := &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)}
	if versionStage != "" {
		input.VersionStage = aws.String(versionStage)
	}

	output, err := fetcher.GetSecretValue(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("fetch secret %s: %w", secretID, err)
	}

	var payload []byte
	switch {
	case output.SecretString != nil:
		payload = []byte(*output.SecretString)
	case len(output.SecretBinary) > 0:
		payload = output.SecretBinary
	default:
		return 0, fmt.Errorf("secret %s has no payload", secretID)
	}

	var kv map[string]any
	if err := sonic.Unmarshal(payload, &kv); err != nil {
		return 0, fmt.Errorf("parse secret %s as JSON: %w", secretID, err)
	}

	applied := 0
	for key, val := range kv {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return applied, fmt.Errorf("set env %s from secret: %w", key, err)
		}
		applied++
	}
	return applied, nil
}

func secretSettingsFromEnv() (secretID, region, stage string, overwrite bool) {
	secretID = os.Getenv("AWS_SECRETS_MANAGER_SECRET_ID")
	if secretID == "" {
		secretID = os.Getenv("AWS_SECRET_ID")
	}
	region = os.Getenv("AWS_SECRETS_MANAGER_REGION")
	stage = os.Getenv("AWS_SECRETS_MANAGER_VERSION_STAGE")
	if stage == "" {
		stage = "AWSCURRENT"
	}
	overwrite = strings.EqualFold(os.Getenv("AWS_SECRETS_MANAGER_OVERWRITE"), "true")
	return
}
