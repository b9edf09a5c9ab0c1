package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	"github.com/bytedance/sonic"
)

// SecretsClient is the slice of the AWS Secrets Manager API the store uses.
type SecretsClient interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
}

// secretsManagerStore keeps every key inside one JSON secret. Writes are
// read-modify-write and serialised by mu.
type secretsManagerStore struct {
	client SecretsClient
	name   string
	mu     sync.Mutex
}

// NewSecretsManager builds a store backed by a single Secrets Manager secret.
func NewSecretsManager(client SecretsClient, cfg Config) (Store, error) {
	if client == nil {
		return nil, fmt.Errorf("secretsmanager store requires a client")
	}
	name := ""
	if cfg.SecretsManager != nil {
		name = cfg.SecretsManager.SecretName
	}
	if name == "" {
		if cfg.Namespace == "" {
			return nil, fmt.Errorf("secretsmanager store requires a secret name")
		}
		name = cfg.Namespace + "/credentials"
	}
	return &secretsManagerStore{client: client, name: name}, nil
}

func (s *secretsManagerStore) load(ctx context.Context) (map[string]string, bool, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.name),
	})
	if err != nil {
		err = classifyAWS(err)
		if errors.Is(err, ErrNotFound) {
			return map[string]string{}, false, nil
		}
		return nil, false, err
	}

	values := map[string]string{}
	var payload []byte
	switch {
	case out.SecretString != nil:
		payload = []byte(*out.SecretString)
	case len(out.SecretBinary) > 0:
		payload = out.SecretBinary
	default:
		return values, true, nil
	}
	if err := sonic.Unmarshal(payload, &values); err != nil {
		return nil, true, fmt.Errorf("%w: secret %s: %v", ErrCorrupt, s.name, err)
	}
	return values, true, nil
}

func (s *secretsManagerStore) save(ctx context.Context, values map[string]string, exists bool) error {
	payload, err := sonic.MarshalString(values)
	if err != nil {
		return err
	}
	if exists {
		_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
			SecretId:     aws.String(s.name),
			SecretString: aws.String(payload),
		})
	} else {
		_, err = s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:         aws.String(s.name),
			SecretString: aws.String(payload),
		})
	}
	return classifyAWS(err)
}

func (s *secretsManagerStore) Get(ctx context.Context, key string) (string, error) {
	values, _, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *secretsManagerStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, exists, err := s.load(ctx)
	if err != nil {
		return err
	}
	values[key] = value
	return s.save(ctx, values, exists)
}

func (s *secretsManagerStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, exists, err := s.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.save(ctx, values, exists)
}

func (s *secretsManagerStore) List(ctx context.Context) ([]string, error) {
	values, _, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *secretsManagerStore) Stats(ctx context.Context) (map[string]any, error) {
	keys, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"type":   "secretsmanager",
		"total":  len(keys),
		"secret": s.name,
	}, nil
}

func (s *secretsManagerStore) Close(context.Context) error {
	return nil
}

func classifyAWS(err error) error {
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
			return fmt.Errorf("%w: %s", ErrAccessDenied, apiErr.ErrorMessage())
		}
	}
	return err
}
