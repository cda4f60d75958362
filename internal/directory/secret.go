package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var ErrSecretNotFound = errors.New("secret not found")

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretResolver turns a configured secret reference into its value.
// Supported forms: a literal value, env://NAME, file:///path and
// awssm://secret-id with an optional #json-key fragment.
type SecretResolver struct {
	lookupEnv      func(string) (string, bool)
	readFile       func(string) ([]byte, error)
	secretsManager func(ctx context.Context) (secretsManagerAPI, error)
}

func NewSecretResolver() *SecretResolver {
	return &SecretResolver{
		lookupEnv: os.LookupEnv,
		readFile:  os.ReadFile,
		secretsManager: func(ctx context.Context) (secretsManagerAPI, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, err
			}
			return secretsmanager.NewFromConfig(cfg), nil
		},
	}
}

func (r *SecretResolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	scheme, rest, ok := strings.Cut(ref, "://")
	if !ok {
		return ref, nil
	}
	switch strings.ToLower(scheme) {
	case "env":
		value, found := r.lookupEnv(rest)
		if !found {
			return "", fmt.Errorf("%w: env %s", ErrSecretNotFound, rest)
		}
		return strings.TrimSpace(value), nil
	case "file":
		data, err := r.readFile(rest)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	case "awssm":
		return r.resolveSecretsManager(ctx, rest)
	default:
		// Not a reference, e.g. a secret that happens to contain "://".
		return ref, nil
	}
}

func (r *SecretResolver) resolveSecretsManager(ctx context.Context, rest string) (string, error) {
	secretID, key, _ := strings.Cut(rest, "#")
	secretID, err := url.PathUnescape(secretID)
	if err != nil {
		return "", err
	}
	if secretID == "" {
		return "", fmt.Errorf("awssm reference is missing a secret id")
	}
	client, err := r.secretsManager(ctx)
	if err != nil {
		return "", fmt.Errorf("aws config: %w", err)
	}
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", secretID, err)
	}
	value := aws.ToString(out.SecretString)
	if key == "" {
		return value, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a json object: %w", secretID, err)
	}
	field, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("%w: key %s in %s", ErrSecretNotFound, key, secretID)
	}
	str, ok := field.(string)
	if !ok {
		return "", fmt.Errorf("secret key %s in %s is not a string", key, secretID)
	}
	return str, nil
}
