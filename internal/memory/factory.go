package memory

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// ConnectionParams carries backend-specific connection settings for Open and
// for switch requests.
type ConnectionParams struct {
	DSN    string `json:"dsn,omitempty"`
	Table  string `json:"table,omitempty"`
	Region string `json:"region,omitempty"`
}

// Open constructs a backend by name. Empty-parameter inmemory is always valid;
// postgres and dynamo require their connection settings.
func Open(ctx context.Context, name string, params ConnectionParams) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "inmemory", "":
		return NewInMemoryBackend(), nil
	case "postgres":
		if strings.TrimSpace(params.DSN) == "" {
			return nil, fmt.Errorf("postgres backend requires a dsn")
		}
		return NewPostgresBackend(ctx, params.DSN)
	case "dynamo":
		if strings.TrimSpace(params.Table) == "" {
			return nil, fmt.Errorf("dynamo backend requires a table")
		}
		opts := []func(*awsconfig.LoadOptions) error{}
		if strings.TrimSpace(params.Region) != "" {
			opts = append(opts, awsconfig.WithRegion(params.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewDynamoBackend(dynamodb.NewFromConfig(cfg), params.Table)
	default:
		return nil, fmt.Errorf("unsupported memory backend %q", name)
	}
}
