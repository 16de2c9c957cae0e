// Package secrets fetches record-store connection credentials from AWS
// Secrets Manager.
//
// The secret is the JSON document RDS and DocumentDB write for managed
// credentials:
//
//	{"username":"app","password":"...","host":"db.cluster-xyz.ap-south-1.docdb.amazonaws.com","port":27017,"dbname":"authservice"}
//
// Credentials are fetched once, inside the store's single-flight opener, and
// are never logged.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/sakif/credential-service/internal/apperror"
)

// getSecretValueAPI is the one Secrets Manager call the loader makes.
type getSecretValueAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

var (
	// loadDefaultAWSConfig is a seam for testing awsconfig.LoadDefaultConfig.
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newSecretsClient = func(cfg aws.Config) getSecretValueAPI {
		return secretsmanager.NewFromConfig(cfg)
	}
)

// Loader reads connection secrets.
type Loader struct {
	client getSecretValueAPI
}

// NewLoader builds a Secrets Manager client for region using the default
// AWS credential chain (env, shared config, IAM role).
func NewLoader(ctx context.Context, region string) (*Loader, error) {
	cfg, err := loadDefaultAWSConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, apperror.Configuration("loading AWS configuration", err)
	}
	return &Loader{client: newSecretsClient(cfg)}, nil
}

// DBCredentials is the decoded connection secret.
type DBCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     Port   `json:"port"`
	DBName   string `json:"dbname"`
}

// Port accepts both 5432 and "5432"; managed secrets use either.
type Port int

func (p *Port) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*p = Port(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("port must be a number or numeric string: %w", err)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port %q is not numeric: %w", s, err)
	}
	*p = Port(n)
	return nil
}

// DBCredentials fetches and decodes secretID (an ARN or secret name).
//
// A missing or malformed secret is a configuration error and will not be
// retried. Any other failure (network, throttling) is returned as is so the
// caller may retry.
func (l *Loader) DBCredentials(ctx context.Context, secretID string) (*DBCredentials, error) {
	if secretID == "" {
		return nil, apperror.Configuration("database secret reference is not set", nil)
	}

	out, err := l.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		var badParam *types.InvalidParameterException
		if errors.As(err, &notFound) || errors.As(err, &badParam) {
			return nil, apperror.Configuration("database secret not found", err)
		}
		return nil, fmt.Errorf("secrets: fetching database secret: %w", err)
	}
	if out.SecretString == nil {
		return nil, apperror.Configuration("database secret has no string value", nil)
	}

	var creds DBCredentials
	if err := json.Unmarshal([]byte(*out.SecretString), &creds); err != nil {
		return nil, apperror.Configuration("database secret is not valid JSON", err)
	}
	if creds.Username == "" || creds.Host == "" || creds.Port == 0 {
		return nil, apperror.Configuration("database secret must include username, host and port", nil)
	}
	return &creds, nil
}

// PostgresURL renders the credentials as a pgx connection URL.
// dbName overrides the secret's dbname when non-empty.
func (c *DBCredentials) PostgresURL(dbName string) string {
	if dbName == "" {
		dbName = c.DBName
	}
	q := url.Values{}
	q.Set("sslmode", "require")
	q.Set("connect_timeout", "5")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     c.hostPort(),
		Path:     "/" + dbName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// MongoURI renders the credentials as a DocumentDB-compatible URI: TLS on,
// replica set rs0, reads from secondaries when possible, retryable writes off
// (DocumentDB does not support them).
func (c *DBCredentials) MongoURI(caFile string) string {
	q := url.Values{}
	q.Set("tls", "true")
	q.Set("replicaSet", "rs0")
	q.Set("readPreference", "secondaryPreferred")
	q.Set("retryWrites", "false")
	if caFile != "" {
		q.Set("tlsCAFile", caFile)
	}

	u := url.URL{
		Scheme:   "mongodb",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     c.hostPort(),
		Path:     "/",
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (c *DBCredentials) hostPort() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}
