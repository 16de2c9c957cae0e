package secrets

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/sakif/credential-service/internal/apperror"
)

// fakeSecrets returns a canned value or error and records the requested id.
type fakeSecrets struct {
	value   *string
	err     error
	gotID   string
	callNum int
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.callNum++
	f.gotID = aws.ToString(in.SecretId)
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: f.value}, nil
}

const secretARN = "arn:aws:secretsmanager:ap-south-1:123456789012:secret:docdb-creds"

// =========================================================================
// LOADER TESTS
// =========================================================================

func TestNewLoader_AppliesRegion(t *testing.T) {
	origLoad, origNew := loadDefaultAWSConfig, newSecretsClient
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newSecretsClient = origNew
	})

	var gotRegion string
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			if err := fn(&lo); err != nil {
				t.Fatalf("load options fn error: %v", err)
			}
		}
		gotRegion = lo.Region
		return aws.Config{Region: lo.Region}, nil
	}
	fake := &fakeSecrets{}
	newSecretsClient = func(cfg aws.Config) getSecretValueAPI { return fake }

	l, err := NewLoader(context.Background(), "ap-south-1")
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	if gotRegion != "ap-south-1" {
		t.Errorf("region = %q, want ap-south-1", gotRegion)
	}
	if l.client != fake {
		t.Error("NewLoader() did not use the constructed client")
	}
}

func TestNewLoader_ConfigFailure(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	t.Cleanup(func() { loadDefaultAWSConfig = origLoad })

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("load-fail")
	}

	_, err := NewLoader(context.Background(), "ap-south-1")
	if !errors.Is(err, apperror.ErrConfiguration) {
		t.Fatalf("NewLoader() error = %v, want ErrConfiguration", err)
	}
}

func TestDBCredentials(t *testing.T) {
	fake := &fakeSecrets{value: aws.String(`{"username":"app","password":"p@ss:w/rd","host":"docdb.example.com","port":27017,"dbname":"authservice"}`)}
	l := &Loader{client: fake}

	creds, err := l.DBCredentials(context.Background(), secretARN)
	if err != nil {
		t.Fatalf("DBCredentials() error = %v", err)
	}
	if fake.gotID != secretARN {
		t.Errorf("SecretId = %q, want %q", fake.gotID, secretARN)
	}
	if creds.Username != "app" || creds.Host != "docdb.example.com" || creds.Port != 27017 || creds.DBName != "authservice" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
}

func TestDBCredentials_PortAsString(t *testing.T) {
	l := &Loader{client: &fakeSecrets{value: aws.String(`{"username":"app","password":"x","host":"h","port":"5432"}`)}}

	creds, err := l.DBCredentials(context.Background(), secretARN)
	if err != nil {
		t.Fatalf("DBCredentials() error = %v", err)
	}
	if creds.Port != 5432 {
		t.Errorf("Port = %d, want 5432", creds.Port)
	}
}

func TestDBCredentials_Errors(t *testing.T) {
	tests := []struct {
		name       string
		secretID   string
		fake       *fakeSecrets
		wantConfig bool
	}{
		{"empty reference", "", &fakeSecrets{}, true},
		{"secret not found", secretARN, &fakeSecrets{err: &types.ResourceNotFoundException{Message: aws.String("nope")}}, true},
		{"binary secret", secretARN, &fakeSecrets{}, true},
		{"not json", secretARN, &fakeSecrets{value: aws.String("hunter2")}, true},
		{"missing host", secretARN, &fakeSecrets{value: aws.String(`{"username":"app","port":1}`)}, true},
		{"network failure", secretARN, &fakeSecrets{err: errors.New("dial tcp: i/o timeout")}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := &Loader{client: tc.fake}

			_, err := l.DBCredentials(context.Background(), tc.secretID)
			if err == nil {
				t.Fatal("DBCredentials() should fail")
			}
			if got := errors.Is(err, apperror.ErrConfiguration); got != tc.wantConfig {
				t.Errorf("errors.Is(err, ErrConfiguration) = %v, want %v (err = %v)", got, tc.wantConfig, err)
			}
		})
	}
}

// =========================================================================
// CONNECTION STRING TESTS
// =========================================================================

func TestMongoURI(t *testing.T) {
	c := &DBCredentials{Username: "app", Password: "p@ss:w/rd", Host: "docdb.example.com", Port: 27017}

	u, err := url.Parse(c.MongoURI(""))
	if err != nil {
		t.Fatalf("MongoURI() is not a valid URL: %v", err)
	}
	if u.Scheme != "mongodb" || u.Host != "docdb.example.com:27017" {
		t.Errorf("scheme/host = %s/%s", u.Scheme, u.Host)
	}
	if pw, _ := u.User.Password(); pw != "p@ss:w/rd" {
		t.Errorf("password did not survive escaping: %q", pw)
	}

	q := u.Query()
	want := map[string]string{
		"tls":            "true",
		"replicaSet":     "rs0",
		"readPreference": "secondaryPreferred",
		"retryWrites":    "false",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
	if q.Has("tlsCAFile") {
		t.Error("tlsCAFile should be absent when no CA file is given")
	}

	withCA, _ := url.Parse(c.MongoURI("/etc/ssl/global-bundle.pem"))
	if got := withCA.Query().Get("tlsCAFile"); got != "/etc/ssl/global-bundle.pem" {
		t.Errorf("tlsCAFile = %q", got)
	}
}

func TestPostgresURL(t *testing.T) {
	c := &DBCredentials{Username: "app", Password: "secret", Host: "pg.example.com", Port: 5432, DBName: "fromsecret"}

	u, err := url.Parse(c.PostgresURL(""))
	if err != nil {
		t.Fatalf("PostgresURL() is not a valid URL: %v", err)
	}
	if u.Path != "/fromsecret" {
		t.Errorf("path = %q, want /fromsecret", u.Path)
	}
	if u.Query().Get("sslmode") != "require" {
		t.Errorf("sslmode = %q, want require", u.Query().Get("sslmode"))
	}

	override, _ := url.Parse(c.PostgresURL("authservice"))
	if override.Path != "/authservice" {
		t.Errorf("path = %q, want /authservice", override.Path)
	}
}
