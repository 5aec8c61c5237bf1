package postgres

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/rds/auth"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bulkload/internal/loaderr"
	"bulkload/internal/storage"
)

// AzurePostgreSQLScope is the Entra ID scope for Azure Database for PostgreSQL.
const AzurePostgreSQLScope = "https://ossrdbms-aad.database.windows.net/.default"

// tokenRefreshMargin is how long before expiry a cached token is replaced.
const tokenRefreshMargin = 2 * time.Minute

// TokenProvider acquires short-lived database passwords.
type TokenProvider interface {
	GetToken(ctx context.Context) (token string, expiresOn time.Time, err error)
	String() string
}

// applyAuth wires cfg's token provider into poolCfg. It returns cleanup
// functions to run after the pool is closed.
func applyAuth(ctx context.Context, poolCfg *pgxpool.Config, cfg storage.AuthConfig) ([]func(), error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	cc := poolCfg.ConnConfig

	switch provider {
	case "", "none":
		return nil, nil

	case "aws":
		endpoint := net.JoinHostPort(cc.Host, strconv.Itoa(int(cc.Port)))
		p, err := NewAWSIAMTokenProvider(endpoint, cfg.Region, cc.User)
		if err != nil {
			return nil, loaderr.E(loaderr.KindConfig, "postgres.auth", err)
		}
		poolCfg.BeforeConnect = tokenPassword(p)
		return nil, nil

	case "azure":
		var (
			p   TokenProvider
			err error
		)
		if cfg.ClientSecret != "" {
			p, err = NewAzureServicePrincipalProvider(cfg.TenantID, cfg.ClientID, cfg.ClientSecret)
		} else {
			p, err = NewAzureDefaultCredentialProvider()
		}
		if err != nil {
			return nil, loaderr.E(loaderr.KindConfig, "postgres.auth", err)
		}
		poolCfg.BeforeConnect = tokenPassword(p)
		return nil, nil

	case "gcp":
		if strings.TrimSpace(cfg.Instance) == "" {
			return nil, loaderr.Errorf(loaderr.KindConfig, "postgres.auth", "gcp auth requires instance (project:region:instance)")
		}
		dialer, err := cloudsqlconn.NewDialer(ctx, cloudsqlconn.WithIAMAuthN())
		if err != nil {
			return nil, loaderr.E(loaderr.KindConnection, "postgres.auth", fmt.Errorf("create Cloud SQL dialer: %w", err))
		}
		instance := cfg.Instance
		cc.DialFunc = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.Dial(ctx, instance)
		}
		return []func(){func() { _ = dialer.Close() }}, nil

	default:
		return nil, loaderr.Errorf(loaderr.KindConfig, "postgres.auth", "unknown auth provider %q (expected aws|azure|gcp)", cfg.Provider)
	}
}

// tokenPassword returns a BeforeConnect hook that sets the connection
// password from p, reusing a cached token until it nears expiry.
func tokenPassword(p TokenProvider) func(context.Context, *pgx.ConnConfig) error {
	var (
		mu      sync.Mutex
		token   string
		expires time.Time
	)
	return func(ctx context.Context, cc *pgx.ConnConfig) error {
		mu.Lock()
		defer mu.Unlock()

		if token == "" || time.Until(expires) < tokenRefreshMargin {
			t, exp, err := p.GetToken(ctx)
			if err != nil {
				return fmt.Errorf("acquire token from %s: %w", p, err)
			}
			token, expires = t, exp
		}
		cc.Password = token
		return nil
	}
}

// AWSIAMTokenProvider acquires IAM authentication tokens for RDS.
// Uses the default AWS credential chain (environment variables, config files, IAM roles, etc.)
type AWSIAMTokenProvider struct {
	endpoint string // host:port
	region   string
	username string
}

func NewAWSIAMTokenProvider(endpoint, region, username string) (*AWSIAMTokenProvider, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("AWS IAM auth requires endpoint (host:port)")
	}
	if region == "" {
		return nil, fmt.Errorf("AWS IAM auth requires region")
	}
	if username == "" {
		return nil, fmt.Errorf("AWS IAM auth requires database username")
	}
	return &AWSIAMTokenProvider{endpoint: endpoint, region: region, username: username}, nil
}

// GetToken builds a signed RDS token. Tokens are valid for 15 minutes.
func (p *AWSIAMTokenProvider) GetToken(ctx context.Context) (string, time.Time, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(p.region))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("load AWS config: %w", err)
	}
	token, err := auth.BuildAuthToken(ctx, p.endpoint, p.region, p.username, cfg.Credentials)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build RDS auth token: %w", err)
	}
	return token, time.Now().Add(15 * time.Minute), nil
}

func (p *AWSIAMTokenProvider) String() string {
	return fmt.Sprintf("AWSIAMTokenProvider(endpoint=%s, region=%s, user=%s)", p.endpoint, p.region, p.username)
}

// AzureServicePrincipalProvider acquires tokens using client secret credentials.
type AzureServicePrincipalProvider struct {
	tenantID   string
	clientID   string
	credential azcore.TokenCredential
}

func NewAzureServicePrincipalProvider(tenantID, clientID, clientSecret string) (*AzureServicePrincipalProvider, error) {
	if tenantID == "" || clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("azure service principal requires tenant_id, client_id and client_secret")
	}
	cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure credential: %w", err)
	}
	return &AzureServicePrincipalProvider{tenantID: tenantID, clientID: clientID, credential: cred}, nil
}

func (p *AzureServicePrincipalProvider) GetToken(ctx context.Context) (string, time.Time, error) {
	return azureToken(ctx, p.credential)
}

func (p *AzureServicePrincipalProvider) String() string {
	return fmt.Sprintf("AzureServicePrincipal(tenant=%s, client=%s)", p.tenantID, p.clientID)
}

// AzureDefaultCredentialProvider uses Azure's DefaultAzureCredential chain.
type AzureDefaultCredentialProvider struct {
	credential azcore.TokenCredential
}

func NewAzureDefaultCredentialProvider() (*AzureDefaultCredentialProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure default credential: %w", err)
	}
	return &AzureDefaultCredentialProvider{credential: cred}, nil
}

func (p *AzureDefaultCredentialProvider) GetToken(ctx context.Context) (string, time.Time, error) {
	return azureToken(ctx, p.credential)
}

func (p *AzureDefaultCredentialProvider) String() string { return "AzureDefaultCredential" }

func azureToken(ctx context.Context, cred azcore.TokenCredential) (string, time.Time, error) {
	tok, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{AzurePostgreSQLScope}})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("azure token acquisition failed: %w", err)
	}
	return tok.Token, tok.ExpiresOn, nil
}

var (
	_ TokenProvider = (*AWSIAMTokenProvider)(nil)
	_ TokenProvider = (*AzureServicePrincipalProvider)(nil)
	_ TokenProvider = (*AzureDefaultCredentialProvider)(nil)
)
