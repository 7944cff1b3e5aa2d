package sts

import (
	"fmt"
	"strings"
	"time"

	"github.com/StricklySoft/cell-sts/internal/telemetry"
	"github.com/StricklySoft/cell-sts/pkg/clients/postgres"
	"github.com/StricklySoft/cell-sts/pkg/clients/redis"
	"github.com/StricklySoft/cell-sts/pkg/config"
	"github.com/StricklySoft/cell-sts/pkg/contextstore"
	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

// PolicyConfig points at the cell's policy backend. An empty Endpoint
// disables policy evaluation.
type PolicyConfig struct {
	Endpoint string        `json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT" envDefault:"2s"`
}

// TokenEndpointConfig points at a remote STS token endpoint. When Endpoint
// is set, outbound tokens are minted there instead of locally.
type TokenEndpointConfig struct {
	Endpoint string        `json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`
	Username string        `json:"username" yaml:"username" env:"USERNAME"`
	Password config.Secret `json:"-" yaml:"password" env:"PASSWORD"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT" envDefault:"2s"`
}

// ListenConfig holds the listener addresses.
type ListenConfig struct {
	Inbound  string `json:"inbound" yaml:"inbound" env:"INBOUND" envDefault:":8080"`
	Outbound string `json:"outbound" yaml:"outbound" env:"OUTBOUND" envDefault:":8081"`
	JWKS     string `json:"jwks" yaml:"jwks" env:"JWKS" envDefault:":8090"`
	Admin    string `json:"admin" yaml:"admin" env:"ADMIN" envDefault:":8091"`
}

// CellConfig is the complete configuration of one Cell STS process. It is
// loaded with the CELL_STS environment prefix, so CELL_STS_CELL_NAME sets
// CellName and CELL_STS_CONTEXT_TTL sets Context.TTL.
type CellConfig struct {
	CellName        string        `json:"cell_name" yaml:"cellName" env:"CELL_NAME" required:"true"`
	GlobalIssuer    string        `json:"global_issuer" yaml:"globalIssuer" env:"GLOBAL_ISSUER" envDefault:"global--sts-service"`
	DefaultAudience string        `json:"default_audience" yaml:"defaultAudience" env:"DEFAULT_AUDIENCE" envDefault:"cellery"`
	TokenTTL        time.Duration `json:"token_ttl" yaml:"tokenTTL" env:"TOKEN_TTL" envDefault:"1200s"`

	Context contextstore.Config `json:"context" yaml:"context" env:"CONTEXT"`
	Policy  PolicyConfig        `json:"policy" yaml:"policy" env:"POLICY"`
	Token   TokenEndpointConfig `json:"token" yaml:"token" env:"TOKEN"`

	JWKSURLTemplate string        `json:"jwks_url_template" yaml:"jwksURLTemplate" env:"JWKS_URL_TEMPLATE" envDefault:"http://{issuer}:8090/"`
	GlobalJWKSURL   string        `json:"global_jwks_url" yaml:"globalJWKSURL" env:"GLOBAL_JWKS_URL"`
	ConnectTimeout  time.Duration `json:"connect_timeout" yaml:"connectTimeout" env:"CONNECT_TIMEOUT" envDefault:"1s"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"readTimeout" env:"READ_TIMEOUT" envDefault:"1s"`

	UnsecuredPaths []string `json:"unsecured_paths" yaml:"unsecuredPaths" env:"UNSECURED_PATHS"`

	Listen ListenConfig `json:"listen" yaml:"listen" env:"LISTEN"`

	// KeyFile and CertFile hold a provisioned PEM identity. When both are
	// empty a self-signed key pair is generated at startup.
	KeyFile  string `json:"key_file" yaml:"keyFile" env:"KEY_FILE"`
	CertFile string `json:"cert_file" yaml:"certFile" env:"CERT_FILE"`

	LogLevel string `json:"log_level" yaml:"logLevel" env:"LOG_LEVEL" envDefault:"info"`
	// VerboseAudit logs allowed decisions at info level.
	VerboseAudit bool `json:"verbose_audit" yaml:"verboseAudit" env:"VERBOSE_AUDIT"`

	Redis     redis.Config     `json:"redis" yaml:"redis" env:"REDIS"`
	Audit     postgres.Config  `json:"audit" yaml:"audit" env:"AUDIT"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry" env:"TELEMETRY"`
}

// Identity returns the cell identity.
func (c *CellConfig) Identity() CellIdentity {
	return CellIdentity{Name: c.CellName}
}

// Validate implements config.Validator.
func (c *CellConfig) Validate() error {
	c.CellName = strings.TrimSpace(c.CellName)
	switch {
	case c.CellName == "":
		return sserr.Configuration("sts: cell name is required")
	case strings.Contains(c.CellName, cellSeparator):
		return sserr.Configuration(fmt.Sprintf("sts: cell name %q must not contain %q", c.CellName, cellSeparator))
	case c.TokenTTL <= 0:
		return sserr.New(sserr.CodeValidation, "sts: token TTL must be positive")
	case c.ConnectTimeout < 0 || c.ReadTimeout < 0:
		return sserr.New(sserr.CodeValidation, "sts: fetch timeouts must not be negative")
	case (c.KeyFile == "") != (c.CertFile == ""):
		return sserr.New(sserr.CodeValidation, "sts: key file and cert file must be set together")
	case c.JWKSURLTemplate != "" && !strings.Contains(c.JWKSURLTemplate, "{issuer}"):
		return sserr.New(sserr.CodeValidation, "sts: JWKS URL template must contain {issuer}")
	}

	if err := c.Context.Validate(); err != nil {
		return err
	}
	if c.Context.Backend == contextstore.BackendRedis {
		if err := c.Redis.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeValidation, "sts: invalid redis configuration")
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if c.Audit.Enabled() {
		if err := c.Audit.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeValidation, "sts: invalid audit configuration")
		}
	}
	return nil
}
