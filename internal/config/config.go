package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

// DefaultPath is where the CLI looks for its configuration file.
const DefaultPath = "~/.deepfreeze/config.yml"

// Configuration represents the complete application configuration
type Configuration struct {
	Global        GlobalConfig        `yaml:"global"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Provider      ProviderConfig      `yaml:"provider"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Deepfreeze    DeepfreezeConfig    `yaml:"deepfreeze"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// LogFile sends logs to a size-rotated file instead of stderr.
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
}

// ElasticsearchConfig represents the cluster connection
type ElasticsearchConfig struct {
	Addresses      []string      `yaml:"addresses"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	APIKey         string        `yaml:"api_key"`
	CloudID        string        `yaml:"cloud_id"`
	CACert         string        `yaml:"ca_cert"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// ProviderConfig selects and configures the object storage provider
type ProviderConfig struct {
	Kind           string        `yaml:"kind"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AWS            AWSConfig     `yaml:"aws"`
	Azure          AzureConfig   `yaml:"azure"`
	GCP            GCPConfig     `yaml:"gcp"`
}

// AWSConfig represents S3 settings
type AWSConfig struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	MaxRetries      int    `yaml:"max_retries"`
	ArchiveClass    string `yaml:"archive_class"`
}

// AzureConfig represents Blob Storage settings
type AzureConfig struct {
	AccountName       string `yaml:"account_name"`
	AccountKey        string `yaml:"account_key"`
	ConnectionString  string `yaml:"connection_string"`
	ServiceURL        string `yaml:"service_url"`
	RehydratePriority string `yaml:"rehydrate_priority"`
}

// GCPConfig represents Cloud Storage settings
type GCPConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Location        string `yaml:"location"`
	Endpoint        string `yaml:"endpoint"`
}

// MetadataConfig selects the metadata store backend
type MetadataConfig struct {
	Backend     string         `yaml:"backend"`
	StatusIndex string         `yaml:"status_index"`
	Postgres    PostgresConfig `yaml:"postgres"`
}

// PostgresConfig represents the alternative metadata store
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// DeepfreezeConfig carries the values that become persisted Settings at setup
type DeepfreezeConfig struct {
	RepoNamePrefix        string `yaml:"repo_name_prefix"`
	BucketNamePrefix      string `yaml:"bucket_name_prefix"`
	BasePathPrefix        string `yaml:"base_path_prefix"`
	CannedACL             string `yaml:"canned_acl"`
	StorageClass          string `yaml:"storage_class"`
	RotateBy              string `yaml:"rotate_by"`
	Style                 string `yaml:"style"`
	Keep                  int    `yaml:"keep"`
	ILMPolicyName         string `yaml:"ilm_policy_name"`
	IndexTemplateName     string `yaml:"index_template_name"`
	RefrozenRetentionDays int    `yaml:"refrozen_retention_days"`
	RestoreDays           int    `yaml:"restore_days"`
	RetrievalTier         string `yaml:"retrieval_tier"`
	RebindMaxAttempts     int    `yaml:"rebind_max_attempts"`
}

// MetricsConfig represents metrics push settings
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
	Textfile       string `yaml:"textfile"`
}

// Accepted enum values.
var (
	ValidProviders      = []string{"aws", "azure", "gcp"}
	ValidBackends       = []string{"elasticsearch", "postgres", "memory"}
	ValidStyles         = []string{string(types.StyleOneUp), string(types.StyleDate)}
	ValidRotateBy       = []string{string(types.RotateByBucket), string(types.RotateByPath)}
	ValidRetrievalTiers = []string{"Standard", "Expedited", "Bulk"}
	ValidCannedACLs     = []string{
		"private",
		"public-read",
		"public-read-write",
		"authenticated-read",
		"log-delivery-write",
		"bucket-owner-read",
		"bucket-owner-full-control",
	}
	ValidStorageClasses = []string{
		"standard",
		"reduced_redundancy",
		"standard_ia",
		"intelligent_tiering",
		"onezone_ia",
	}
	validLogLevels = []string{"DEBUG", "INFO", "WARN", "ERROR"}
)

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFormat:     "json",
			LogMaxSizeMB:  100,
			LogMaxBackups: 5,
		},
		Elasticsearch: ElasticsearchConfig{
			Addresses:      []string{"http://localhost:9200"},
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
		},
		Provider: ProviderConfig{
			Kind:           "aws",
			RequestTimeout: 60 * time.Second,
			AWS: AWSConfig{
				Region:       "us-east-1",
				MaxRetries:   3,
				ArchiveClass: "GLACIER",
			},
			Azure: AzureConfig{
				RehydratePriority: "Standard",
			},
		},
		Metadata: MetadataConfig{
			Backend:     "elasticsearch",
			StatusIndex: "deepfreeze-status",
			Postgres: PostgresConfig{
				MaxConns: 4,
			},
		},
		Deepfreeze: DeepfreezeConfig{
			RepoNamePrefix:        "deepfreeze",
			BucketNamePrefix:      "deepfreeze",
			BasePathPrefix:        "snapshots",
			CannedACL:             "private",
			StorageClass:          "intelligent_tiering",
			RotateBy:              string(types.RotateByBucket),
			Style:                 string(types.StyleOneUp),
			Keep:                  6,
			ILMPolicyName:         "deepfreeze-ilm-policy",
			RefrozenRetentionDays: 35,
			RestoreDays:           30,
			RetrievalTier:         "Standard",
			RebindMaxAttempts:     3,
		},
		Metrics: MetricsConfig{
			Job: "deepfreeze",
		},
	}
}

// ExpandPath resolves a leading ~ against the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(ExpandPath(filename))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfiguration, "failed to read config file").
			WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfiguration, "failed to parse config file").
			WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from DEEPFREEZE_* environment variables
func (c *Configuration) LoadFromEnv() error {
	setString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) error {
		if val := os.Getenv(key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return errors.Newf(errors.ErrCodeConfiguration, "%s must be an integer: %q", key, val)
			}
			*dst = n
		}
		return nil
	}

	// Global settings
	setString("DEEPFREEZE_LOG_LEVEL", &c.Global.LogLevel)
	setString("DEEPFREEZE_LOG_FORMAT", &c.Global.LogFormat)
	setString("DEEPFREEZE_LOG_FILE", &c.Global.LogFile)

	// Cluster settings
	if val := os.Getenv("DEEPFREEZE_ES_ADDRESSES"); val != "" {
		c.Elasticsearch.Addresses = strings.Split(val, ",")
	}
	setString("DEEPFREEZE_ES_USERNAME", &c.Elasticsearch.Username)
	setString("DEEPFREEZE_ES_PASSWORD", &c.Elasticsearch.Password)
	setString("DEEPFREEZE_ES_API_KEY", &c.Elasticsearch.APIKey)
	setString("DEEPFREEZE_ES_CLOUD_ID", &c.Elasticsearch.CloudID)
	setString("DEEPFREEZE_ES_CA_CERT", &c.Elasticsearch.CACert)

	// Provider settings
	setString("DEEPFREEZE_PROVIDER", &c.Provider.Kind)
	setString("DEEPFREEZE_AWS_REGION", &c.Provider.AWS.Region)
	setString("DEEPFREEZE_AWS_ENDPOINT", &c.Provider.AWS.Endpoint)
	setString("DEEPFREEZE_AZURE_ACCOUNT_NAME", &c.Provider.Azure.AccountName)
	setString("DEEPFREEZE_AZURE_CONNECTION_STRING", &c.Provider.Azure.ConnectionString)
	setString("DEEPFREEZE_GCP_PROJECT_ID", &c.Provider.GCP.ProjectID)
	setString("DEEPFREEZE_GCP_CREDENTIALS_FILE", &c.Provider.GCP.CredentialsFile)

	// Metadata settings
	setString("DEEPFREEZE_METADATA_BACKEND", &c.Metadata.Backend)
	setString("DEEPFREEZE_STATUS_INDEX", &c.Metadata.StatusIndex)
	setString("DEEPFREEZE_POSTGRES_DSN", &c.Metadata.Postgres.DSN)

	// Lifecycle settings
	setString("DEEPFREEZE_REPO_NAME_PREFIX", &c.Deepfreeze.RepoNamePrefix)
	setString("DEEPFREEZE_BUCKET_NAME_PREFIX", &c.Deepfreeze.BucketNamePrefix)
	setString("DEEPFREEZE_STYLE", &c.Deepfreeze.Style)
	setString("DEEPFREEZE_ROTATE_BY", &c.Deepfreeze.RotateBy)
	if err := setInt("DEEPFREEZE_KEEP", &c.Deepfreeze.Keep); err != nil {
		return err
	}
	if err := setInt("DEEPFREEZE_REFROZEN_RETENTION_DAYS", &c.Deepfreeze.RefrozenRetentionDays); err != nil {
		return err
	}

	setString("DEEPFREEZE_PUSHGATEWAY_URL", &c.Metrics.PushgatewayURL)
	setString("DEEPFREEZE_METRICS_TEXTFILE", &c.Metrics.Textfile)

	return nil
}

// Load builds a configuration from defaults, the optional file, the
// environment and then overrides, in that order, and validates the result.
func Load(filename string, overrides ...func(*Configuration)) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, override := range overrides {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func oneOf(field, val string, allowed []string) error {
	for _, a := range allowed {
		if val == a {
			return nil
		}
	}
	return errors.Newf(errors.ErrCodeConfiguration, "invalid %s: %q (must be one of: %s)",
		field, val, strings.Join(allowed, ", ")).WithContext("field", field)
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if err := oneOf("log_level", strings.ToUpper(c.Global.LogLevel), validLogLevels); err != nil {
		return err
	}
	if c.Global.LogMaxSizeMB < 0 || c.Global.LogMaxBackups < 0 {
		return errors.NewError(errors.ErrCodeConfiguration, "log_max_size_mb and log_max_backups must not be negative")
	}
	if len(c.Elasticsearch.Addresses) == 0 && c.Elasticsearch.CloudID == "" {
		return errors.NewError(errors.ErrCodeConfiguration, "elasticsearch.addresses or elasticsearch.cloud_id is required")
	}
	if err := oneOf("provider.kind", c.Provider.Kind, ValidProviders); err != nil {
		return err
	}
	if err := oneOf("metadata.backend", c.Metadata.Backend, ValidBackends); err != nil {
		return err
	}
	if c.Metadata.Backend == "postgres" && c.Metadata.Postgres.DSN == "" {
		return errors.NewError(errors.ErrCodeConfiguration, "metadata.postgres.dsn is required for the postgres backend")
	}
	if c.Metadata.Backend == "elasticsearch" && c.Metadata.StatusIndex == "" {
		return errors.NewError(errors.ErrCodeConfiguration, "metadata.status_index is required for the elasticsearch backend")
	}

	d := c.Deepfreeze
	if err := oneOf("canned_acl", d.CannedACL, ValidCannedACLs); err != nil {
		return err
	}
	if err := oneOf("storage_class", d.StorageClass, ValidStorageClasses); err != nil {
		return err
	}
	if err := oneOf("style", d.Style, ValidStyles); err != nil {
		return err
	}
	if err := oneOf("rotate_by", d.RotateBy, ValidRotateBy); err != nil {
		return err
	}
	if err := oneOf("retrieval_tier", d.RetrievalTier, ValidRetrievalTiers); err != nil {
		return err
	}
	if d.RepoNamePrefix == "" || d.BucketNamePrefix == "" {
		return errors.NewError(errors.ErrCodeConfiguration, "repo_name_prefix and bucket_name_prefix are required")
	}
	if c.Provider.Kind == "azure" && strings.Contains(d.BucketNamePrefix, "_") {
		return errors.NewError(errors.ErrCodeConfiguration, "azure container names cannot contain underscores").
			WithContext("field", "bucket_name_prefix")
	}
	if d.Keep < 0 {
		return errors.NewError(errors.ErrCodeConfiguration, "keep must not be negative")
	}
	if d.RefrozenRetentionDays < 0 {
		return errors.NewError(errors.ErrCodeConfiguration, "refrozen_retention_days must not be negative")
	}
	if d.RestoreDays <= 0 {
		return errors.NewError(errors.ErrCodeConfiguration, "restore_days must be greater than 0")
	}
	if d.RebindMaxAttempts <= 0 {
		return errors.NewError(errors.ErrCodeConfiguration, "rebind_max_attempts must be greater than 0")
	}
	if d.ILMPolicyName == "" {
		return errors.NewError(errors.ErrCodeConfiguration, "ilm_policy_name is required")
	}

	return nil
}

// Settings derives the persisted settings written at setup.
func (c *Configuration) Settings() types.Settings {
	d := c.Deepfreeze
	s := types.Settings{
		KeepCount:             d.Keep,
		RotationStyle:         types.RotationStyle(d.Style),
		RotateBy:              types.RotateBy(d.RotateBy),
		RefrozenRetentionDays: d.RefrozenRetentionDays,
		RepoNamePrefix:        d.RepoNamePrefix,
		BucketNamePrefix:      d.BucketNamePrefix,
		BasePathPrefix:        d.BasePathPrefix,
		Provider:              c.Provider.Kind,
		StorageClass:          d.StorageClass,
		CannedACL:             d.CannedACL,
		ILMPolicyName:         d.ILMPolicyName,
		IndexTemplateName:     d.IndexTemplateName,
		RestoreDays:           d.RestoreDays,
		RetrievalTier:         d.RetrievalTier,
	}
	switch c.Provider.Kind {
	case "aws":
		s.Region = c.Provider.AWS.Region
	case "gcp":
		s.Region = c.Provider.GCP.Location
	}
	return s
}
