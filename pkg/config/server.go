package config

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	// AdminToken, when set, must be presented as a Bearer token on admin
	// routes.
	AdminToken string `yaml:"admin_token,omitempty" mapstructure:"admin_token"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Worker  RateLimitTier `yaml:"worker,omitempty" mapstructure:"worker"`
	Admin   RateLimitTier `yaml:"admin,omitempty" mapstructure:"admin"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// PGNConfig contains storage settings for game records uploaded by workers.
// Only one backend (S3 or local) may be enabled at a time.
type PGNConfig struct {
	S3    PGNS3Config    `yaml:"s3,omitempty" mapstructure:"s3"`
	Local PGNLocalConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// PGNS3Config contains S3 settings for PGN uploads.
type PGNS3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// PGNLocalConfig stores uploaded PGNs on the local filesystem.
type PGNLocalConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir,omitempty" mapstructure:"dir"`
}

// Redacted returns a copy of the configuration with secrets masked.
func (c Config) Redacted() Config {
	const mask = "<redacted>"

	if c.Server.AdminToken != "" {
		c.Server.AdminToken = mask
	}

	if c.Database.Postgres.Password != "" {
		c.Database.Postgres.Password = mask
	}

	if c.PGN.S3.SecretAccessKey != "" {
		c.PGN.S3.SecretAccessKey = mask
	}

	return c
}
