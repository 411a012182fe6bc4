// Package config loads agent configuration from a YAML file, a .env
// file, and the process environment, in that order of increasing
// precedence. It also produces the two artifacts the tool server child
// consumes: the environment variable set and the ephemeral JSON config
// file. The variable names are an external contract shared with the tool
// server and must not be renamed.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Connection holds the database connection parameters handed to the tool
// server.
type Connection struct {
	Server                 string `yaml:"server"`
	Port                   int    `yaml:"port"`
	Database               string `yaml:"database"`
	User                   string `yaml:"user"`
	Password               string `yaml:"password"`
	Encrypt                bool   `yaml:"encrypt"`
	TrustServerCertificate bool   `yaml:"trustServerCertificate"`
}

// Azure holds the optional external classifier settings. All three fields
// must be set for the classifier to be enabled.
type Azure struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"apiKey"`
	Deployment string `yaml:"deployment"`
}

// Enabled reports whether the classifier is fully configured.
func (a Azure) Enabled() bool {
	return a.Endpoint != "" && a.APIKey != "" && a.Deployment != ""
}

// Config is the full agent configuration.
type Config struct {
	// ServerPath is the tool server executable spawned as a child.
	ServerPath string   `yaml:"serverPath"`
	ServerArgs []string `yaml:"serverArgs"`
	// EventsAddr, when set, enables the SSE event listener.
	EventsAddr string     `yaml:"eventsAddr"`
	Connection Connection `yaml:"connection"`
	Azure      Azure      `yaml:"azure"`
}

func defaults() Config {
	return Config{
		Connection: Connection{
			Server:                 "localhost",
			Port:                   5432,
			Database:               "postgres",
			User:                   "postgres",
			Encrypt:                true,
			TrustServerCertificate: true,
		},
	}
}

// Load reads configuration. A missing YAML file yields defaults; a .env
// file in the working directory is merged if present; process environment
// variables win over both.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// Best effort; most deployments configure through the environment.
	_ = godotenv.Load()

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ServerPath, "SQLAGENT_SERVER_PATH")
	setString(&cfg.EventsAddr, "SQLAGENT_EVENTS_ADDR")

	setString(&cfg.Connection.Server, "DB_SERVER")
	setString(&cfg.Connection.Database, "DB_DATABASE")
	setString(&cfg.Connection.User, "DB_USER")
	setString(&cfg.Connection.Password, "DB_PASSWORD")
	if v, ok := os.LookupEnv("DB_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Connection.Port = p
		}
	}

	setString(&cfg.Azure.Endpoint, "AZURE_OPENAI_ENDPOINT")
	setString(&cfg.Azure.APIKey, "AZURE_OPENAI_API_KEY")
	setString(&cfg.Azure.Deployment, "AZURE_OPENAI_DEPLOYMENT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// ChildEnv renders the connection as the environment variable set the
// tool server reads: the MSSQL_* names, the DB_* alternates, and a
// DATABASE_URL connection string.
func (c Connection) ChildEnv() []string {
	port := strconv.Itoa(c.Port)
	return []string{
		"MSSQL_SERVER=" + c.Server,
		"MSSQL_USER=" + c.User,
		"MSSQL_PASSWORD=" + c.Password,
		"MSSQL_DATABASE=" + c.Database,
		"MSSQL_PORT=" + port,
		"MSSQL_ENCRYPT=" + strconv.FormatBool(c.Encrypt),
		"MSSQL_TRUST_SERVER_CERTIFICATE=" + strconv.FormatBool(c.TrustServerCertificate),

		"DB_SERVER=" + c.Server,
		"DB_USER=" + c.User,
		"DB_PASSWORD=" + c.Password,
		"DB_DATABASE=" + c.Database,
		"DB_PORT=" + port,

		"DATABASE_URL=" + c.URL(),
	}
}

// URL renders the connection string form.
func (c Connection) URL() string {
	return fmt.Sprintf(
		"Server=%s;Database=%s;User Id=%s;Password=%s;TrustServerCertificate=%t;Encrypt=%t;",
		c.Server, c.Database, c.User, c.Password, c.TrustServerCertificate, c.Encrypt)
}

// PostgresDSN renders the connection as a pgx-compatible DSN for the
// bundled tool server.
func (c Connection) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Server, c.Port, c.Database)
}

// ReadArtifact parses an ephemeral config file back into connection
// parameters. The bundled tool server uses this when launched with
// --config.
func ReadArtifact(path string) (Connection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Connection{}, fmt.Errorf("failed to read config artifact: %w", err)
	}
	var raw struct {
		Server   string `json:"server"`
		Database string `json:"database"`
		User     string `json:"user"`
		Password string `json:"password"`
		Port     int    `json:"port"`
		Options  struct {
			Encrypt                bool `json:"encrypt"`
			TrustServerCertificate bool `json:"trustServerCertificate"`
		} `json:"options"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Connection{}, fmt.Errorf("failed to parse config artifact: %w", err)
	}
	return Connection{
		Server:                 raw.Server,
		Database:               raw.Database,
		User:                   raw.User,
		Password:               raw.Password,
		Port:                   raw.Port,
		Encrypt:                raw.Options.Encrypt,
		TrustServerCertificate: raw.Options.TrustServerCertificate,
	}, nil
}

// Artifact is the payload of the ephemeral JSON config file written
// before spawn and removed on teardown. The child reads it via the
// --config flag.
func (c Connection) Artifact() map[string]any {
	return map[string]any{
		"server":   c.Server,
		"database": c.Database,
		"user":     c.User,
		"password": c.Password,
		"port":     c.Port,
		"options": map[string]any{
			"encrypt":                c.Encrypt,
			"trustServerCertificate": c.TrustServerCertificate,
		},
	}
}
