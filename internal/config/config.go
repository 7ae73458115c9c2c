// Package config loads run settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Store      StoreConfig      `yaml:"store"`
	ServerID   string           `yaml:"server_id" validate:"omitempty,alphanum,max=3"`
	APIURL     string           `yaml:"api_url"`
	Timezone   string           `yaml:"timezone" validate:"required"`
	Audit      AuditConfig      `yaml:"audit"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
	Verify     VerifyConfig     `yaml:"verify"`
	Events     EventsConfig     `yaml:"events"`
	Catalog    CatalogConfig    `yaml:"catalog"`
}

type StoreConfig struct {
	Backend       string `yaml:"backend" validate:"oneof=docstore badger"`
	URL           string `yaml:"url" validate:"required_if=Backend docstore"`
	DBName        string `yaml:"db_name"`
	RevisionField string `yaml:"revision_field"`
	Path          string `yaml:"path"`
}

type AuditConfig struct {
	URL    string `yaml:"url"`
	Format string `yaml:"format" validate:"omitempty,oneof=parquet jsonl"`
	Prefix string `yaml:"prefix"`
}

type CheckpointConfig struct {
	Dir string `yaml:"dir"`
}

type EventsConfig struct {
	Dir      string `yaml:"dir"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
}

type CatalogConfig struct {
	DSN string `yaml:"dsn"`
}

type MetricsConfig struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type LogConfig struct {
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

type VerifyConfig struct {
	Tries   int           `yaml:"tries" validate:"gte=1"`
	Delay   time.Duration `yaml:"delay"`
	Timeout time.Duration `yaml:"timeout"`
	RPS     float64       `yaml:"rps" validate:"gte=0"`
}

const defaultDBName = "records"

// Default returns the settings used when neither file nor environment say
// otherwise.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: "docstore",
			DBName:  defaultDBName,
		},
		ServerID: "",
		APIURL:   "disable",
		Timezone: "Europe/Kiev",
		Audit:    AuditConfig{Format: "parquet", Prefix: "patchdb/"},
		Metrics:  MetricsConfig{Namespace: "patchdb"},
		Log:      LogConfig{Format: "text", Level: "info"},
		Verify: VerifyConfig{
			Tries:   5,
			Delay:   time.Second,
			Timeout: 30 * time.Second,
		},
	}
}

// Load reads path (optional), applies environment overrides and validates
// the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Store.URL == "" && cfg.Store.Backend == "docstore" {
		cfg.Store.URL = "mem://" + cfg.Store.DBName + "/_id"
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Store.Backend = getenvDefault("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.URL = getenvDefault("STORE_URL", cfg.Store.URL)
	cfg.Store.Path = getenvDefault("STORE_PATH", cfg.Store.Path)
	cfg.Store.DBName = getenvDefault("DB_NAME", cfg.Store.DBName)
	cfg.ServerID = getenvDefault("SERVER_ID", cfg.ServerID)
	cfg.APIURL = getenvDefault("API_URL", cfg.APIURL)
	cfg.Audit.URL = getenvDefault("AUDIT_URL", cfg.Audit.URL)
	cfg.Checkpoint.Dir = getenvDefault("CHECKPOINT_DIR", cfg.Checkpoint.Dir)
	cfg.Metrics.Address = getenvDefault("METRICS_ADDR", cfg.Metrics.Address)
	cfg.Events.Dir = getenvDefault("EVENTS_DIR", cfg.Events.Dir)
	cfg.Events.Endpoint = getenvDefault("EVENTS_URL", cfg.Events.Endpoint)
	cfg.Catalog.DSN = getenvDefault("CATALOG_DSN", cfg.Catalog.DSN)
	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Timezone = getenvDefault("TZ", cfg.Timezone)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg and reports every invalid field in one error.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		if _, lerr := time.LoadLocation(cfg.Timezone); lerr != nil {
			return fmt.Errorf("invalid config: timezone: %w", lerr)
		}
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Location returns the configured time zone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
