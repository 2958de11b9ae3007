package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const Name = "tusk"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

// RegistrationType controls who may create local accounts.
type RegistrationType string

const (
	RegistrationOpen   RegistrationType = "open"
	RegistrationInvite RegistrationType = "invite"
)

type MediaLimits struct {
	FileSizeLimit  int64 `yaml:"file_size_limit"`
	EmojiSizeLimit int64 `yaml:"emoji_size_limit"`
}

type PostLimits struct {
	CharacterLimit int `yaml:"character_limit"`
}

type Limits struct {
	Media MediaLimits `yaml:"media"`
	Posts PostLimits  `yaml:"posts"`
}

// Retention windows are in days; 0 or unset means the 30-day default.
type Retention struct {
	ExtraneousPosts int `yaml:"extraneous_posts"`
	EmptyProfiles   int `yaml:"empty_profiles"`
}

type Registration struct {
	Type        RegistrationType `yaml:"type"`
	DefaultRole string           `yaml:"default_role"`
}

type Federation struct {
	Enabled          bool   `yaml:"enabled"`
	FetcherTimeout   int    `yaml:"fetcher_timeout"`
	DelivererTimeout int    `yaml:"deliverer_timeout"`
	ProxyURL         string `yaml:"proxy_url"`
	OnionProxyURL    string `yaml:"onion_proxy_url"`
	I2pProxyURL      string `yaml:"i2p_proxy_url"`
}

type AppConfig struct {
	Conf struct {
		DatabaseURL       string   `yaml:"database_url"`
		StorageDir        string   `yaml:"storage_dir"`
		HttpHost          string   `yaml:"http_host"`
		HttpPort          int      `yaml:"http_port"`
		HttpCorsAllowlist []string `yaml:"http_cors_allowlist"`
		LogLevel          string   `yaml:"log_level"`
		WithJournald      bool     `yaml:"with_journald"`

		InstanceURI              string `yaml:"instance_uri"`
		InstanceTitle            string `yaml:"instance_title"`
		InstanceShortDescription string `yaml:"instance_short_description"`
		InstanceDescription      string `yaml:"instance_description"`
		LoginMessage             string `yaml:"login_message"`

		Registration Registration `yaml:"registration"`
		Limits       Limits       `yaml:"limits"`
		Retention    Retention    `yaml:"retention"`
		Federation   Federation   `yaml:"federation"`

		BlockedInstances []string `yaml:"blocked_instances"`
	} `yaml:"conf"`
}

// Hostname returns the host part of the configured instance URI.
func (c *AppConfig) Hostname() string {
	return HostnameFromURI(c.Conf.InstanceURI)
}

// Origin returns the instance URI without a trailing slash.
func (c *AppConfig) Origin() string {
	uri := c.Conf.InstanceURI
	if len(uri) > 0 && uri[len(uri)-1] == '/' {
		return uri[:len(uri)-1]
	}
	return uri
}

// IsBlockedInstance reports whether a hostname is on the block list.
func (c *AppConfig) IsBlockedInstance(hostname string) bool {
	for _, blocked := range c.Conf.BlockedInstances {
		if blocked == hostname {
			return true
		}
	}
	return false
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	configPath := os.Getenv("TUSK_CONFIG")
	if configPath == "" {
		configPath = ConfigFileName
	}

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// Fall back to embedded defaults and leave a copy for editing
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		if writeErr := os.WriteFile(configPath, embeddedConfig, 0644); writeErr != nil {
			log.Printf("Warning: could not write default config to %s: %v", configPath, writeErr)
		} else {
			log.Printf("Created default config file at %s", configPath)
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnvOverrides(c)

	if err := applyDefaults(c); err != nil {
		return nil, err
	}

	return c, nil
}

func applyEnvOverrides(c *AppConfig) {
	if v := os.Getenv("TUSK_DATABASE_URL"); v != "" {
		c.Conf.DatabaseURL = v
	}
	if v := os.Getenv("TUSK_STORAGE_DIR"); v != "" {
		c.Conf.StorageDir = v
	}
	if v := os.Getenv("TUSK_HTTP_HOST"); v != "" {
		c.Conf.HttpHost = v
	}
	if v := os.Getenv("TUSK_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Error parsing TUSK_HTTP_PORT: %v", err)
		} else {
			c.Conf.HttpPort = port
		}
	}
	if v := os.Getenv("TUSK_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if v := os.Getenv("TUSK_WITH_JOURNALD"); v == "true" {
		c.Conf.WithJournald = true
	}
	if v := os.Getenv("TUSK_INSTANCE_URI"); v != "" {
		c.Conf.InstanceURI = v
	}
	if v := os.Getenv("TUSK_INSTANCE_TITLE"); v != "" {
		c.Conf.InstanceTitle = v
	}
	if v := os.Getenv("TUSK_REGISTRATION_TYPE"); v != "" {
		c.Conf.Registration.Type = RegistrationType(v)
	}
	if v := os.Getenv("TUSK_FEDERATION_ENABLED"); v != "" {
		c.Conf.Federation.Enabled = v == "true"
	}
	if v := os.Getenv("TUSK_CHARACTER_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Error parsing TUSK_CHARACTER_LIMIT: %v", err)
		} else {
			c.Conf.Limits.Posts.CharacterLimit = limit
		}
	}
}

func applyDefaults(c *AppConfig) error {
	if c.Conf.InstanceURI == "" {
		return fmt.Errorf("instance_uri must be set")
	}
	if c.Hostname() == "" {
		return fmt.Errorf("instance_uri %q has no hostname", c.Conf.InstanceURI)
	}

	if c.Conf.DatabaseURL == "" {
		c.Conf.DatabaseURL = "tusk.sqlite"
	}
	if c.Conf.StorageDir == "" {
		c.Conf.StorageDir = "files"
	}
	if c.Conf.HttpHost == "" {
		c.Conf.HttpHost = "127.0.0.1"
	}
	if c.Conf.HttpPort == 0 {
		c.Conf.HttpPort = 8380
	}
	if c.Conf.LogLevel == "" {
		c.Conf.LogLevel = "info"
	}

	switch c.Conf.Registration.Type {
	case RegistrationOpen, RegistrationInvite:
	case "":
		c.Conf.Registration.Type = RegistrationOpen
	default:
		return fmt.Errorf("unknown registration.type %q", c.Conf.Registration.Type)
	}
	if c.Conf.Registration.DefaultRole == "" {
		c.Conf.Registration.DefaultRole = "user"
	}

	// Clamp limits into sane ranges, logging corrections
	if c.Conf.Limits.Posts.CharacterLimit == 0 {
		c.Conf.Limits.Posts.CharacterLimit = 5000
	} else if c.Conf.Limits.Posts.CharacterLimit > 10000 {
		log.Printf("limits.posts.character_limit %d exceeds maximum of 10000, capping", c.Conf.Limits.Posts.CharacterLimit)
		c.Conf.Limits.Posts.CharacterLimit = 10000
	} else if c.Conf.Limits.Posts.CharacterLimit < 1 {
		log.Printf("limits.posts.character_limit %d is less than 1, using default 5000", c.Conf.Limits.Posts.CharacterLimit)
		c.Conf.Limits.Posts.CharacterLimit = 5000
	}
	if c.Conf.Limits.Media.FileSizeLimit == 0 {
		c.Conf.Limits.Media.FileSizeLimit = 20 * 1024 * 1024
	}
	if c.Conf.Limits.Media.EmojiSizeLimit == 0 {
		c.Conf.Limits.Media.EmojiSizeLimit = 512 * 1024
	}

	if c.Conf.Retention.ExtraneousPosts == 0 {
		c.Conf.Retention.ExtraneousPosts = 30
	}
	if c.Conf.Retention.EmptyProfiles == 0 {
		c.Conf.Retention.EmptyProfiles = 30
	}

	if c.Conf.Federation.FetcherTimeout == 0 {
		c.Conf.Federation.FetcherTimeout = 300
	}
	if c.Conf.Federation.DelivererTimeout == 0 {
		c.Conf.Federation.DelivererTimeout = 30
	}

	return nil
}
