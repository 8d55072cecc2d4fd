package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "CASEWIRE"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "casewire.db"
	defaultLogLevel         = "info"
	defaultHubURL           = "http://127.0.0.1:8080"
	defaultStateDir         = ".casewire"
	defaultNotificationPoll = 30 * time.Second
	defaultConversationPoll = 15 * time.Second
)

// HubConfig captures runtime configuration for the hub server.
type HubConfig struct {
	HTTPAddress   string
	SigningSecret string
	DatabasePath  string
	LogLevel      string
}

// AgentConfig captures runtime configuration for the sync agent.
type AgentConfig struct {
	HubURL           string
	Token            string
	StateDir         string
	CaseID           string
	NotificationPoll time.Duration
	ConversationPoll time.Duration
	LogLevel         string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("hub.url", defaultHubURL)
	configViper.SetDefault("state.dir", defaultStateDir)
	configViper.SetDefault("poll.notifications", defaultNotificationPoll)
	configViper.SetDefault("poll.conversations", defaultConversationPoll)
}

// LoadHub parses hub runtime configuration from viper.
func LoadHub(configViper *viper.Viper) (HubConfig, error) {
	cfg := HubConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return HubConfig{}, err
	}

	return cfg, nil
}

func (c HubConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// LoadAgent parses agent runtime configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		HubURL:           configViper.GetString("hub.url"),
		Token:            configViper.GetString("hub.token"),
		StateDir:         configViper.GetString("state.dir"),
		CaseID:           configViper.GetString("case.id"),
		NotificationPoll: configViper.GetDuration("poll.notifications"),
		ConversationPoll: configViper.GetDuration("poll.conversations"),
		LogLevel:         configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}

	return cfg, nil
}

func (c AgentConfig) validate() error {
	if strings.TrimSpace(c.HubURL) == "" {
		return fmt.Errorf("hub.url is required")
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("hub.token is required")
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("state.dir is required")
	}
	if c.NotificationPoll <= 0 || c.ConversationPoll <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	return nil
}
