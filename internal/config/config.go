package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix                     = "SWARMSYNC"
	defaultHTTPAddress            = "127.0.0.1:8086"
	defaultDatabasePath           = "swarmsync.db"
	defaultLogLevel               = "info"
	defaultTokenTTL               = 12 * time.Hour
	defaultPersonalBaseInterval   = 2 * time.Second
	defaultPersonalMaxInterval    = 10 * time.Second
	defaultPersonalTTLExtension   = 14 * 24 * time.Hour
	defaultGroupsInterval         = 3 * time.Second
	defaultCommunityInterval      = 5 * time.Second
	defaultCommunityMaxConcurrent = 4
	defaultSwarmTimeout           = 20 * time.Second
)

// AppConfig captures runtime configuration for the daemon.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration

	AccountID      string
	AccountSeedHex string
	SeedNodes      []string
	SwarmTimeout   time.Duration

	PersonalBaseInterval time.Duration
	PersonalMaxInterval  time.Duration
	PersonalTTLExtension time.Duration

	GroupsInterval time.Duration

	CommunityInterval      time.Duration
	CommunityMaxConcurrent int
	AcceptMessageRequests  bool

	Subscriptions Subscriptions
}

// GroupCredential holds the keys needed to poll one closed group.
// Either AdminSeedHex or the three sub-account fields must be set.
type GroupCredential struct {
	AdminSeedHex         string `mapstructure:"admin_seed_hex"`
	SubAccountTokenHex   string `mapstructure:"subaccount_token_hex"`
	SubAccountSigHex     string `mapstructure:"subaccount_sig_hex"`
	SubAccountMemberSeed string `mapstructure:"member_seed_hex"`
}

// HasSubAccount reports whether the delegated sub-account credential is complete.
func (c GroupCredential) HasSubAccount() bool {
	return c.SubAccountTokenHex != "" && c.SubAccountSigHex != "" && c.SubAccountMemberSeed != ""
}

// Subscriptions is the reloadable set of communities and groups to poll.
type Subscriptions struct {
	// Communities maps a server base URL to its subscribed room tokens.
	Communities map[string][]string
	// Groups maps a group id to its credential.
	Groups map[string]GroupCredential
}

// CommunityServers returns the subscribed servers in order.
func (s Subscriptions) CommunityServers() []string {
	servers := make([]string, 0, len(s.Communities))
	for server := range s.Communities {
		servers = append(servers, server)
	}
	sort.Strings(servers)
	return servers
}

// GroupIDs returns the subscribed group ids in order.
func (s Subscriptions) GroupIDs() []string {
	ids := make([]string, 0, len(s.Groups))
	for id := range s.Groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
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
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("swarm.timeout", defaultSwarmTimeout)
	configViper.SetDefault("personal.base_interval", defaultPersonalBaseInterval)
	configViper.SetDefault("personal.max_interval", defaultPersonalMaxInterval)
	configViper.SetDefault("personal.ttl_extension", defaultPersonalTTLExtension)
	configViper.SetDefault("groups.interval", defaultGroupsInterval)
	configViper.SetDefault("community.interval", defaultCommunityInterval)
	configViper.SetDefault("community.max_concurrent", defaultCommunityMaxConcurrent)
	configViper.SetDefault("community.accept_message_requests", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	subscriptions, err := LoadSubscriptions(configViper)
	if err != nil {
		return AppConfig{}, err
	}
	cfg := AppConfig{
		HTTPAddress:            configViper.GetString("http.address"),
		DatabasePath:           configViper.GetString("database.path"),
		LogLevel:               configViper.GetString("log.level"),
		SigningSecret:          configViper.GetString("auth.signing_secret"),
		TokenTTL:               configViper.GetDuration("auth.token_ttl"),
		AccountID:              strings.TrimSpace(configViper.GetString("account.id")),
		AccountSeedHex:         strings.TrimSpace(configViper.GetString("account.seed_hex")),
		SeedNodes:              configViper.GetStringSlice("swarm.seed_nodes"),
		SwarmTimeout:           configViper.GetDuration("swarm.timeout"),
		PersonalBaseInterval:   configViper.GetDuration("personal.base_interval"),
		PersonalMaxInterval:    configViper.GetDuration("personal.max_interval"),
		PersonalTTLExtension:   configViper.GetDuration("personal.ttl_extension"),
		GroupsInterval:         configViper.GetDuration("groups.interval"),
		CommunityInterval:      configViper.GetDuration("community.interval"),
		CommunityMaxConcurrent: configViper.GetInt("community.max_concurrent"),
		AcceptMessageRequests:  configViper.GetBool("community.accept_message_requests"),
		Subscriptions:          subscriptions,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadSubscriptions reads subscriptions.communities and subscriptions.groups.
func LoadSubscriptions(configViper *viper.Viper) (Subscriptions, error) {
	subscriptions := Subscriptions{
		Communities: map[string][]string{},
		Groups:      map[string]GroupCredential{},
	}
	for server, rooms := range configViper.GetStringMapStringSlice("subscriptions.communities") {
		server = strings.TrimRight(strings.TrimSpace(server), "/")
		if server == "" {
			continue
		}
		if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
			return Subscriptions{}, fmt.Errorf("subscriptions.communities: %q must be an http(s) url", server)
		}
		subscriptions.Communities[server] = append(subscriptions.Communities[server], rooms...)
	}

	var groups map[string]GroupCredential
	if err := configViper.UnmarshalKey("subscriptions.groups", &groups); err != nil {
		return Subscriptions{}, fmt.Errorf("subscriptions.groups: %w", err)
	}
	for id, credential := range groups {
		if credential.AdminSeedHex == "" && !credential.HasSubAccount() {
			return Subscriptions{}, fmt.Errorf("subscriptions.groups.%s: admin or sub-account credential is required", id)
		}
		subscriptions.Groups[id] = credential
	}
	return subscriptions, nil
}

// Watch re-reads subscriptions whenever the config file changes.
// Invalid edits are logged and skipped.
func Watch(configViper *viper.Viper, logger *zap.Logger, onChange func(Subscriptions)) {
	if logger == nil {
		logger = zap.NewNop()
	}
	configViper.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		subscriptions, err := LoadSubscriptions(configViper)
		if err != nil {
			logger.Warn("config reload rejected", zap.String("file", event.Name), zap.Error(err))
			return
		}
		logger.Info("subscriptions reloaded",
			zap.String("file", event.Name),
			zap.Int("communities", len(subscriptions.Communities)),
			zap.Int("groups", len(subscriptions.Groups)))
		onChange(subscriptions)
	})
	configViper.WatchConfig()
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.AccountID == "" {
		return fmt.Errorf("account.id is required")
	}
	if c.AccountSeedHex == "" {
		return fmt.Errorf("account.seed_hex is required")
	}
	if len(c.SeedNodes) == 0 {
		return fmt.Errorf("swarm.seed_nodes is required")
	}
	if c.PersonalBaseInterval <= 0 || c.PersonalMaxInterval < c.PersonalBaseInterval {
		return fmt.Errorf("personal.max_interval must be at least personal.base_interval")
	}
	if c.CommunityMaxConcurrent <= 0 {
		return fmt.Errorf("community.max_concurrent must be positive")
	}
	return nil
}
