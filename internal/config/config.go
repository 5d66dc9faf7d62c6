package config

import (
	"sync"

	"xenlink/pkg/logger"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env     string        `yaml:"env" env:"APP_ENV" env-default:"production" env-description:"Environment [production, local, sandbox]"`
	Logger  logger.Config `yaml:"logger"`
	Storage Storage       `yaml:"storage"`
	Secrets Secrets       `yaml:"secrets"`
	Tunnel  Tunnel        `yaml:"tunnel"`
	Debug   bool          `yaml:"debug" env:"APP_DEBUG" env-default:"false" env-description:"Enables debug mode"`
}

type Storage struct {
	Dir string `yaml:"dir" env:"XENLINK_DATA_DIR" env-description:"Data directory, defaults to the user config dir"`
}

type Secrets struct {
	KeyringService string `yaml:"keyring_service" env:"XENLINK_KEYRING_SERVICE" env-default:"xenlink" env-description:"OS keyring service name"`
	MasterPassword string `yaml:"master_password" env:"XENLINK_MASTER_PASSWORD" env-description:"Seals secrets in the database when no keyring is available"`
}

type Tunnel struct {
	DNSServer     string `yaml:"dns_server" env:"XENLINK_DNS_SERVER" env-description:"Resolver for endpoint names, host:port"`
	SocksListen   string `yaml:"socks_listen" env:"XENLINK_SOCKS_LISTEN" env-default:"127.0.0.1:1080" env-description:"Default local SOCKS5 address for SSH profiles"`
	NetworkPollMs int    `yaml:"network_poll_ms" env:"XENLINK_NETWORK_POLL_MS" env-default:"2000" env-description:"Network change polling interval"`
}

var (
	once   = sync.Once{}
	cfg    = &Config{}
	errCfg error
)

func New(configPath string, skipConfig bool) (*Config, error) {
	once.Do(func() {
		cfg = &Config{}

		if skipConfig {
			errCfg = cleanenv.ReadEnv(cfg)
			return
		}

		errCfg = cleanenv.ReadConfig(configPath, cfg)
	})

	return cfg, errCfg
}
