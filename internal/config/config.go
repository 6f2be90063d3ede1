package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DeploymentConfig is the record written when the escrow contract is deployed.
type DeploymentConfig struct {
	Network               string    `json:"network"`
	ChainID               int64     `json:"chainId"`
	EscrowContractAddress string    `json:"escrowContractAddress"`
	DeployerAddress       string    `json:"deployerAddress"`
	DeployedAt            time.Time `json:"deployedAt"`
}

// AppConfig ties together deployment info and derived values.
type AppConfig struct {
	Env        string
	LogLevel   string
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Client     ClientConfig
	Redis      RedisConfig
}

type ServiceConfig struct {
	HTTPPort             int
	DatabaseURL          string
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
}

type ChainConfig struct {
	RPCURL          string
	PrivateKey      string
	ExpectedChainID int64
	NetworkName     string
	EscrowAddress   string
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
}

// ClientConfig drives the posting client.
type ClientConfig struct {
	APIBaseURL     string
	PersistTimeout time.Duration
	JournalPath    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

const (
	defaultDeploymentsPath = "deployments/native_shm_escrow.json"
	defaultChainID         = 8082
	defaultNetworkName     = "Shardeum Unstablenet"
)

// Load aggregates configuration from an optional trustlance.yaml, the
// environment and the deployment record. Environment keys are the config
// keys upper-cased with dots replaced by underscores, e.g. CHAIN_RPC_URL.
func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("trustlance")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log.level", "")
	v.SetDefault("deployments_path", defaultDeploymentsPath)

	v.SetDefault("api.http_port", 3000)
	v.SetDefault("database.url", "")
	v.SetDefault("hmac.secret", "")
	v.SetDefault("hmac.clock_skew", "60s")
	v.SetDefault("idempotency.window", "24h")
	v.SetDefault("idempotency.store_path", filepath.Join(os.TempDir(), "trustlance-idem.json"))

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.expected_chain_id", 0)
	v.SetDefault("chain.network_name", "")
	v.SetDefault("chain.escrow_address", "")
	v.SetDefault("chain.confirm_timeout", "3m")
	v.SetDefault("chain.poll_interval", "2s")

	v.SetDefault("client.api_base_url", "http://localhost:3000")
	v.SetDefault("client.persist_timeout", "30s")
	v.SetDefault("client.journal_path", "reconcile")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

func fromViper(v *viper.Viper) (*AppConfig, error) {
	deployment, err := loadDeployment(v.GetString("deployments_path"), v.GetString("deployments_path") != defaultDeploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	chainCfg := ChainConfig{
		RPCURL:          v.GetString("chain.rpc_url"),
		PrivateKey:      v.GetString("chain.private_key"),
		ExpectedChainID: firstNonZero(v.GetInt64("chain.expected_chain_id"), deployment.ChainID, defaultChainID),
		NetworkName:     firstNonEmpty(v.GetString("chain.network_name"), deployment.Network, defaultNetworkName),
		EscrowAddress:   firstNonEmpty(v.GetString("chain.escrow_address"), deployment.EscrowContractAddress),
		ConfirmTimeout:  v.GetDuration("chain.confirm_timeout"),
		PollInterval:    v.GetDuration("chain.poll_interval"),
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             v.GetInt("api.http_port"),
		DatabaseURL:          v.GetString("database.url"),
		HMACSecret:           v.GetString("hmac.secret"),
		HMACClockSkew:        v.GetDuration("hmac.clock_skew"),
		IdempotencyWindow:    v.GetDuration("idempotency.window"),
		IdempotencyStorePath: v.GetString("idempotency.store_path"),
	}

	clientCfg := ClientConfig{
		APIBaseURL:     v.GetString("client.api_base_url"),
		PersistTimeout: v.GetDuration("client.persist_timeout"),
		JournalPath:    v.GetString("client.journal_path"),
	}

	redisCfg := RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	return &AppConfig{
		Env:        v.GetString("env"),
		LogLevel:   v.GetString("log.level"),
		Deployment: *deployment,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Client:     clientCfg,
		Redis:      redisCfg,
	}, nil
}

// loadDeployment reads the deployment record. A missing file is only an error
// when the path was given explicitly.
func loadDeployment(path string, required bool) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return &DeploymentConfig{}, nil
		}
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
