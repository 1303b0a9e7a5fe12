package main

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	defaultDataDir                = "data"
	defaultPoolAddr               = "127.0.0.1:34264"
	defaultUserIdentifier         = "goJobProxy"
	defaultTemplateRefreshSeconds = 30
	defaultMaxCommitRetries       = 3
	defaultCommitRetryDelayMs     = 1000
	defaultRoundTimeoutSeconds    = 60
	defaultMinExtranonceSize      = 8
	defaultCommitHistorySize      = 16
	defaultCommitHistoryTTL       = 600
	defaultStatusAddr             = ":8081"

	shortHashModeOff     = "off"
	shortHashModeSipHash = "siphash"
)

type Config struct {
	PoolAddr       string
	UserIdentifier string
	// CloseOnUnexpectedMessage ends the pool session when the pool sends a
	// message only a proxy would send. Default is to log and continue.
	CloseOnUnexpectedMessage bool

	RPCURL        string
	RPCUser       string
	RPCPass       string
	RPCCookiePath string
	ZMQBlockAddr  string
	Network       string
	// TemplateRefresh is the polling interval; ZMQ notifications refresh
	// sooner when configured.
	TemplateRefresh time.Duration

	MaxCommitRetries  int
	CommitRetryDelay  time.Duration
	RoundTimeout      time.Duration
	ShortHashMode     string
	MinExtranonceSize int
	CoinbaseTag       string
	CommitHistorySize int
	CommitHistoryTTL  time.Duration

	StatusAddr string

	DataDir        string
	JournalEnabled bool

	LogDebug  bool
	LogFile   string
	LogStdout bool
}

type fileConfig struct {
	Pool        poolFileConfig        `toml:"pool"`
	Node        nodeFileConfig        `toml:"node"`
	Negotiation negotiationFileConfig `toml:"negotiation"`
	Status      statusFileConfig      `toml:"status"`
	Data        dataFileConfig        `toml:"data"`
	Logging     loggingFileConfig     `toml:"logging"`
}

type poolFileConfig struct {
	Address                  *string `toml:"address"`
	UserIdentifier           *string `toml:"user_identifier"`
	CloseOnUnexpectedMessage *bool   `toml:"close_on_unexpected_message"`
}

type nodeFileConfig struct {
	RPCURL                 *string `toml:"rpc_url"`
	RPCCookiePath          *string `toml:"rpc_cookie_path"`
	ZMQBlockAddr           *string `toml:"zmq_block_addr"`
	Network                *string `toml:"network"`
	TemplateRefreshSeconds *int    `toml:"template_refresh_seconds"`
}

type negotiationFileConfig struct {
	MaxCommitRetries        *int    `toml:"max_commit_retries"`
	CommitRetryDelayMs      *int    `toml:"commit_retry_delay_ms"`
	RoundTimeoutSeconds     *int    `toml:"round_timeout_seconds"`
	ShortHashMode           *string `toml:"short_hash_mode"`
	MinExtranonceSize       *int    `toml:"min_extranonce_size"`
	CoinbaseTag             *string `toml:"coinbase_tag"`
	CommitHistorySize       *int    `toml:"commit_history_size"`
	CommitHistoryTTLSeconds *int    `toml:"commit_history_ttl_seconds"`
}

type statusFileConfig struct {
	Listen *string `toml:"listen"`
}

type dataFileConfig struct {
	DataDir *string `toml:"data_dir"`
	Journal *bool   `toml:"journal"`
}

type loggingFileConfig struct {
	Debug  *bool   `toml:"debug"`
	File   *string `toml:"file"`
	Stdout *bool   `toml:"stdout"`
}

// secretsConfig holds the node RPC credentials so config.toml can be shared
// without them. Values here override config.toml.
type secretsConfig struct {
	RPCUser string `toml:"rpc_user"`
	RPCPass string `toml:"rpc_pass"`
}

// defaultConfig returns the built-in defaults used both at runtime and when
// writing a fresh config.toml.
func defaultConfig() Config {
	return Config{
		PoolAddr:          defaultPoolAddr,
		UserIdentifier:    defaultUserIdentifier,
		RPCURL:            "http://127.0.0.1:8332",
		Network:           "mainnet",
		TemplateRefresh:   secondsDuration(defaultTemplateRefreshSeconds),
		MaxCommitRetries:  defaultMaxCommitRetries,
		CommitRetryDelay:  millisDuration(defaultCommitRetryDelayMs),
		RoundTimeout:      secondsDuration(defaultRoundTimeoutSeconds),
		ShortHashMode:     shortHashModeOff,
		MinExtranonceSize: defaultMinExtranonceSize,
		CommitHistorySize: defaultCommitHistorySize,
		CommitHistoryTTL:  secondsDuration(defaultCommitHistoryTTL),
		StatusAddr:        defaultStatusAddr,
		DataDir:           defaultDataDir,
		JournalEnabled:    true,
		LogFile:           filepath.Join(defaultDataDir, "logs", "proxy.log"),
	}
}

// loadConfig reads config.toml (writing defaults when it is missing) and the
// optional secrets.toml overlay. Errors are returned so main decides whether
// they are fatal.
func loadConfig(configPath, secretsPath string) (Config, error) {
	cfg := defaultConfig()
	if configPath == "" {
		configPath = filepath.Join(defaultDataDir, "config", "config.toml")
	}

	fc, ok, err := loadConfigFile(configPath)
	if err != nil {
		return cfg, err
	}
	if ok {
		applyFileConfig(&cfg, *fc)
	} else {
		if err := rewriteConfigFile(configPath, cfg); err != nil {
			return cfg, fmt.Errorf("write default config: %w", err)
		}
		logger.Info("created default config file", "path", configPath)
	}

	if secretsPath == "" {
		secretsPath = filepath.Join(cfg.DataDir, "config", "secrets.toml")
	}
	sc, ok, err := loadSecretsFile(secretsPath)
	if err != nil {
		return cfg, err
	}
	if ok {
		applySecretsConfig(&cfg, *sc)
	}
	return cfg, nil
}

func loadConfigFile(path string) (*fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, true, nil
}

func loadSecretsFile(path string) (*secretsConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	var sc secretsConfig
	if err := toml.Unmarshal(data, &sc); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &sc, true, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Pool.Address != nil {
		cfg.PoolAddr = strings.TrimSpace(*fc.Pool.Address)
	}
	if fc.Pool.UserIdentifier != nil {
		cfg.UserIdentifier = strings.TrimSpace(*fc.Pool.UserIdentifier)
	}
	if fc.Pool.CloseOnUnexpectedMessage != nil {
		cfg.CloseOnUnexpectedMessage = *fc.Pool.CloseOnUnexpectedMessage
	}

	if fc.Node.RPCURL != nil {
		cfg.RPCURL = strings.TrimSpace(*fc.Node.RPCURL)
	}
	if fc.Node.RPCCookiePath != nil {
		cfg.RPCCookiePath = strings.TrimSpace(*fc.Node.RPCCookiePath)
	}
	if fc.Node.ZMQBlockAddr != nil {
		cfg.ZMQBlockAddr = strings.TrimSpace(*fc.Node.ZMQBlockAddr)
	}
	if fc.Node.Network != nil {
		cfg.Network = strings.ToLower(strings.TrimSpace(*fc.Node.Network))
	}
	if fc.Node.TemplateRefreshSeconds != nil {
		cfg.TemplateRefresh = secondsDuration(*fc.Node.TemplateRefreshSeconds)
	}

	n := fc.Negotiation
	if n.MaxCommitRetries != nil {
		cfg.MaxCommitRetries = *n.MaxCommitRetries
	}
	if n.CommitRetryDelayMs != nil {
		cfg.CommitRetryDelay = millisDuration(*n.CommitRetryDelayMs)
	}
	if n.RoundTimeoutSeconds != nil {
		cfg.RoundTimeout = secondsDuration(*n.RoundTimeoutSeconds)
	}
	if n.ShortHashMode != nil {
		cfg.ShortHashMode = strings.ToLower(strings.TrimSpace(*n.ShortHashMode))
	}
	if n.MinExtranonceSize != nil {
		cfg.MinExtranonceSize = *n.MinExtranonceSize
	}
	if n.CoinbaseTag != nil {
		cfg.CoinbaseTag = *n.CoinbaseTag
	}
	if n.CommitHistorySize != nil {
		cfg.CommitHistorySize = *n.CommitHistorySize
	}
	if n.CommitHistoryTTLSeconds != nil {
		cfg.CommitHistoryTTL = secondsDuration(*n.CommitHistoryTTLSeconds)
	}

	if fc.Status.Listen != nil {
		cfg.StatusAddr = strings.TrimSpace(*fc.Status.Listen)
	}
	if fc.Data.DataDir != nil {
		cfg.DataDir = strings.TrimSpace(*fc.Data.DataDir)
	}
	if fc.Data.Journal != nil {
		cfg.JournalEnabled = *fc.Data.Journal
	}
	if fc.Logging.Debug != nil {
		cfg.LogDebug = *fc.Logging.Debug
	}
	if fc.Logging.File != nil {
		cfg.LogFile = strings.TrimSpace(*fc.Logging.File)
	}
	if fc.Logging.Stdout != nil {
		cfg.LogStdout = *fc.Logging.Stdout
	}
}

func applySecretsConfig(cfg *Config, sc secretsConfig) {
	if user := strings.TrimSpace(sc.RPCUser); user != "" {
		cfg.RPCUser = user
	}
	if pass := strings.TrimSpace(sc.RPCPass); pass != "" {
		cfg.RPCPass = pass
	}
}

func buildFileConfig(cfg Config) fileConfig {
	refresh := int(cfg.TemplateRefresh / time.Second)
	retryDelay := int(cfg.CommitRetryDelay / time.Millisecond)
	roundTimeout := int(cfg.RoundTimeout / time.Second)
	historyTTL := int(cfg.CommitHistoryTTL / time.Second)
	return fileConfig{
		Pool: poolFileConfig{
			Address:                  &cfg.PoolAddr,
			UserIdentifier:           &cfg.UserIdentifier,
			CloseOnUnexpectedMessage: &cfg.CloseOnUnexpectedMessage,
		},
		Node: nodeFileConfig{
			RPCURL:                 &cfg.RPCURL,
			RPCCookiePath:          &cfg.RPCCookiePath,
			ZMQBlockAddr:           &cfg.ZMQBlockAddr,
			Network:                &cfg.Network,
			TemplateRefreshSeconds: &refresh,
		},
		Negotiation: negotiationFileConfig{
			MaxCommitRetries:        &cfg.MaxCommitRetries,
			CommitRetryDelayMs:      &retryDelay,
			RoundTimeoutSeconds:     &roundTimeout,
			ShortHashMode:           &cfg.ShortHashMode,
			MinExtranonceSize:       &cfg.MinExtranonceSize,
			CoinbaseTag:             &cfg.CoinbaseTag,
			CommitHistorySize:       &cfg.CommitHistorySize,
			CommitHistoryTTLSeconds: &historyTTL,
		},
		Status:  statusFileConfig{Listen: &cfg.StatusAddr},
		Data:    dataFileConfig{DataDir: &cfg.DataDir, Journal: &cfg.JournalEnabled},
		Logging: loggingFileConfig{Debug: &cfg.LogDebug, File: &cfg.LogFile, Stdout: &cfg.LogStdout},
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.PoolAddr) == "" {
		return fmt.Errorf("pool.address is required")
	}
	if _, _, err := net.SplitHostPort(cfg.PoolAddr); err != nil {
		return fmt.Errorf("pool.address %q: %w", cfg.PoolAddr, err)
	}
	if len(cfg.UserIdentifier) > 255 {
		return fmt.Errorf("pool.user_identifier longer than 255 bytes")
	}
	u, err := url.Parse(cfg.RPCURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("node.rpc_url %q is not a valid URL", cfg.RPCURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("node.rpc_url scheme must be http or https, got %q", u.Scheme)
	}
	if _, err := chainParamsForNetwork(cfg.Network); err != nil {
		return err
	}
	if cfg.TemplateRefresh <= 0 {
		return fmt.Errorf("node.template_refresh_seconds must be > 0")
	}
	if cfg.MaxCommitRetries < 0 {
		return fmt.Errorf("negotiation.max_commit_retries must be >= 0")
	}
	if cfg.CommitRetryDelay < 0 {
		return fmt.Errorf("negotiation.commit_retry_delay_ms must be >= 0")
	}
	if cfg.RoundTimeout <= 0 {
		return fmt.Errorf("negotiation.round_timeout_seconds must be > 0")
	}
	switch cfg.ShortHashMode {
	case shortHashModeOff, shortHashModeSipHash:
	default:
		return fmt.Errorf("negotiation.short_hash_mode must be %q or %q, got %q", shortHashModeOff, shortHashModeSipHash, cfg.ShortHashMode)
	}
	if cfg.MinExtranonceSize < 0 || cfg.MinExtranonceSize > 0xffff {
		return fmt.Errorf("negotiation.min_extranonce_size out of range: %d", cfg.MinExtranonceSize)
	}
	if len(strings.TrimSpace(cfg.CoinbaseTag)) > maxCoinbaseTagBytes {
		return fmt.Errorf("negotiation.coinbase_tag longer than %d bytes", maxCoinbaseTagBytes)
	}
	if cfg.CommitHistorySize <= 0 {
		return fmt.Errorf("negotiation.commit_history_size must be > 0")
	}
	if cfg.CommitHistoryTTL <= 0 {
		return fmt.Errorf("negotiation.commit_history_ttl_seconds must be > 0")
	}
	if cfg.JournalEnabled && strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("data.data_dir is required when data.journal is enabled")
	}
	return nil
}
