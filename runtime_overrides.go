package main

import (
	"fmt"
	"net"
	"strings"
)

// runtimeOverrides holds command-line values that win over config.toml.
type runtimeOverrides struct {
	poolAddr      string
	rpcURL        string
	rpcCookiePath string
	zmqBlockAddr  string
	statusAddr    string
	dataDir       string
	network       string
	shortHashMode string
	debug         *bool
	stdout        *bool
}

var defaultRPCURLByNetwork = map[string]string{
	"mainnet": "http://127.0.0.1:8332",
	"testnet": "http://127.0.0.1:18332",
	"signet":  "http://127.0.0.1:38332",
	"regtest": "http://127.0.0.1:18443",
}

func applyRuntimeOverrides(cfg *Config, overrides runtimeOverrides) error {
	if n := strings.ToLower(strings.TrimSpace(overrides.network)); n != "" {
		if _, ok := defaultRPCURLByNetwork[n]; !ok {
			return fmt.Errorf("unknown -network %q", overrides.network)
		}
		// Follow the network's default port unless the operator set a URL.
		if overrides.rpcURL == "" && cfg.RPCURL == defaultRPCURLByNetwork[cfg.Network] {
			cfg.RPCURL = defaultRPCURLByNetwork[n]
		}
		cfg.Network = n
	}
	if overrides.rpcURL != "" {
		cfg.RPCURL = overrides.rpcURL
	}
	if overrides.rpcCookiePath != "" {
		cfg.RPCCookiePath = overrides.rpcCookiePath
	}
	if overrides.zmqBlockAddr != "" {
		cfg.ZMQBlockAddr = overrides.zmqBlockAddr
	}
	if overrides.poolAddr != "" {
		if _, _, err := net.SplitHostPort(overrides.poolAddr); err != nil {
			return fmt.Errorf("-pool: %w", err)
		}
		cfg.PoolAddr = overrides.poolAddr
	}
	if overrides.statusAddr != "" {
		cfg.StatusAddr = overrides.statusAddr
	}
	if d := strings.TrimSpace(overrides.dataDir); d != "" {
		cfg.DataDir = d
	}
	if overrides.shortHashMode != "" {
		cfg.ShortHashMode = strings.ToLower(strings.TrimSpace(overrides.shortHashMode))
	}
	if overrides.debug != nil {
		cfg.LogDebug = *overrides.debug
	}
	if overrides.stdout != nil {
		cfg.LogStdout = *overrides.stdout
	}
	return nil
}
