package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

// resolveRPCCredentials fills RPCUser/RPCPass. Explicit secrets win; otherwise
// the node's auth cookie is read from node.rpc_cookie_path or, when that is
// empty, from the usual bitcoind/btcd data directories.
func resolveRPCCredentials(cfg *Config) error {
	if cfg.RPCUser != "" && cfg.RPCPass != "" {
		return nil
	}
	path := strings.TrimSpace(cfg.RPCCookiePath)
	if path == "" {
		auto, found, tried := autodetectRPCCookiePath()
		if !found {
			return fmt.Errorf("no rpc credentials in secrets.toml and no node cookie found (checked: %s)", strings.Join(tried, ", "))
		}
		path = auto
		logger.Info("autodetected node rpc cookie", "path", path)
	}
	actual, user, pass, err := readRPCCookieWithFallback(path)
	if err != nil {
		return fmt.Errorf("rpc cookie: %w", err)
	}
	cfg.RPCCookiePath = actual
	cfg.RPCUser = user
	cfg.RPCPass = pass
	return nil
}

func rpcCookiePathCandidates(basePath string) []string {
	trimmed := strings.TrimSpace(basePath)
	if trimmed == "" {
		return nil
	}
	if info, err := os.Stat(trimmed); err == nil && info.IsDir() {
		return []string{filepath.Join(trimmed, ".cookie")}
	}
	candidates := []string{trimmed}
	if !strings.HasSuffix(trimmed, ".cookie") {
		candidates = append(candidates, filepath.Join(trimmed, ".cookie"))
	}
	return candidates
}

func readRPCCookieWithFallback(basePath string) (string, string, string, error) {
	candidates := rpcCookiePathCandidates(basePath)
	if len(candidates) == 0 {
		return "", "", "", fmt.Errorf("invalid cookie path")
	}
	var lastErr error
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			lastErr = fmt.Errorf("read %s: %w", candidate, err)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return candidate, "", "", lastErr
		}
		user, pass, ok := strings.Cut(strings.TrimSpace(string(data)), ":")
		if !ok {
			return candidate, "", "", fmt.Errorf("unexpected cookie format in %s", candidate)
		}
		return candidate, strings.TrimSpace(user), strings.TrimSpace(pass), nil
	}
	return candidates[len(candidates)-1], "", "", lastErr
}

func autodetectRPCCookiePath() (string, bool, []string) {
	candidates := rpcCookieCandidates()
	tried := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		tried = append(tried, candidate)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true, tried
		}
	}
	return "", false, tried
}

func rpcCookieCandidates() []string {
	var candidates []string
	if envDir := strings.TrimSpace(os.Getenv("BITCOIN_DATADIR")); envDir != "" {
		candidates = append(candidates, filepath.Join(envDir, ".cookie"))
		for _, net := range []string{"regtest", "testnet3", "signet"} {
			candidates = append(candidates, filepath.Join(envDir, net, ".cookie"))
		}
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		base := filepath.Join(home, ".bitcoin")
		candidates = append(candidates,
			filepath.Join(base, ".cookie"),
			filepath.Join(base, "regtest", ".cookie"),
			filepath.Join(base, "testnet3", ".cookie"),
			filepath.Join(base, "signet", ".cookie"),
		)
	}
	candidates = append(candidates, "/var/lib/bitcoin/.cookie")
	return append(candidates, btcdCookieCandidates()...)
}

// btcdCookieCandidates mirrors btcd's default datadir layout.
func btcdCookieCandidates() []string {
	home := btcutil.AppDataDir("btcd", false)
	if home == "" {
		return nil
	}
	dataDir := filepath.Join(home, "data")
	networks := []string{"regtest", "testnet3", "signet", "simnet"}
	candidates := make([]string, 0, len(networks)+1)
	candidates = append(candidates, filepath.Join(dataDir, ".cookie"))
	for _, net := range networks {
		candidates = append(candidates, filepath.Join(dataDir, net, ".cookie"))
	}
	return candidates
}
