package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
)

const proxyExampleHeader = `# goJobProxy example configuration.
#
# [pool]        Job Negotiation endpoint and the user_identifier sent with
#               every AllocateMiningJobToken.
# [node]        bitcoind RPC and ZMQ used to build block templates.
# [negotiation] retry budget, round timeout and short-hash mode for commits.
#
# Copy to config/config.toml and edit. Credentials go in secrets.toml.

`

var secretsConfigExample = []byte(`# Node RPC credentials. Leave both empty to use node.rpc_cookie_path.
rpc_user = "bitcoinrpc"
rpc_pass = "change-me"
`)

// writeProxyExamples refreshes config/examples under dataDir. Files whose
// contents already match are left untouched.
func writeProxyExamples(dataDir string) {
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	dir := filepath.Join(dataDir, "config", "examples")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("create config examples dir", "dir", dir, "error", err)
		return
	}
	cfgExample, err := proxyConfigExample()
	if err != nil {
		logger.Warn("encode config example", "error", err)
	} else {
		refreshExample(filepath.Join(dir, "config.toml.example"), cfgExample)
	}
	refreshExample(filepath.Join(dir, "secrets.toml.example"), secretsConfigExample)
}

func refreshExample(path string, contents []byte) {
	if old, err := os.ReadFile(path); err == nil && bytes.Equal(old, contents) {
		return
	}
	if err := writeFileAtomic(path, contents, 0o644); err != nil {
		logger.Warn("write config example", "path", path, "error", err)
	}
}

// proxyConfigExample is the default config pointed at a placeholder pool with
// ZMQ block notifications switched on.
func proxyConfigExample() ([]byte, error) {
	cfg := defaultConfig()
	cfg.PoolAddr = "pool.example.com:34264"
	cfg.ZMQBlockAddr = "tcp://127.0.0.1:28332"
	data, err := toml.Marshal(buildFileConfig(cfg))
	if err != nil {
		return nil, err
	}
	return append([]byte(proxyExampleHeader), data...), nil
}

// rewriteConfigFile replaces path with cfg and moves the previous file to
// path.bak. RPC credentials stay in secrets.toml.
func rewriteConfigFile(path string, cfg Config) error {
	data, err := toml.Marshal(buildFileConfig(cfg))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := backupFile(path); err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

func backupFile(path string) error {
	bak := path + ".bak"
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.Remove(bak); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", bak, err)
	}
	if err := os.Rename(path, bak); err != nil {
		return fmt.Errorf("back up %s: %w", path, err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target dir and renames
// it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("write %s: %w", tmpName, werr)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpName, path, err)
	}
	committed = true
	return nil
}
