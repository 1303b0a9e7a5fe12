package main

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// chainParamsForNetwork maps node.network to btcd chain parameters. The
// params feed the coinbase subsidy check when templates are built.
func chainParamsForNetwork(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "mainnet", "", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest", "regressiontest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("node.network %q is not a known network", network)
	}
}
