package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
)

// nodeRPC is the getblocktemplate client for the local node, built on
// btcd's HTTP POST mode JSON-RPC client.
type nodeRPC struct {
	client  *rpcclient.Client
	label   string
	metrics *proxyMetrics
}

func newNodeRPC(cfg Config, metrics *proxyMetrics) (*nodeRPC, error) {
	u, err := url.Parse(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("parse rpc url: %w", err)
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         u.Host + u.Path,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		HTTPPostMode: true,
		DisableTLS:   u.Scheme != "https",
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc client: %w", err)
	}
	return &nodeRPC{client: client, label: u.Host, metrics: metrics}, nil
}

func (c *nodeRPC) EndpointLabel() string {
	return c.label
}

// GetBlockTemplate requests a segwit template. The btcd client has no context
// support, so the call is abandoned (not cancelled) when ctx ends.
func (c *nodeRPC) GetBlockTemplate(ctx context.Context) (GetBlockTemplateResult, error) {
	var tpl GetBlockTemplateResult
	req, err := fastJSONMarshal(map[string]any{
		"rules":        []string{"segwit"},
		"capabilities": []string{"coinbasetxn", "workid"},
	})
	if err != nil {
		return tpl, err
	}

	start := time.Now()
	future := c.client.RawRequestAsync("getblocktemplate", []json.RawMessage{req})
	type result struct {
		raw json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := future.Receive()
		done <- result{raw: raw, err: err}
	}()

	select {
	case <-ctx.Done():
		return tpl, ctx.Err()
	case res := <-done:
		c.metrics.ObserveRPCLatency(time.Since(start).Seconds())
		if res.err != nil {
			return tpl, fmt.Errorf("getblocktemplate: %w", res.err)
		}
		if err := fastJSONUnmarshal(res.raw, &tpl); err != nil {
			return tpl, fmt.Errorf("decode getblocktemplate: %w", err)
		}
		return tpl, nil
	}
}

func (c *nodeRPC) Close() {
	c.client.Shutdown()
}
