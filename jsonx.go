package main

import (
	"github.com/bytedance/sonic"
)

var fastJSON = sonic.ConfigDefault

// fastJSONMarshal encodes v with Sonic. Used for node RPC replies and the
// status endpoint.
func fastJSONMarshal(v any) ([]byte, error) {
	return fastJSON.Marshal(v)
}

func fastJSONUnmarshal(data []byte, v any) error {
	return fastJSON.Unmarshal(data, v)
}
