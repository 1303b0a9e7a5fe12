package main

import (
	"reflect"

	"github.com/bytedance/sonic"
)

func init() {
	// Best-effort; Sonic falls back to lazy codegen if pretouch fails.
	_ = sonic.Pretouch(reflect.TypeFor[GetBlockTemplateResult]())
	_ = sonic.Pretouch(reflect.TypeFor[proxyStatus]())
}
