//go:build !nojsonsimd

package main

import "github.com/bytedance/sonic"

var wireJSON = sonic.ConfigDefault

func wireJSONMarshal(v interface{}) ([]byte, error) {
	return wireJSON.Marshal(v)
}

func wireJSONUnmarshal(data []byte, v interface{}) error {
	return wireJSON.Unmarshal(data, v)
}
