//go:build nojsonsimd

package main

import stdjson "encoding/json"

func wireJSONMarshal(v interface{}) ([]byte, error) {
	return stdjson.Marshal(v)
}

func wireJSONUnmarshal(data []byte, v interface{}) error {
	return stdjson.Unmarshal(data, v)
}
