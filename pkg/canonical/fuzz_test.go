package canonical

import (
	"bytes"
	"encoding/json"
	"testing"
)

func FuzzJSON(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<a>&</a>"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"":"empty_key","a":""}`))
	f.Add([]byte(`{"unicode":"こんにちは"}`))
	f.Add([]byte(`{"escape":"line1\nline2\ttab"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip()
		}

		b1, err := JSON(v)
		if err != nil {
			return
		}
		b2, err := JSON(v)
		if err != nil {
			t.Fatal("second canonicalization failed where first succeeded")
		}
		if !bytes.Equal(b1, b2) {
			t.Fatalf("non-deterministic output: %q vs %q", b1, b2)
		}

		// Canonical output must itself be valid JSON.
		var round any
		if err := json.Unmarshal(b1, &round); err != nil {
			t.Fatalf("canonical output is not valid JSON: %v", err)
		}
	})
}
