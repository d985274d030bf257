// Package rpc exposes the inter-chain HTTP transport: the four routes a
// level executor's peers use to hand it
// work and receipts, and a peer chain uses to bootstrap a shared HMAC key.
package rpc

import "encoding/json"

// registerRequest is the body POSTed to /v1/interchain-auth-register,
// mirroring authorization.Establisher's own outbound shape.
type registerRequest struct {
	DCID      string `json:"dcid"`
	Key       string `json:"key"`
	Signature []byte `json:"signature"`
}

// errorBody is the JSON shape returned for any non-2xx response.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(status int, v any) ([]byte, int) {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(errorBody{Error: "marshal response: " + err.Error()})
		return data, 500
	}
	return data, status
}
