package rpc

import "encoding/json"

// Wire types of the control protocol spoken between the controller and the
// node daemon. Object payloads travel base64-encoded through []byte fields.

type ErrorResponse struct {
	Error string `json:"error"`
}

type StatusResponse struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	DenAuth       bool   `json:"den_auth"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Keys          int64  `json:"keys"`
}

type ObjectResponse struct {
	Data []byte `json:"data"`
}

type PutRequest struct {
	Key  string `json:"key"`
	Data []byte `json:"data"`
	Env  string `json:"env,omitempty"`
}

type DeleteRequest struct {
	Keys []string `json:"keys"`
	Env  string   `json:"env,omitempty"`
}

type KeysResponse struct {
	Keys []string `json:"keys"`
}

type ClearRequest struct {
	Env string `json:"env,omitempty"`
}

type RenameRequest struct {
	Key    string `json:"key"`
	NewKey string `json:"new_key"`
	Env    string `json:"env,omitempty"`
}

type SettingsRequest struct {
	DenAuth        bool `json:"den_auth"`
	FlushAuthCache bool `json:"flush_auth_cache"`
}

type CallRequest struct {
	Args       []any          `json:"args,omitempty"`
	Kwargs     map[string]any `json:"kwargs,omitempty"`
	StreamLogs bool           `json:"stream_logs,omitempty"`
	RunName    string         `json:"run_name,omitempty"`
	Remote     bool           `json:"remote,omitempty"`
	RunAsync   bool           `json:"run_async,omitempty"`
	Save       bool           `json:"save,omitempty"`
}

type CallResponse struct {
	Data    json.RawMessage `json:"data,omitempty"`
	RunName string          `json:"run_name,omitempty"`
}
