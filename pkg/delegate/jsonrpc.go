package delegate

import "encoding/json"

// JSON-RPC 2.0 envelope for the delegation control protocol.

const (
	MethodExecuteTask = "execute_task"
	MethodGetResult   = "get_result"
)

// Standard JSON-RPC error codes used by execution agents.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeUnknownMethod  = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// InvalidParamsData carries the `missing` field list for CodeInvalidParams.
type InvalidParamsData struct {
	Missing []string `json:"missing"`
}

// ExecuteParams are the required execute_task parameters.
type ExecuteParams struct {
	Channel    string `json:"channel"`
	Text       string `json:"text"`
	Credential string `json:"credential"`
}

// GetResultParams identify the async task being polled.
type GetResultParams struct {
	TaskID string `json:"task_id"`
}

func NewRequest(id, method string, params any) (Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Request{}, err
	}
	return Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, nil
}
