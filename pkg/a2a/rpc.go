package a2a

import "encoding/json"

// JSON-RPC method for message delivery
const MethodSendMessage = "message/send"

// JSON-RPC error codes used on the A2A dialect
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	CodeAgentTimeout   = -32001
	CodeAgentGone      = -32002
)

// Request is a JSON-RPC 2.0 request envelope
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// SendParams are the params of a message/send request
type SendParams struct {
	Message *Message `json:"message"`
}

// Response is a JSON-RPC 2.0 response envelope
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRequest builds a message/send request with the given correlation id.
func NewRequest(id string, msg *Message) (*Request, error) {
	params, err := json.Marshal(SendParams{Message: msg})
	if err != nil {
		return nil, err
	}
	return &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  MethodSendMessage,
		Params:  params,
	}, nil
}

// NewResponse builds a success response carrying a reply message (may be nil).
func NewResponse(id string, msg *Message) (*Response, error) {
	resp := &Response{JSONRPC: "2.0", ID: id}
	if msg != nil {
		result, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		resp.Result = result
	}
	return resp, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id string, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// ParseSendParams extracts the message from a message/send request.
func ParseSendParams(req *Request) (*Message, error) {
	var params SendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, err
	}
	return params.Message, nil
}
