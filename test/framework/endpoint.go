package framework

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/acnlabs/acn/pkg/a2a"
)

// A2AEndpoint is an in-process agent endpoint speaking the message/send
// dialect. Register its URL as an agent's endpoint and the node routes
// messages here; tests inspect what arrived.
type A2AEndpoint struct {
	srv   *httptest.Server
	reply func(*a2a.Message) *a2a.Message

	mu       sync.Mutex
	received []*a2a.Message
}

// StartA2AEndpoint serves an agent endpoint for the duration of the test.
// A nil reply function answers every message with a plain "ok".
func StartA2AEndpoint(t *testing.T, reply func(*a2a.Message) *a2a.Message) *A2AEndpoint {
	t.Helper()
	if reply == nil {
		reply = func(*a2a.Message) *a2a.Message {
			return a2a.NewTextMessage(a2a.RoleAgent, "ok")
		}
	}

	e := &A2AEndpoint{reply: reply}
	e.srv = httptest.NewServer(http.HandlerFunc(e.handle))
	t.Cleanup(e.srv.Close)
	return e
}

// EchoEndpoint serves an endpoint replying "echo: <text>" to every message.
func EchoEndpoint(t *testing.T) *A2AEndpoint {
	t.Helper()
	return StartA2AEndpoint(t, func(msg *a2a.Message) *a2a.Message {
		text := ""
		if texts := msg.Texts(); len(texts) > 0 {
			text = texts[0]
		}
		return a2a.NewTextMessage(a2a.RoleAgent, "echo: "+text)
	})
}

// URL returns the endpoint address to register on an agent.
func (e *A2AEndpoint) URL() string {
	return e.srv.URL
}

// Close shuts the endpoint down early, making its agent unreachable.
func (e *A2AEndpoint) Close() {
	e.srv.Close()
}

// Received returns every message delivered so far, oldest first.
func (e *A2AEndpoint) Received() []*a2a.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*a2a.Message, len(e.received))
	copy(out, e.received)
	return out
}

func (e *A2AEndpoint) handle(w http.ResponseWriter, r *http.Request) {
	var req a2a.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, a2a.NewErrorResponse("", a2a.CodeParseError, err.Error()))
		return
	}
	if req.Method != a2a.MethodSendMessage {
		writeRPC(w, a2a.NewErrorResponse(req.ID, a2a.CodeMethodNotFound, "unsupported method "+req.Method))
		return
	}
	msg, err := a2a.ParseSendParams(&req)
	if err != nil {
		writeRPC(w, a2a.NewErrorResponse(req.ID, a2a.CodeInvalidRequest, err.Error()))
		return
	}

	e.mu.Lock()
	e.received = append(e.received, msg)
	e.mu.Unlock()

	resp, err := a2a.NewResponse(req.ID, e.reply(msg))
	if err != nil {
		writeRPC(w, a2a.NewErrorResponse(req.ID, a2a.CodeInternalError, err.Error()))
		return
	}
	writeRPC(w, resp)
}

func writeRPC(w http.ResponseWriter, resp *a2a.Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
