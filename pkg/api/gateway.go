package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/errs"
)

// handleTunnel upgrades the connection and hands it to the gateway, which
// authenticates against the subnet's security schemes and runs the tunnel.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	s.gateway.HandleTunnel(w, r, chi.URLParam(r, "subnetID"), chi.URLParam(r, "agentID"))
}

// handleGatewayRPC is the HTTP ingress for a tunneled agent: a JSON-RPC
// message/send is forwarded over the agent's websocket and the reply comes
// back in the response envelope. Errors ride the envelope with HTTP 200,
// per the A2A dialect.
func (s *Server) handleGatewayRPC(w http.ResponseWriter, r *http.Request) {
	subnetID := chi.URLParam(r, "subnetID")
	agentID := chi.URLParam(r, "agentID")

	var req a2a.Request
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusOK, a2a.NewErrorResponse(req.ID, a2a.CodeParseError, err.Error()))
		return
	}
	if req.Method != a2a.MethodSendMessage {
		writeJSON(w, http.StatusOK, a2a.NewErrorResponse(req.ID, a2a.CodeMethodNotFound, "unsupported method "+req.Method))
		return
	}
	msg, err := a2a.ParseSendParams(&req)
	if err != nil || msg == nil {
		writeJSON(w, http.StatusOK, a2a.NewErrorResponse(req.ID, a2a.CodeInvalidRequest, "params must carry a message"))
		return
	}

	reply, err := s.gateway.Forward(r.Context(), subnetID, agentID, msg)
	if err != nil {
		code := a2a.CodeInternalError
		switch {
		case errs.IsKind(err, errs.Timeout):
			code = a2a.CodeAgentTimeout
		case errs.IsKind(err, errs.NotFound), errs.IsKind(err, errs.ExternalUnavailable):
			code = a2a.CodeAgentGone
		}
		writeJSON(w, http.StatusOK, a2a.NewErrorResponse(req.ID, code, err.Error()))
		return
	}

	resp, err := a2a.NewResponse(req.ID, reply)
	if err != nil {
		writeJSON(w, http.StatusOK, a2a.NewErrorResponse(req.ID, a2a.CodeInternalError, "failed to encode reply"))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
