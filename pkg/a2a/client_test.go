package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acnlabs/acn/pkg/errs"
)

func TestClientSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, MethodSendMessage, req.Method)

		inbound, err := ParseSendParams(&req)
		require.NoError(t, err)
		assert.Equal(t, []string{"ping"}, inbound.Texts())

		reply := NewTextMessage(RoleAgent, "pong")
		resp, err := NewResponse(req.ID, reply)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	reply, err := client.SendMessage(context.Background(), NewTextMessage(RoleUser, "ping"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, []string{"pong"}, reply.Texts())
}

func TestClientEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp, _ := NewResponse(req.ID, nil)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	reply, err := client.SendMessage(context.Background(), NewTextMessage(RoleUser, "fire and forget"))
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestClientPeerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(NewErrorResponse(req.ID, CodeInternalError, "handler exploded"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	_, err := client.SendMessage(context.Background(), NewTextMessage(RoleUser, "x"))
	require.Error(t, err)
	assert.Equal(t, errs.ExternalUnavailable, errs.KindOf(err))
}

func TestClientPeerTimeoutCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(NewErrorResponse(req.ID, CodeAgentTimeout, "no reply within 30s"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	_, err := client.SendMessage(context.Background(), NewTextMessage(RoleUser, "x"))
	require.Error(t, err)
	assert.Equal(t, errs.Timeout, errs.KindOf(err))
	assert.Equal(t, errs.CodeRequestTimeout, errs.CodeOf(err))
}

func TestClientUnreachableEndpoint(t *testing.T) {
	// Port 1 is never listening.
	client := NewClient("http://127.0.0.1:1", 500*time.Millisecond)
	_, err := client.SendMessage(context.Background(), NewTextMessage(RoleUser, "x"))
	require.Error(t, err)
	assert.Equal(t, errs.ExternalUnavailable, errs.KindOf(err))
}

func TestClientBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	_, err := client.SendMessage(context.Background(), NewTextMessage(RoleUser, "x"))
	require.Error(t, err)
	assert.Equal(t, errs.ExternalUnavailable, errs.KindOf(err))
}

func TestClientResponseIDMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := NewResponse("someone-elses-id", NewTextMessage(RoleAgent, "hi"))
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	_, err := client.SendMessage(context.Background(), NewTextMessage(RoleUser, "x"))
	require.Error(t, err)
}
