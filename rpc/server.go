package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Server is the JSON-RPC HTTP ingress. It holds a MethodRegistry so new
// methods can be registered without touching the transport.
type Server struct {
	registry *MethodRegistry
	mux      *http.ServeMux
}

// NewServer wraps registry behind a single "/" JSON-RPC endpoint.
func NewServer(registry *MethodRegistry) *Server {
	s := &Server{registry: registry, mux: http.NewServeMux()}
	s.mux.HandleFunc("/", s.handleRPC)
	return s
}

// Handler returns the server's http.Handler, ready to be wrapped with
// middleware (CORS, logging, rate limiting) and passed to http.Serve.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, nil, ErrCodeParse, "failed to read request body")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, ErrCodeParse, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeError(w, req.ID, ErrCodeInvalidRequest, "malformed JSON-RPC request")
		return
	}

	params := make([]interface{}, len(req.Params))
	for i, raw := range req.Params {
		params[i] = raw
	}

	result, callErr := s.registry.Call(req.Method, params)
	if callErr != nil {
		code := ErrCodeInternal
		switch {
		case errors.Is(callErr, ErrMethodNotFound):
			code = ErrCodeMethodNotFound
		case errors.Is(callErr, ErrInvalidParams):
			code = ErrCodeInvalidParams
		}
		writeError(w, req.ID, code, callErr.Error())
		return
	}

	writeJSON(w, &Response{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	resp := &Response{JSONRPC: "2.0", Error: &RPCError{Code: code, Message: message}, ID: id}
	writeJSON(w, resp)
}
