package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/leapstack-labs/leapcube/pkg/compiler"
	"github.com/leapstack-labs/leapcube/pkg/core"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// sqlRequest is the body of POST /v1/sql. Query is one query object or an
// array of them.
type sqlRequest struct {
	Query           jsoniter.RawMessage `json:"query"`
	SecurityContext map[string]any      `json:"securityContext,omitempty"`
}

type sqlResponse struct {
	SQL *compiler.Result `json:"sql"`
}

type batchResponse struct {
	Results []*compiler.Result `json:"results"`
}

type preAggsRequest struct {
	Timezone string `json:"timezone"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps user errors to 400 and timeouts to 504. Anything else
// is an internal error and is logged.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case core.IsUserError(err):
		kind, _ := core.ErrorKindOf(err)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Type: string(kind)})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "compilation timed out", Type: "Timeout"})
	case errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "request cancelled", Type: "Cancelled"})
	default:
		s.logger.Error("request failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return core.NewQueryError("failed to read request body: %v", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return core.NewQueryError("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	raw := bytes.TrimSpace(req.Query)
	if len(raw) == 0 {
		s.writeError(w, core.NewQueryError("query is required"))
		return
	}

	ctx := r.Context()
	if req.SecurityContext != nil {
		ctx = compiler.WithSecurityContext(ctx, req.SecurityContext)
	}
	c := s.Compiler()

	if raw[0] != '[' {
		q, err := core.ParseQuery(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		res, err := c.Compile(ctx, q)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sqlResponse{SQL: res})
		return
	}

	var items []jsoniter.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		s.writeError(w, core.NewQueryError("invalid query array: %v", err))
		return
	}
	queries := make([]*core.Query, len(items))
	for i, item := range items {
		q, err := core.ParseQuery(item)
		if err != nil {
			s.writeError(w, err)
			return
		}
		queries[i] = q
	}
	results, err := c.CompileBatch(ctx, queries)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Results: results})
}

func (s *Server) handlePreAggs(w http.ResponseWriter, r *http.Request) {
	var req preAggsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	descs, err := s.Compiler().Describe(r.Context(), req.Timezone)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preAggregations": descs})
}

func (s *Server) handleMeta(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cubes": s.Compiler().Meta()})
}

func (s *Server) handleJoinPath(w http.ResponseWriter, r *http.Request) {
	cubes := strings.Split(r.URL.Query().Get("cubes"), ",")
	if len(cubes) == 1 && cubes[0] == "" {
		s.writeError(w, core.NewQueryError("cubes parameter is required"))
		return
	}
	res, err := s.Compiler().JoinPath(cubes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
