package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/dermesser/flowrpc"
	"github.com/dermesser/flowrpc/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Largest request body accepted by the HTTP endpoint.
const maxHTTPBodySize = 8 << 20

/*
HTTPHandler returns a router serving the registered routines at /routines/{signature} for GET
and POST. The correlation values are read from the X-Routine-* headers; a missing id or timestamp
is generated. A successful routine answers 200, a failed one 500, an unknown one 404 and a server
in loadshed mode 503, each with the payload as body.
*/
func (srv *Server) HTTPHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/routines/{signature}", srv.serveRoutine).Methods(http.MethodGet, http.MethodPost)
	return r
}

func (srv *Server) serveRoutine(w http.ResponseWriter, req *http.Request) {
	signature := mux.Vars(req)["signature"]
	routine := flowrpc.NewRoutine(
		flowrpc.WithRoutineID(req.Header.Get(flowrpc.HTTPHeaderRoutineID)),
		flowrpc.WithRoutineTimestamp(req.Header.Get(flowrpc.HTTPHeaderRoutineTimestamp)),
		flowrpc.WithRoutineScope(req.Header.Get(flowrpc.HTTPHeaderRoutineScope)),
		flowrpc.WithRoutineSignature(signature),
	)
	w.Header().Set(flowrpc.HTTPHeaderRoutineID, routine.ID())

	if srv.loadshed.Load() {
		writeReply(w, http.StatusServiceUnavailable, errorBody(signature, "server is in loadshed mode"))
		return
	}
	if srv.findHandler(signature) == nil {
		if log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
			srv.logger.Warn("HTTP request for unknown routine", zap.String("signature", signature),
				zap.String("requestId", routine.ID()))
		}
		writeReply(w, http.StatusNotFound, errorBody(signature, string(ErrNoSuchRoutine)))
		return
	}

	input, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxHTTPBodySize))
	if err != nil {
		writeReply(w, http.StatusBadRequest, errorBody(signature, err.Error()))
		return
	}

	if err := srv.dispatch(req.Context(), input, routine, &httpReply{w: w}); err != nil && log.IsLoggingEnabled(log.LOGLEVEL_ERRORS) {
		srv.logger.Error("could not answer HTTP request", zap.String("requestId", routine.ID()), zap.Error(err))
	}
}

// httpReply answers a routine over HTTP. There are no intermediate signals on this transport.
type httpReply struct {
	w http.ResponseWriter
}

func (r *httpReply) EmitStarted(context.Context, []byte) error { return nil }

func (r *httpReply) EmitProgress(context.Context, int, int, json.RawMessage) error { return nil }

func (r *httpReply) EmitCompleted(_ context.Context, payload []byte) error {
	return writeReply(r.w, http.StatusOK, payload)
}

func (r *httpReply) EmitFailed(_ context.Context, payload []byte) error {
	return writeReply(r.w, http.StatusInternalServerError, payload)
}

func writeReply(w http.ResponseWriter, status int, payload []byte) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, err := w.Write(payload)
	return err
}
