package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dermesser/flowrpc"
	"github.com/dermesser/flowrpc/broker"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type sumArgs struct {
	A, B int
}

func sumHandler(cx *Context) {
	var args sumArgs
	if err := cx.GetArgument(&args); err != nil {
		cx.Fail(err.Error())
		return
	}
	cx.Started(nil)
	cx.Progress(1, 2, nil)
	cx.Return(map[string]int{"sum": args.A + args.B})
}

type harness struct {
	ch     *broker.MemoryChannel
	srv    *Server
	cancel context.CancelFunc
	done   chan error
	proto  flowrpc.Protocol
}

func startServer(t *testing.T, cfg ServerConfig) *harness {
	t.Helper()
	h := &harness{ch: broker.NewMemoryChannel(0), done: make(chan error, 1)}
	if cfg.Protocol.Version == "" {
		cfg.Protocol = flowrpc.ProtocolFor(flowrpc.ProtocolOxid)
	}
	h.proto = cfg.Protocol

	srv, err := NewServer(h.ch, cfg)
	if err != nil {
		t.Fatal(err)
	}
	h.srv = srv
	if err := srv.RegisterHandler("sum", sumHandler); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- srv.Serve(ctx, h.ch.Consume(ctx, "requests", "ctag-srv")) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) call(t *testing.T, signature string, body []byte) {
	t.Helper()
	headers := broker.Headers{
		h.proto.HeaderRoutineID:        "rid-" + signature,
		h.proto.HeaderRoutineTimestamp: "rts",
		h.proto.HeaderRoutineSignature: signature,
	}
	err := h.ch.Publish(context.Background(), "requests", broker.Publishing{
		Properties: broker.Properties{Headers: headers, ReplyTo: "caller"},
		Body:       body,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// Collects signals for one call until the terminal one.
func (h *harness) signals(t *testing.T) []broker.Publishing {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []broker.Publishing
	for {
		msg, err := h.ch.Wait(ctx, "caller")
		if err != nil {
			t.Fatal("waiting for signals:", err)
		}
		out = append(out, msg)
		if flowrpc.SignalKind(msg.Headers[flowrpc.HeaderStatus].(string)).Terminal() {
			return out
		}
	}
}

func TestServeRoutine(t *testing.T) {
	h := startServer(t, ServerConfig{ComponentID: "worker-1", Workers: 2})
	h.call(t, "sum", []byte(`{"A":1,"B":2}`))

	sigs := h.signals(t)
	if len(sigs) != 3 {
		t.Fatal("expected started, progress, completed; got", len(sigs))
	}
	last := sigs[2]
	if last.Headers[flowrpc.HeaderStatus] != "completed" || string(last.Body) != `{"sum":3}` {
		t.Fatal("unexpected result:", last.Headers, string(last.Body))
	}
	if last.Headers["oxId"] != "rid-sum" || last.Headers[flowrpc.HeaderConsumerTag] != "ctag-srv" {
		t.Fatal("correlation lost:", last.Headers)
	}
}

func TestServeUnknownRoutine(t *testing.T) {
	h := startServer(t, ServerConfig{})
	h.call(t, "nope", nil)

	sigs := h.signals(t)
	if len(sigs) != 1 || sigs[0].Headers[flowrpc.HeaderStatus] != "failed" {
		t.Fatal("expected one failed signal:", sigs)
	}
	var f failure
	if err := json.Unmarshal(sigs[0].Body, &f); err != nil || f.Signature != "nope" {
		t.Fatal("bad error body:", string(sigs[0].Body))
	}
}

func TestServeLoadshedAndHealth(t *testing.T) {
	h := startServer(t, ServerConfig{})

	h.call(t, HealthRoutine, nil)
	if sigs := h.signals(t); sigs[0].Headers[flowrpc.HeaderStatus] != "completed" {
		t.Fatal("healthy server failed health check")
	}

	h.srv.SetLameduck(true)
	h.call(t, HealthRoutine, nil)
	if sigs := h.signals(t); sigs[0].Headers[flowrpc.HeaderStatus] != "failed" {
		t.Fatal("lameduck server passed health check")
	}
	h.call(t, PingRoutine, nil)
	if sigs := h.signals(t); sigs[0].Headers[flowrpc.HeaderStatus] != "completed" {
		t.Fatal("lameduck server must still serve")
	}

	h.srv.SetLameduck(false)
	h.srv.SetLoadshed(true)
	h.call(t, "sum", []byte(`{"A":1,"B":2}`))
	if sigs := h.signals(t); len(sigs) != 1 || sigs[0].Headers[flowrpc.HeaderStatus] != "failed" {
		t.Fatal("loadshed server accepted request")
	}
}

func TestHandlerPanicFails(t *testing.T) {
	h := startServer(t, ServerConfig{})
	h.srv.RegisterHandler("panic", func(cx *Context) { panic("boom") })
	h.call(t, "panic", nil)

	sigs := h.signals(t)
	if sigs[0].Headers[flowrpc.HeaderStatus] != "failed" || !strings.Contains(string(sigs[0].Body), "boom") {
		t.Fatal("panic not reported:", string(sigs[0].Body))
	}
}

func TestRegisterTwice(t *testing.T) {
	srv, _ := NewServer(broker.NewMemoryChannel(0), ServerConfig{})
	if err := srv.RegisterHandler("a", pingHandler); err != nil {
		t.Fatal(err)
	}
	if err := srv.RegisterHandler("a", pingHandler); !errors.Is(err, errors.AlreadyExists) {
		t.Fatal("expected AlreadyExists, got", err)
	}
	if err := srv.UnregisterHandler("a"); err != nil {
		t.Fatal(err)
	}
	if err := srv.UnregisterHandler("a"); !errors.Is(err, errors.NotFound) {
		t.Fatal("expected NotFound, got", err)
	}
	if _, err := NewServer(nil, ServerConfig{}); err == nil {
		t.Fatal("nil channel accepted")
	}
}

func TestRPCLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := startServer(t, ServerConfig{RPCLogger: zap.New(core)})
	h.call(t, "sum", []byte(`{"A":2,"B":2}`))
	h.signals(t)

	entries := logs.All()
	if len(entries) != 2 || entries[0].Message != "REQ" || entries[1].Message != "RSP" {
		t.Fatal("unexpected rpc log:", entries)
	}
	if entries[0].ContextMap()["requestId"] != "rid-sum" {
		t.Fatal("request id not logged")
	}
}

func TestHTTPHandler(t *testing.T) {
	srv, _ := NewServer(broker.NewMemoryChannel(0), ServerConfig{})
	srv.RegisterHandler("sum", sumHandler)
	srv.RegisterHandler("fail", func(cx *Context) { cx.Fail("bad input") })
	ts := httptest.NewServer(srv.HTTPHandler())
	defer ts.Close()

	post := func(path, body string) (int, string, http.Header) {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(body))
		req.Header.Set(flowrpc.HTTPHeaderRoutineID, "rid-http")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b), resp.Header
	}

	code, body, header := post("/routines/sum", `{"A":4,"B":5}`)
	if code != http.StatusOK || body != `{"sum":9}` || header.Get(flowrpc.HTTPHeaderRoutineID) != "rid-http" {
		t.Fatal("unexpected reply:", code, body)
	}
	if code, body, _ = post("/routines/fail", ``); code != http.StatusInternalServerError || !strings.Contains(body, "bad input") {
		t.Fatal("unexpected failure reply:", code, body)
	}
	if code, _, _ = post("/routines/missing", ``); code != http.StatusNotFound {
		t.Fatal("unknown routine answered", code)
	}

	srv.SetLoadshed(true)
	if code, _, _ = post("/routines/sum", `{}`); code != http.StatusServiceUnavailable {
		t.Fatal("loadshed server answered", code)
	}
}
