package client

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dermesser/flowrpc"
	"github.com/dermesser/flowrpc/discovery"
	"github.com/dermesser/flowrpc/log"
	"github.com/dermesser/flowrpc/valve"

	"github.com/juju/errors"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	log.SetLoglevel(log.LOGLEVEL_DEBUG)
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// fakeDoer answers every request with a fixed response or error and records the requests.
type fakeDoer struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte

	status int
	body   string
	err    error
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	d.bodies = append(d.bodies, body)

	if d.err != nil {
		return nil, d.err
	}
	return &http.Response{
		StatusCode: d.status,
		Body:       io.NopCloser(bytes.NewBufferString(d.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func (d *fakeDoer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

type countingLocator struct {
	uri   string
	calls atomic.Int32
}

func (l *countingLocator) Locate(context.Context) (discovery.Info, bool) {
	l.calls.Add(1)
	return discovery.Info{URI: l.uri}, l.uri != ""
}

type fixture struct {
	master    *HTTPMaster
	doer      *fakeDoer
	locator   *countingLocator
	factories atomic.Int32
	logs      *observer.ObservedLogs
}

func newFixture(t *testing.T, uri string, doer *fakeDoer, v *valve.Valve) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{doer: doer, locator: &countingLocator{uri: uri}, logs: logs}

	m, err := NewHTTPMaster(HTTPMasterConfig{
		ComponentID: "master-1",
		Locator:     f.locator,
		Valve:       v,
		Logger:      zap.New(core),
		HTTPClientFactory: func(time.Duration, time.Duration) Doer {
			f.factories.Add(1)
			return doer
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.master = m
	return f
}

func (f *fixture) tags() []string {
	var tags []string
	for _, e := range f.logs.All() {
		if tag, ok := e.ContextMap()["tag"].(string); ok {
			tags = append(tags, tag)
		}
	}
	return tags
}

func TestNilLocatorRejected(t *testing.T) {
	if _, err := NewHTTPMaster(HTTPMasterConfig{}); !errors.Is(err, errors.NotValid) {
		t.Fatal("expected NotValid, got", err)
	}
}

func TestBrokenWithoutNetworkAttempt(t *testing.T) {
	doer := &fakeDoer{status: 200}
	f := newFixture(t, "", doer, nil)
	defer f.master.Close()

	s, err := f.master.Request(context.Background(), "sum", []byte(`{}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsBroken() || s.Value() != nil || s.Err() != nil {
		t.Fatal("expected broken session, got", s)
	}
	if f.locator.calls.Load() != 1 {
		t.Fatal("locator calls:", f.locator.calls.Load())
	}
	if doer.calls() != 0 || f.factories.Load() != 0 {
		t.Fatal("network layer was touched")
	}
	if tags := f.tags(); len(tags) != 1 || tags[0] != TagBroken {
		t.Fatal("unexpected tags:", tags)
	}
}

func TestOKPreservesBody(t *testing.T) {
	doer := &fakeDoer{status: 200, body: "  {\"sum\": 3}\n"}
	f := newFixture(t, "http://worker/routines/{signature}", doer, nil)

	routine := flowrpc.NewRoutine(flowrpc.WithRoutineID("rid-1"), flowrpc.WithRoutineScope("internal"),
		flowrpc.WithRoutineSignature("old"))
	s, err := f.master.Request(context.Background(), "sum", []byte(`{"a":1}`), &routine)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsOK() || string(s.Value()) != "  {\"sum\": 3}\n" {
		t.Fatal("unexpected session:", s, string(s.Value()))
	}
	if s.Routine().Signature() != "sum" || routine.Signature() != "old" {
		t.Fatal("signature override wrong or caller's routine modified")
	}

	req := doer.requests[0]
	if req.Method != http.MethodPost || req.URL.String() != "http://worker/routines/sum" {
		t.Fatal("unexpected request:", req.Method, req.URL)
	}
	if req.Header.Get("Content-Type") != "application/json; charset=utf-8" || string(doer.bodies[0]) != `{"a":1}` {
		t.Fatal("unexpected body or content type")
	}
	h := req.Header
	if h.Get(flowrpc.HTTPHeaderRoutineID) != "rid-1" || h.Get(flowrpc.HTTPHeaderRoutineSignature) != "sum" ||
		h.Get(flowrpc.HTTPHeaderRoutineScope) != "internal" || h.Get(flowrpc.HTTPHeaderRoutineTimestamp) != routine.Timestamp() {
		t.Fatal("unexpected headers:", h)
	}
}

func TestGetWithoutBody(t *testing.T) {
	doer := &fakeDoer{status: 204}
	f := newFixture(t, "http://worker/x", doer, nil)

	s, _ := f.master.Request(context.Background(), "ping", nil, nil)
	if !s.IsOK() {
		t.Fatal("unexpected session:", s)
	}
	req := doer.requests[0]
	if req.Method != http.MethodGet || req.Header.Get("Content-Type") != "" {
		t.Fatal("unexpected request:", req.Method, req.Header)
	}
	if _, ok := req.Header[flowrpc.HTTPHeaderRoutineScope]; ok {
		t.Fatal("empty scope sent")
	}
	if req.Header.Get(flowrpc.HTTPHeaderRoutineID) == "" {
		t.Fatal("no routine id generated")
	}
}

func TestFailedPreservesBody(t *testing.T) {
	doer := &fakeDoer{status: 503, body: `{"message":"overloaded"}`}
	f := newFixture(t, "http://worker/x", doer, nil)

	s, err := f.master.Request(context.Background(), "sum", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsFailed() || string(s.ErrorBody()) != `{"message":"overloaded"}` || s.Value() != nil {
		t.Fatal("unexpected session:", s)
	}
	if tags := f.tags(); len(tags) != 1 || tags[0] != TagFailed {
		t.Fatal("unexpected tags:", tags)
	}
}

func TestReadTimeoutClassifiedAsTimeout(t *testing.T) {
	timeout := &net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}
	f := newFixture(t, "http://worker/x", &fakeDoer{err: timeout}, nil)

	s, _ := f.master.Request(context.Background(), "sum", nil, nil)
	if !s.IsTimeout() || !errors.Is(s.Err(), os.ErrDeadlineExceeded) {
		t.Fatal("unexpected session:", s)
	}
	if tags := f.tags(); len(tags) != 1 || tags[0] != TagRWTimeout {
		t.Fatal("unexpected tags:", tags)
	}
}

func TestIOErrorClassifiedAsCracked(t *testing.T) {
	f := newFixture(t, "http://worker/x", &fakeDoer{err: io.ErrUnexpectedEOF}, nil)

	s, _ := f.master.Request(context.Background(), "sum", nil, nil)
	if !s.IsCracked() || s.Err() != io.ErrUnexpectedEOF {
		t.Fatal("unexpected session:", s)
	}
	if tags := f.tags(); len(tags) != 1 || tags[0] != TagCracked {
		t.Fatal("unexpected tags:", tags)
	}
}

func TestValveRejectionIsRestriction(t *testing.T) {
	v, err := valve.New(1, valve.WithPolicy(valve.Reject))
	if err != nil {
		t.Fatal(err)
	}
	doer := &fakeDoer{status: 200}
	f := newFixture(t, "http://worker/x", doer, v)

	hold, entered, done := make(chan struct{}), make(chan struct{}), make(chan struct{})
	go func() {
		defer close(done)
		v.Filter(context.Background(), func() error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered

	s, err := f.master.Request(context.Background(), "sum", nil, nil)
	if s != nil || !flowrpc.IsRestrictionError(err) || !errors.Is(err, valve.ErrRejected) {
		t.Fatal("expected restriction error, got", s, err)
	}
	if f.locator.calls.Load() != 0 || doer.calls() != 0 {
		t.Fatal("rejected call was dispatched")
	}

	close(hold)
	<-done

	if s, err := f.master.Request(context.Background(), "sum", nil, nil); err != nil || !s.IsOK() {
		t.Fatal("admitted call failed:", s, err)
	}
}

func TestSharedClientCreatedOnce(t *testing.T) {
	f := newFixture(t, "http://worker/x", &fakeDoer{status: 200}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.master.Request(context.Background(), "sum", nil, nil)
		}()
	}
	wg.Wait()
	f.master.Reset()

	if n := f.factories.Load(); n != 1 {
		t.Fatal("client created", n, "times")
	}
}

func slowServer(delay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
			w.Write([]byte("late"))
		case <-r.Context().Done():
		}
	}))
}

func realMaster(t *testing.T, uri string, cfg HTTPMasterConfig) (*HTTPMaster, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	cfg.Locator = discovery.Static(uri)
	cfg.Logger = zap.New(core)
	m, err := NewHTTPMaster(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return m, logs
}

func lastTag(logs *observer.ObservedLogs) string {
	entries := logs.All()
	if len(entries) == 0 {
		return ""
	}
	tag, _ := entries[len(entries)-1].ContextMap()["tag"].(string)
	return tag
}

func TestNetworkReadTimeout(t *testing.T) {
	ts := slowServer(2 * time.Second)
	defer ts.Close()
	m, logs := realMaster(t, ts.URL, HTTPMasterConfig{ReadTimeout: 50 * time.Millisecond, CallTimeout: 5 * time.Second})
	defer m.Close()

	s, err := m.Request(context.Background(), "sum", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsTimeout() {
		t.Fatal("expected timeout, got", s)
	}
	if tag := lastTag(logs); tag != TagRWTimeout {
		t.Fatal("unexpected tag:", tag)
	}
}

func TestNetworkCallTimeout(t *testing.T) {
	ts := slowServer(2 * time.Second)
	defer ts.Close()
	m, logs := realMaster(t, ts.URL, HTTPMasterConfig{CallTimeout: 50 * time.Millisecond})
	defer m.Close()

	s, _ := m.Request(context.Background(), "sum", nil, nil)
	if !s.IsTimeout() {
		t.Fatal("expected timeout, got", s)
	}
	if tag := lastTag(logs); tag != TagCallTimeout {
		t.Fatal("unexpected tag:", tag)
	}
}

func TestCallerCancellationDoesNotAbortDispatch(t *testing.T) {
	ts := slowServer(100 * time.Millisecond)
	defer ts.Close()
	m, _ := realMaster(t, ts.URL, HTTPMasterConfig{})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s, err := m.Request(ctx, "sum", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsOK() || string(s.Value()) != "late" {
		t.Fatal("dispatch was aborted:", s)
	}
}

func TestNetworkConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	uri := ts.URL
	ts.Close()

	m, logs := realMaster(t, uri, HTTPMasterConfig{})
	defer m.Close()

	s, _ := m.Request(context.Background(), "sum", nil, nil)
	if !s.IsCracked() || s.Err() == nil {
		t.Fatal("expected cracked session, got", s)
	}
	if tag := lastTag(logs); tag != TagCracked {
		t.Fatal("unexpected tag:", tag)
	}
}
