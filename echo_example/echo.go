/*
Use either as

	$ echo -srv

or

	$ echo -cl

or, to run worker and caller over an in-process broker,

	$ echo -local

All modes read flowrpc.yaml (or -config) and FLOWRPC_* environment variables.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/dermesser/flowrpc"
	"github.com/dermesser/flowrpc/broker"
	"github.com/dermesser/flowrpc/broker/zmq"
	"github.com/dermesser/flowrpc/client"
	"github.com/dermesser/flowrpc/config"
	"github.com/dermesser/flowrpc/discovery"
	"github.com/dermesser/flowrpc/log"
	"github.com/dermesser/flowrpc/metrics"
	smgr "github.com/dermesser/flowrpc/securitymanager"
	"github.com/dermesser/flowrpc/server"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultListen = "localhost:9000"

func echoHandler(cx *server.Context) {
	fmt.Println("Called echoHandler:", string(cx.Input()), len(cx.Input()))
	cx.Started(nil)
	cx.Success(cx.Input())
}

func errorReturningHandler(cx *server.Context) {
	cx.Fail("Some error occurred in handler, abort")
}

func newServer(cfg *config.Config, channel broker.Channel, m metrics.Measurer) *server.Server {
	srv, err := server.NewServer(channel, server.ServerConfig{
		ComponentID: cfg.Server.ComponentID,
		Protocol:    cfg.Protocol(),
		Workers:     cfg.Server.Workers,
		ReplyTo:     cfg.Server.ReplyTo,
		HTTPAddress: cfg.Server.HTTPAddress,
		Measurer:    m,
		RPCLogger:   log.Named("rpc"),
	})
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	srv.RegisterHandler("Echo", echoHandler)
	srv.RegisterHandler("Error", errorReturningHandler)
	return srv
}

func securityManagers(cfg *config.Config) (*smgr.ServerSecurityManager, *smgr.ClientSecurityManager, error) {
	if cfg.ZMQ.KeyDir == "" {
		return nil, nil, nil
	}
	dir := cfg.ZMQ.KeyDir + string(os.PathSeparator)

	srvmgr, err := smgr.NewServerSecurityManager()
	if err != nil {
		return nil, nil, err
	}
	if err := srvmgr.LoadKeys(dir+"server_public.txt", dir+"server_private.txt"); err != nil {
		return nil, nil, err
	}
	clmgr, err := smgr.NewClientSecurityManager()
	if err != nil {
		return nil, nil, err
	}
	if err := clmgr.LoadKeys(dir+"client_public.txt", dir+"client_private.txt"); err != nil {
		return nil, nil, err
	}
	if err := clmgr.LoadServerPubkey(dir + "upstream_public.txt"); err != nil {
		return nil, nil, err
	}
	return srvmgr, clmgr, nil
}

// Replies are published on the configured endpoint, requests are read from the upstream publisher.
// The HTTP endpoint serves routines and metrics.
func runServer(ctx context.Context, cfg *config.Config, m metrics.Measurer) {
	srvmgr, clmgr, err := securityManagers(cfg)
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	pub, err := zmq.NewPublisher(cfg.ZMQ.PublisherEndpoint, srvmgr)
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	defer pub.Close()
	sub, err := zmq.NewSubscriber(cfg.ZMQ.SubscriberEndpoint, clmgr, cfg.ZMQ.RequestDestination)
	if err != nil {
		fmt.Println(err.Error())
		return
	}

	srv := newServer(cfg, pub, m)

	listen := cfg.Server.Listen
	if listen == "" {
		listen = defaultListen
	}
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.PathPrefix("/routines/").Handler(srv.HTTPHandler())
	hs := &http.Server{Addr: listen, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		hs.Close()
	}()
	go func() {
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Println(err.Error())
		}
	}()

	e := srv.Serve(ctx, sub.Deliveries(ctx, cfg.Server.ComponentID))
	if e != nil && e != context.Canceled {
		fmt.Println(e.Error())
	}
}

func runClient(ctx context.Context, cfg *config.Config, m metrics.Measurer) {
	endpoints := cfg.HTTPMaster.Endpoints
	if len(endpoints) == 0 {
		endpoints = []string{"http://" + defaultListen + "/routines/" + client.SignaturePlaceholder}
	}
	v, err := cfg.NewValve(nil, m)
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	read, write, call := cfg.HTTPMasterTimeouts()
	cl, err := client.NewHTTPMaster(client.HTTPMasterConfig{
		ComponentID:  "echo1_cl",
		Locator:      discovery.NewRoundRobin(endpoints...),
		Valve:        v,
		ReadTimeout:  read,
		WriteTimeout: write,
		CallTimeout:  call,
		Measurer:     m,
		Autorun:      true,
	})
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	defer cl.Close()

	for _, routine := range []string{"Echo", "Error"} {
		s, err := cl.Request(ctx, routine, []byte(`"helloworld"`), nil)
		if err != nil {
			fmt.Println(err.Error())
			return
		}
		switch {
		case s.IsOK():
			fmt.Println("Received response:", string(s.Value()), len(s.Value()))
		case s.IsFailed():
			fmt.Println("Routine failed:", string(s.ErrorBody()))
		default:
			fmt.Println("Call did not complete:", s)
		}
	}
}

// Both sides share one in-memory broker: the worker consumes "requests", the caller reads its
// signals from "replies".
func runLocal(ctx context.Context, cfg *config.Config, m metrics.Measurer) {
	ch := broker.NewMemoryChannel(0)
	srv := newServer(cfg, ch, m)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ch.Consume(ctx, "requests", "echo-local")) }()
	defer func() {
		cancel()
		<-done
	}()

	proto := cfg.Protocol()
	routine := flowrpc.NewRoutine(flowrpc.WithRoutineSignature("Echo"))
	err := ch.Publish(ctx, "requests", broker.Publishing{
		Properties: broker.Properties{
			Headers: broker.Headers{
				proto.HeaderRoutineID:         routine.ID(),
				proto.HeaderRoutineTimestamp:  routine.Timestamp(),
				proto.HeaderRoutineSignature:  routine.Signature(),
				flowrpc.HeaderProgressEnabled: "true",
			},
			ReplyTo: "replies",
		},
		Body: []byte(`"helloworld"`),
	})
	if err != nil {
		fmt.Println(err.Error())
		return
	}

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	for {
		msg, err := ch.Wait(wctx, "replies")
		if err != nil {
			fmt.Println(err.Error())
			return
		}
		status, _ := msg.Headers[flowrpc.HeaderStatus].(string)
		fmt.Println("Received signal:", status, string(msg.Body))
		if flowrpc.SignalKind(status).Terminal() {
			return
		}
	}
}

func main() {
	var srv, cl, local bool
	var configPath string
	flag.BoolVar(&srv, "srv", false, "Specify if you want us to run as server")
	flag.BoolVar(&cl, "cl", false, "Specify if you want us to run as client")
	flag.BoolVar(&local, "local", false, "Run server and client in one process")
	flag.StringVar(&configPath, "config", "", "Configuration file")

	flag.Parse()

	n := 0
	for _, b := range []bool{srv, cl, local} {
		if b {
			n++
		}
	}
	if n != 1 {
		fmt.Println("Wrong combination: Use either -srv, -cl or -local")
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	logger, err := log.Setup(cfg.Log)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	defer logger.Sync()

	m, err := metrics.NewPrometheus(prometheus.DefaultRegisterer, "flowrpc")
	if err != nil {
		logger.Error("registering metrics failed", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case srv:
		runServer(ctx, cfg, m)
	case cl:
		runClient(ctx, cfg, m)
	case local:
		runLocal(ctx, cfg, m)
	}
}
