/*
Flowrpc is a request/response messaging middleware. A caller invokes a remote routine either
over a message broker (asynchronous, reply-to based) or over a direct HTTP request, and a shared
admission valve bounds the number of concurrent outbound calls.

Every invocation is identified by a Routine: the routine id, its timestamp, an optional scope and
the signature of the remote routine. The same correlation values travel in broker headers and in
HTTP headers.

On the worker side, a server.Response publishes the lifecycle of one invocation back to the
caller's reply destination:

	started -> progress (0..n) -> completed | failed

On the caller side, client.HTTPMaster locates an endpoint, passes the admission valve and
classifies the outcome into a Session:

	OK | Failed | Cracked | Timeout | Broken

Packages:

	flowrpc          Routine, Protocol header schemes, operation/restriction errors
	valve            bounded-concurrency admission gate
	broker           channel abstraction and an in-memory channel
	broker/zmq       ZeroMQ PUB/SUB channel
	server           response emitter, worker dispatcher, HTTP worker endpoint
	client           HTTP master transport and its async wrapper
	discovery        endpoint locators
	metrics          measurer collaborator (no-op, Prometheus)
	config, log      process configuration and logging
*/
package flowrpc
