package server

/*
* This file implements the built-in routines every server answers: a health check, which
* fails in lameduck or loadshed mode, and a ping.
 */

const (
	HealthRoutine = "__flowrpc.health"
	PingRoutine   = "__flowrpc.ping"
)

// Returns OK and an empty body iff the server is not in lameduck/loadshed mode.
func (srv *Server) healthHandler(cx *Context) {
	if srv.lameduck.Load() || srv.loadshed.Load() {
		cx.Fail("Lameduck mode")
		return
	}
	cx.Success([]byte{})
}

func pingHandler(cx *Context) {
	cx.Success([]byte{})
}
