package client

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/dermesser/flowrpc"
	"github.com/dermesser/flowrpc/discovery"

	"go.uber.org/zap"
)

// Placeholder in an endpoint URI that is replaced by the routine signature.
const SignaturePlaceholder = "{signature}"

// One dispatch as it travels through the filter chain.
type call struct {
	master  *HTTPMaster
	routine flowrpc.Routine
	body    []byte

	// caller context; bounds only the endpoint lookup
	ctx context.Context
	// set by timeoutFilter; bounds the network call
	callCtx context.Context

	endpoint discovery.Info
	started  time.Time
	logger   *zap.Logger
}

func (c *call) callNextFilter(index int) callOutcome {
	if len(c.master.filters) < index+1 {
		panic("Bad filter setup: Not enough filters.")
	}
	return c.master.filters[index](c, index+1)
}

// target returns the endpoint URI with the signature placeholder filled in.
func (c *call) target() string {
	return strings.ReplaceAll(c.endpoint.URI, SignaturePlaceholder, url.PathEscape(c.routine.Signature()))
}
