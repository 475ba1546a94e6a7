package client

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/juju/errors"
)

// Doer executes HTTP requests. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClientFactory creates the network client shared by all calls of an HTTPMaster. It is called
// at most once per HTTPMaster.
type HTTPClientFactory func(readTimeout, writeTimeout time.Duration) Doer

/*
NewHTTPClient is the default HTTPClientFactory. Every read and write on a connection must
complete within readTimeout and writeTimeout respectively; connections are pooled by the
transport. The overall call deadline is not part of the client but of each request's context.
*/
func NewHTTPClient(readTimeout, writeTimeout time.Duration) Doer {
	dialer := &net.Dialer{Timeout: writeTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn, read: readTimeout, write: writeTimeout}, nil
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   writeTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: transport}
}

// deadlineConn sets a fresh deadline before every read and write.
type deadlineConn struct {
	net.Conn
	read, write time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.read > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.write > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// isIOTimeout reports whether err was caused by an expired read or write deadline.
func isIOTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type idleCloser interface {
	CloseIdleConnections()
}
