// Package executorctl implements the dispatcher-to-executor control
// channel used for forced cancellation (spec §5: "Forced cancel in running
// must signal the executor to stop and not wait forever for a response").
//
// Grounded on backend/runner.go's Runner RPC service (net/rpc over a raw
// TCP listener, HeartBeat method) and StartRunner's accept loop; this
// package adds a Stop method that signals in-flight work to abort and
// keeps HeartBeat for the liveness side-channel the RPC connection itself
// already provides.
package executorctl

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"strings"
	"sync"
	"time"
)

// controlPort is the control channel's port by convention: the same host
// as an executor's HTTP base URL (built by router.Discover's
// "{base}-{i}:8083" pattern), control port instead of the HTTP one -- the
// pairing cmd/executor's own -addr/-control-addr flag defaults encode.
const controlPort = "8084"

// StopRequest asks the executor to abort whatever evaluation it is running.
type StopRequest struct {
	EvalID string
}

// StopResponse reports whether a matching evaluation was found and signalled.
type StopResponse struct {
	Signalled bool
}

// HeartBeatRequest is an empty liveness probe, mirroring
// backend/runner.go's HeartBeatRequest.
type HeartBeatRequest struct{}

// HeartBeatResponse reports liveness.
type HeartBeatResponse struct {
	Alive bool
}

// Aborter is implemented by the running evaluation's own cancellation
// context holder (internal/executor.Service registers one per in-flight
// run).
type Aborter interface {
	Abort(evalID string) bool
}

// Control is the RPC-published object an executor process registers.
type Control struct {
	mu      sync.Mutex
	aborter Aborter
}

// SetAborter installs the current in-flight run's Aborter; called once per
// claim by the executor's HTTP handler before it starts the container.
func (c *Control) SetAborter(a Aborter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborter = a
}

// HeartBeat always reports alive -- reachability over the RPC connection
// itself is the signal; a hung process simply stops accepting connections.
func (c *Control) HeartBeat(req HeartBeatRequest, res *HeartBeatResponse) error {
	res.Alive = true
	return nil
}

// Stop signals the current in-flight evaluation (if any, and if it matches
// req.EvalID) to abort.
func (c *Control) Stop(req StopRequest, res *StopResponse) error {
	c.mu.Lock()
	a := c.aborter
	c.mu.Unlock()
	if a == nil {
		res.Signalled = false
		return nil
	}
	res.Signalled = a.Abort(req.EvalID)
	return nil
}

// Serve registers ctl under the "Control" name and accepts connections on
// addr until the listener is closed, the same accept-loop shape as
// backend/runner.go's StartRunner.
func Serve(addr string, ctl *Control, logger *log.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("executorctl: listen %s: %w", addr, err)
	}
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("Control", ctl); err != nil {
		return fmt.Errorf("executorctl: register: %w", err)
	}
	logger.Printf("executor control channel listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("executorctl: accept: %w", err)
		}
		go rpcServer.ServeConn(conn)
	}
}

// Client dials an executor's control channel for the dispatcher's forced-
// cancel watchdog.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to an executor control channel at addr.
func Dial(addr string) (*Client, error) {
	c, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("executorctl: dial %s: %w", addr, err)
	}
	return &Client{rpc: c}, nil
}

// Stop calls the remote Stop method, bounded by timeout so a forced cancel
// never blocks the caller waiting on an unresponsive executor (spec §5's
// "dispatcher releases the executor on a bounded watchdog even if the
// executor never acknowledges").
func (c *Client) Stop(evalID string, timeout time.Duration) (bool, error) {
	call := c.rpc.Go("Control.Stop", StopRequest{EvalID: evalID}, new(StopResponse), nil)
	select {
	case result := <-call.Done:
		if result.Error != nil {
			return false, result.Error
		}
		return result.Reply.(*StopResponse).Signalled, nil
	case <-time.After(timeout):
		return false, fmt.Errorf("executorctl: stop %s timed out after %s", evalID, timeout)
	}
}

// Close releases the underlying RPC connection.
func (c *Client) Close() error {
	return c.rpc.Close()
}

// controlAddr derives an executor's control-channel address from its HTTP
// base URL by replacing the host's port with controlPort.
func controlAddr(executorURL string) (string, error) {
	host := strings.TrimPrefix(strings.TrimPrefix(executorURL, "https://"), "http://")
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return "", fmt.Errorf("executorctl: parse executor url %q: %w", executorURL, err)
	}
	return net.JoinHostPort(h, controlPort), nil
}

// ForcedCanceller implements lifecycle.Canceller over the control channel:
// it dials fresh per call rather than keeping a pooled connection, since
// forced cancellation is rare and a long-lived idle RPC connection per
// executor would outlast the evaluation it was opened for.
type ForcedCanceller struct {
	// Timeout bounds the Stop RPC; defaults to 5s if zero.
	Timeout time.Duration
}

// Cancel dials executorURL's control channel and signals evalID to abort.
func (f ForcedCanceller) Cancel(ctx context.Context, executorURL, evalID string) error {
	addr, err := controlAddr(executorURL)
	if err != nil {
		return err
	}
	client, err := Dial(addr)
	if err != nil {
		return fmt.Errorf("executorctl: dial control channel for %s: %w", executorURL, err)
	}
	defer client.Close()

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_, err = client.Stop(evalID, timeout)
	return err
}
