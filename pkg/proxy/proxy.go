// Package proxy implements a reverse proxy for HTTP and WebSocket traffic in
// front of a supervised process whose port is only known at runtime.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/xrun/pkg/constants"
	"github.com/ethpandaops/xrun/pkg/event"
	"github.com/sirupsen/logrus"
)

// ErrTargetPortUnassigned is returned when a request arrives before the
// backing process announced its port.
var ErrTargetPortUnassigned = errors.New("HTTP port of running project is not assigned")

const shutdownGracePeriod = 5 * time.Second

// Options configure a Proxy.
type Options struct {
	// Name labels logs and metrics, usually the project name.
	Name string
	// Port is the fixed listening port.
	Port int
	// Host is the listening interface. Defaults to all interfaces.
	Host string
	// TargetHost is where the backing process listens. Defaults to loopback.
	TargetHost string
	// Timeout is the inactivity timeout while piping a response.
	Timeout time.Duration
	// ConnectTimeout bounds dialing the backing process.
	ConnectTimeout time.Duration
}

type lifecycle int

const (
	stateStopped lifecycle = iota
	stateStarting
	stateRunning
	stateStopping
)

// Proxy forwards HTTP requests and WebSocket connections from a fixed port
// to the current port of a backing process.
type Proxy struct {
	log  logrus.FieldLogger
	opts Options

	targetPort atomic.Int64
	client     *http.Client

	OnBeforeHTTPRequest       *event.Bus[RequestInfo]
	OnHTTPRequest             *event.Bus[*HTTPRequest]
	OnWebsocketConnectStarted *event.Bus[RequestInfo]
	OnWebsocketConnected      *event.Bus[RequestInfo]
	OnWebsocketMessage        *event.Bus[WebsocketMessage]
	OnWebsocketDisconnected   *event.Bus[WebsocketDisconnect]

	// Resolve or reject the callers that joined a start or stop.
	started *event.Bus[struct{}]
	stopped *event.Bus[struct{}]

	mu       sync.Mutex
	state    lifecycle
	server   *http.Server
	listener net.Listener
	pairs    map[*wsPair]struct{}
}

// RequestInfo describes an inbound request.
type RequestInfo struct {
	Method string
	URL    string
	Header http.Header
}

// New creates a stopped proxy.
func New(log logrus.FieldLogger, opts Options) *Proxy {
	if opts.Host == "" {
		opts.Host = constants.DefaultProxyHost
	}

	if opts.TargetHost == "" {
		opts.TargetHost = constants.DefaultTargetHost
	}

	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultProxyReadTimeout
	}

	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = constants.DefaultProxyConnectDelay
	}

	p := &Proxy{
		log: log.WithFields(logrus.Fields{
			"component": "proxy",
			"project":   opts.Name,
		}),
		opts:                      opts,
		OnBeforeHTTPRequest:       event.NewBus[RequestInfo](),
		OnHTTPRequest:             event.NewBus[*HTTPRequest](),
		OnWebsocketConnectStarted: event.NewBus[RequestInfo](),
		OnWebsocketConnected:      event.NewBus[RequestInfo](),
		OnWebsocketMessage:        event.NewBus[WebsocketMessage](),
		OnWebsocketDisconnected:   event.NewBus[WebsocketDisconnect](),
		started:                   event.NewBus[struct{}](),
		stopped:                   event.NewBus[struct{}](),
		pairs:                     make(map[*wsPair]struct{}),
	}

	p.targetPort.Store(-1)
	p.client = newUpstreamClient(opts.ConnectTimeout)

	return p
}

// Port returns the listening port.
func (p *Proxy) Port() int {
	return p.opts.Port
}

// SetTargetPort sets the port of the backing process. -1 means unknown.
func (p *Proxy) SetTargetPort(port int) {
	if old := p.targetPort.Swap(int64(port)); old != int64(port) {
		p.log.WithField("port", port).Debug("target port changed")
	}
}

// TargetPort returns the port of the backing process, or -1.
func (p *Proxy) TargetPort() int {
	return int(p.targetPort.Load())
}

// Running reports whether the listener is bound.
func (p *Proxy) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state == stateRunning
}

// Start binds the listener. Concurrent calls share one attempt and a start
// issued while stopping waits for the stop to complete first.
func (p *Proxy) Start(ctx context.Context) error {
	for {
		p.mu.Lock()

		switch p.state {
		case stateRunning:
			p.mu.Unlock()

			return nil
		case stateStarting:
			w := p.started.NewWaiter()
			p.mu.Unlock()

			_, err := w.Wait(ctx)

			return err
		case stateStopping:
			w := p.stopped.NewWaiter()
			p.mu.Unlock()

			if _, err := w.Wait(ctx); err != nil {
				return err
			}

			continue
		}

		p.state = stateStarting
		p.mu.Unlock()

		addr, err := p.listen()

		p.mu.Lock()

		if err != nil {
			p.state = stateStopped
			p.started.Fail(err)
			p.mu.Unlock()

			return err
		}

		p.state = stateRunning
		_ = p.started.Fire(ctx, struct{}{})
		p.mu.Unlock()

		p.log.WithField("addr", addr.String()).Info("proxy listening")

		return nil
	}
}

// Stop closes the listener and every live WebSocket pair, then shuts the
// HTTP server down with a bounded grace period.
func (p *Proxy) Stop(ctx context.Context) error {
	for {
		p.mu.Lock()

		switch p.state {
		case stateStopped:
			p.mu.Unlock()

			return nil
		case stateStopping:
			w := p.stopped.NewWaiter()
			p.mu.Unlock()

			_, err := w.Wait(ctx)

			return err
		case stateStarting:
			w := p.started.NewWaiter()
			p.mu.Unlock()

			if _, err := w.Wait(ctx); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}

			continue
		}

		p.state = stateStopping
		srv := p.server

		pairs := make([]*wsPair, 0, len(p.pairs))
		for pair := range p.pairs {
			pairs = append(pairs, pair)
		}
		p.mu.Unlock()

		for _, pair := range pairs {
			pair.closeBoth(closeGoingAway, "proxy stopping")
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGracePeriod)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.log.WithError(err).Debug("graceful proxy shutdown failed, closing connections")
			srv.Close()
		}
		cancel()

		p.mu.Lock()
		p.state = stateStopped
		p.server = nil
		p.listener = nil
		_ = p.stopped.Fire(ctx, struct{}{})
		p.mu.Unlock()

		p.log.Info("proxy stopped")

		return nil
	}
}

func (p *Proxy) listen() (net.Addr, error) {
	addr := net.JoinHostPort(p.opts.Host, strconv.Itoa(p.opts.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
	}

	p.mu.Lock()
	p.server = srv
	p.listener = ln
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.WithError(err).Error("proxy server failed")
		}
	}()

	return ln.Addr(), nil
}

// Addr returns the bound listener address, or nil when stopped.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener == nil {
		return nil
	}

	return p.listener.Addr()
}

// ServeHTTP dispatches between plain HTTP and WebSocket upgrades.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebsocketUpgrade(r) {
		p.serveWebsocket(w, r)

		return
	}

	p.serveHTTP(w, r)
}

func (p *Proxy) targetAddr() (string, error) {
	port := p.TargetPort()
	if port < 0 {
		return "", ErrTargetPortUnassigned
	}

	return net.JoinHostPort(p.opts.TargetHost, strconv.Itoa(port)), nil
}

func requestInfo(r *http.Request) RequestInfo {
	return RequestInfo{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: r.Header.Clone(),
	}
}
