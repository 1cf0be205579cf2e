package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/ethpandaops/xrun/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Origin tells which side of a proxied WebSocket produced something.
type Origin string

// Origins.
const (
	FromClient Origin = "client"
	FromServer Origin = "server"
)

const (
	closeNormal    = websocket.StatusNormalClosure
	closeGoingAway = websocket.StatusGoingAway

	wsReadLimit       = 64 << 20
	maxCloseReasonLen = 123
)

// WebsocketMessage is the payload of OnWebsocketMessage.
type WebsocketMessage struct {
	From   Origin
	Binary bool
	Data   []byte
}

// WebsocketDisconnect is the payload of OnWebsocketDisconnected.
type WebsocketDisconnect struct {
	From Origin
	// Err is set when the side went away without a close frame.
	Err    error
	Code   int
	Reason string
}

// Headers managed by the WebSocket handshake itself.
var handshakeHeaders = map[string]bool{
	"Connection":               true,
	"Upgrade":                  true,
	"Host":                     true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Protocol":   true,
	"Sec-Websocket-Accept":     true,
}

type wsPair struct {
	proxy    *Proxy
	client   *websocket.Conn
	upstream *websocket.Conn
	once     sync.Once
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContainsToken(r.Header, "Connection", "upgrade")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}

	return false
}

func (p *Proxy) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	log := p.log.WithField("url", r.URL.RequestURI())
	info := requestInfo(r)

	if err := p.OnWebsocketConnectStarted.Fire(r.Context(), info); err != nil {
		log.WithError(err).Warn("websocket rejected, connect handler failed")
		metrics.ProxyError(p.opts.Name, "before_request")
		http.Error(w, "project is not available: "+err.Error(), http.StatusServiceUnavailable)

		return
	}

	addr, err := p.targetAddr()
	if err != nil {
		log.WithError(err).Error("cannot forward websocket")
		metrics.ProxyError(p.opts.Name, "port_unassigned")
		http.Error(w, err.Error(), http.StatusBadGateway)

		return
	}

	target := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}

	dialCtx, cancel := context.WithTimeout(r.Context(), p.opts.ConnectTimeout)
	upstream, _, err := websocket.Dial(dialCtx, target.String(), &websocket.DialOptions{
		HTTPHeader:      forwardedHeaders(r.Header),
		Subprotocols:    requestedSubprotocols(r.Header),
		CompressionMode: websocket.CompressionDisabled,
	})
	cancel()

	if err != nil {
		log.WithError(err).Warn("failed to connect to project websocket server")
		metrics.ProxyError(p.opts.Name, "websocket_connect")
		http.Error(w, "websocket proxy failed to connect to project websocket server", http.StatusBadGateway)

		return
	}

	var subprotocols []string
	if sp := upstream.Subprotocol(); sp != "" {
		subprotocols = []string{sp}
	}

	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       subprotocols,
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		log.WithError(err).Warn("client websocket handshake failed")
		upstream.Close(websocket.StatusInternalError, "client handshake failed")

		return
	}

	client.SetReadLimit(wsReadLimit)
	upstream.SetReadLimit(wsReadLimit)

	pair := &wsPair{proxy: p, client: client, upstream: upstream}

	p.mu.Lock()
	p.pairs[pair] = struct{}{}
	p.mu.Unlock()

	metrics.WebsocketOpened(p.opts.Name)

	if err := p.OnWebsocketConnected.Fire(r.Context(), info); err != nil {
		log.WithError(err).Debug("websocket connected listener failed")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		pair.pump(ctx, client, upstream, FromClient)
	}()

	go func() {
		defer wg.Done()

		pair.pump(ctx, upstream, client, FromServer)
	}()

	wg.Wait()
}

// pump relays messages read from src to dst until either side fails.
func (pair *wsPair) pump(ctx context.Context, src, dst *websocket.Conn, from Origin) {
	p := pair.proxy

	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			pair.finish(from, err)

			return
		}

		msg := WebsocketMessage{
			From:   from,
			Binary: typ == websocket.MessageBinary,
			Data:   data,
		}

		if err := p.OnWebsocketMessage.Fire(ctx, msg); err != nil {
			p.log.WithError(err).Debug("websocket message listener failed")
		}

		metrics.WebsocketMessage(p.opts.Name, string(from))

		if err := dst.Write(ctx, typ, data); err != nil {
			pair.finish(opposite(from), err)

			return
		}
	}
}

// finish closes the side opposite to from, mirroring the close code where
// the wire allows it, and reports the disconnect once per pair.
func (pair *wsPair) finish(from Origin, cause error) {
	pair.once.Do(func() {
		p := pair.proxy

		code := websocket.StatusAbnormalClosure
		reason := ""

		var reportErr error

		var ce websocket.CloseError
		if errors.As(cause, &ce) {
			code = ce.Code
			reason = ce.Reason
		} else {
			reportErr = cause
		}

		src, dst := pair.client, pair.upstream
		if from == FromServer {
			src, dst = pair.upstream, pair.client
		}

		if err := dst.Close(normalizeCloseCode(code), truncateReason(reason)); err != nil {
			dst.CloseNow()
		}

		src.CloseNow()

		p.mu.Lock()
		delete(p.pairs, pair)
		p.mu.Unlock()

		metrics.WebsocketClosed(p.opts.Name)

		p.log.WithFields(logrus.Fields{
			"from":   from,
			"code":   int(code),
			"reason": reason,
		}).Debug("websocket disconnected")

		disconnect := WebsocketDisconnect{
			From:   from,
			Err:    reportErr,
			Code:   int(code),
			Reason: reason,
		}

		if err := p.OnWebsocketDisconnected.Fire(context.Background(), disconnect); err != nil {
			p.log.WithError(err).Debug("websocket disconnected listener failed")
		}
	})
}

// closeBoth closes both sides with the same code, used when the proxy stops.
func (pair *wsPair) closeBoth(code websocket.StatusCode, reason string) {
	var wg sync.WaitGroup

	for _, c := range []*websocket.Conn{pair.client, pair.upstream} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := c.Close(code, reason); err != nil {
				c.CloseNow()
			}
		}()
	}

	wg.Wait()
}

func opposite(o Origin) Origin {
	if o == FromClient {
		return FromServer
	}

	return FromClient
}

// normalizeCloseCode maps codes that must not be sent in a close frame to a
// normal closure.
func normalizeCloseCode(code websocket.StatusCode) websocket.StatusCode {
	switch {
	case code == 1004, code == 1005, code == 1006, code == 1015:
		return closeNormal
	case code >= 1000 && code <= 1014:
		return code
	case code >= 3000 && code <= 4999:
		return code
	default:
		return closeNormal
	}
}

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReasonLen {
		return reason
	}

	return strings.ToValidUTF8(reason[:maxCloseReasonLen], "")
}

func forwardedHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))

	for k, vv := range h {
		if handshakeHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}

		out[k] = append([]string(nil), vv...)
	}

	return out
}

func requestedSubprotocols(h http.Header) []string {
	var protocols []string

	for _, v := range h.Values("Sec-WebSocket-Protocol") {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				protocols = append(protocols, part)
			}
		}
	}

	return protocols
}
