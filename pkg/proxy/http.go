package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/xrun/pkg/callbuffer"
	"github.com/ethpandaops/xrun/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// ErrBodyUnavailable is returned when a request body is read after the
// http-request listeners have returned.
var ErrBodyUnavailable = errors.New("request body can only be read while the request event is being handled")

// Hop-by-hop headers, removed when forwarding.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPRequest is the payload of OnHTTPRequest.
type HTTPRequest struct {
	RequestInfo

	body *callbuffer.Buffer[[]byte]
	open atomic.Bool
}

// Body reads the full request body. The stream is consumed at most once and
// the forwarded request reuses the buffered copy. Only valid while the
// OnHTTPRequest listeners run.
func (r *HTTPRequest) Body(ctx context.Context) ([]byte, error) {
	if !r.open.Load() {
		return nil, ErrBodyUnavailable
	}

	return r.body.Get(ctx)
}

func newUpstreamClient(connectTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: nil,
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			DisableCompression:  true,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (p *Proxy) serveHTTP(w http.ResponseWriter, r *http.Request) {
	log := p.log.WithFields(logrus.Fields{
		"method": r.Method,
		"url":    r.URL.RequestURI(),
	})

	info := requestInfo(r)

	if err := p.OnBeforeHTTPRequest.Fire(r.Context(), info); err != nil {
		log.WithError(err).Warn("request dropped, before request handler failed")
		metrics.ProxyError(p.opts.Name, "before_request")

		panic(http.ErrAbortHandler)
	}

	req := &HTTPRequest{
		RequestInfo: info,
		body: callbuffer.New(func(context.Context) ([]byte, error) {
			return io.ReadAll(r.Body)
		}),
	}

	req.open.Store(true)

	if err := p.OnHTTPRequest.Fire(r.Context(), req); err != nil {
		log.WithError(err).Warn("request listener failed")
	}

	req.open.Store(false)

	var (
		body          io.Reader = r.Body
		contentLength           = r.ContentLength
	)

	if buffered, ok := req.body.Value(); ok {
		body = bytes.NewReader(buffered)
		contentLength = int64(len(buffered))
	}

	p.forward(w, r, body, contentLength, log)
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, body io.Reader, contentLength int64, log logrus.FieldLogger) {
	addr, err := p.targetAddr()
	if err != nil {
		log.WithError(err).Error("cannot forward request")
		metrics.ProxyError(p.opts.Name, "port_unassigned")
		http.Error(w, err.Error(), http.StatusBadGateway)

		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Inactivity timer, covers waiting for headers and every body chunk.
	var timedOut atomic.Bool

	timer := time.AfterFunc(p.opts.Timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	target := url.URL{
		Scheme:   "http",
		Host:     addr,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}

	if r.ContentLength == 0 && contentLength == 0 {
		body = http.NoBody
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		log.WithError(err).Error("failed to build upstream request")
		http.Error(w, err.Error(), http.StatusBadGateway)

		return
	}

	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)
	out.Host = r.Host
	out.ContentLength = contentLength

	resp, err := p.client.Do(out)
	if err != nil {
		kind := "upstream"
		if timedOut.Load() {
			kind = "read_timeout"
		}

		log.WithError(err).Warn("upstream request failed")
		metrics.ProxyError(p.opts.Name, kind)
		http.Error(w, "failed to reach project: "+err.Error(), http.StatusBadGateway)

		return
	}
	defer resp.Body.Close()

	header := w.Header()

	for k, vv := range resp.Header {
		header[k] = append([]string(nil), vv...)
	}

	removeHopHeaders(header)
	w.WriteHeader(resp.StatusCode)
	metrics.HTTPRequest(p.opts.Name, resp.StatusCode)

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)

	for {
		timer.Reset(p.opts.Timeout)

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.WithError(werr).Debug("client went away")
				metrics.ProxyError(p.opts.Name, "client_write")

				panic(http.ErrAbortHandler)
			}

			_ = rc.Flush()
		}

		if rerr == io.EOF {
			return
		}

		if rerr != nil {
			if timedOut.Load() {
				log.WithField("timeout", p.opts.Timeout).Warn("response read timed out")
				metrics.ProxyError(p.opts.Name, "read_timeout")
			} else {
				log.WithError(rerr).Warn("upstream response failed")
				metrics.ProxyError(p.opts.Name, "upstream")
			}

			panic(http.ErrAbortHandler)
		}
	}
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
