package core

import (
	"bytes"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	serializer "github.com/offline-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultFetchTimeout bounds the live fetch attempt before falling
// back to the cache. An unbounded hang would defeat the fallback.
const DefaultFetchTimeout = 10 * time.Second

// DefaultGeneration is the active cache generation tag.
const DefaultGeneration = "v1"

// ServedFromCacheHeader carries the snapshot time of a response served
// from the cache instead of the network.
const ServedFromCacheHeader = "X-Served-From-Cache-At"

// Interceptor captures state-changing submissions made while the
// network is unavailable, instead of letting them fail.
type Interceptor interface {
	// Capturable reports whether the request is a form submission
	// that can be deferred.
	Capturable(r *http.Request) bool
	// Capture records the submission and writes the user-facing
	// response (redirect to the pending view, or an error).
	Capture(w http.ResponseWriter, r *http.Request)
}

type Config struct {
	// Storage for cache entries.
	Cache CacheProvider
	// URL of the origin server.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Active cache generation tag. Defaults to DefaultGeneration.
	Generation string
	// Timeout for the live fetch attempt. Defaults to DefaultFetchTimeout.
	FetchTimeout time.Duration
	// Path of the designated fallback entry, seeded with SeedFallback.
	FallbackPath string
	// Drop the query string from cache keys.
	IgnoreQuery bool
	// Request classifier. The zero value uses the default exclusions.
	Classifier Classifier
	// Optional interceptor for offline form submissions.
	Interceptor Interceptor
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Proxy is the request dispatcher: it intercepts every request,
// serves cache-eligible GETs network-first with offline fallback, and
// hands offline form submissions to the interceptor.
type Proxy struct {
	cache        CacheProvider
	keyer        Keyer
	classifier   Classifier
	originURL    url.URL
	originHost   string
	generation   string
	fallbackPath string
	interceptor  Interceptor
	httpClient   http.Client
	log          zerolog.Logger
	offline      atomic.Bool
}

// NewProxy initializes the proxy instance.
func NewProxy(config Config) *Proxy {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("origin", config.OriginURL.String()).Logger()

	classifier := config.Classifier
	if classifier.tilePattern == nil {
		classifier, _ = NewClassifier(ClassifierConfig{})
	}

	generation := config.Generation
	if generation == "" {
		generation = DefaultGeneration
	}
	timeout := config.FetchTimeout
	if timeout == 0 {
		timeout = DefaultFetchTimeout
	}

	p := &Proxy{
		cache:        config.Cache,
		keyer:        Keyer{IgnoreQuery: config.IgnoreQuery},
		classifier:   classifier,
		originURL:    config.OriginURL,
		originHost:   config.OriginHost,
		generation:   generation,
		fallbackPath: config.FallbackPath,
		interceptor:  config.Interceptor,
		log:          logger,
		httpClient: http.Client{
			Timeout: timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	if p.originHost != "" {
		p.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: p.originHost,
			},
		}
	}

	return p
}

// Generation returns the active cache generation tag.
func (p *Proxy) Generation() string {
	return p.generation
}

// Keyer returns the key derivation used by the proxy.
func (p *Proxy) Keyer() Keyer {
	return p.keyer
}

// EmulateOffline forces the offline branch for every subsequent
// dispatch decision even though the real network is reachable.
// Requests already past their classification check are unaffected.
func (p *Proxy) EmulateOffline(offline bool) {
	p.offline.Store(offline)
}

// Offline reports whether offline emulation is active.
func (p *Proxy) Offline() bool {
	return p.offline.Load()
}

// ServeHTTP implements the http.Handler interface.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer p.recover(w)
	p.handle(w, r)
}

// recover converts panics into the synthetic unavailable response.
// The caller must always receive a well-formed response at this
// boundary, never a dropped connection.
func (p *Proxy) recover(w http.ResponseWriter) {
	if err := recover(); err != nil {
		p.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in proxy handler")
		var status CacheStatus
		status.Forward(FwdReasonMiss)
		status.Detail("panic")
		p.serveUnavailable(w, status)
	}
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	p.log.Trace().Msgf("Incoming request: %s %s", r.Method, r.URL.Path)

	cacheable, fwdReason := p.classifier.Classify(r)
	if !cacheable {
		p.forward(w, r, fwdReason)
		return
	}

	key := p.keyer.Key(r)
	log := p.log.With().Str("key", key).Logger()

	if !p.Offline() {
		res, err := p.fetch(r)
		if err == nil {
			var status CacheStatus
			status.Forward(FwdReasonMiss)
			p.store(key, res, &status)
			send(w, res, status)
			return
		}
		log.Debug().Err(err).Msg("Origin unreachable, falling back to cache")
	}

	if p.serveStored(w, key, "offline") {
		return
	}
	if p.serveStored(w, FallbackKey, "fallback") {
		return
	}

	log.Debug().Msg("No cached response and no fallback")
	var status CacheStatus
	status.Forward(FwdReasonMiss)
	status.Detail("offline")
	p.serveUnavailable(w, status)
}

// forward passes a cache-ineligible request to the network unmodified,
// with no storage side effect. Offline form submissions are handed to
// the interceptor instead of the network.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, reason CacheStatusFwdReason) {
	var status CacheStatus
	status.Forward(reason)

	capturable := p.interceptor != nil && p.interceptor.Capturable(r)
	var body []byte
	if capturable && r.Body != nil {
		// buffer the form body so it survives a failed network attempt
		var err error
		if body, err = io.ReadAll(r.Body); err != nil {
			p.log.Warn().Err(err).Msg("Could not read submission body")
			capturable = false
		} else {
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
		}
	}

	if capturable && p.Offline() {
		p.interceptor.Capture(w, r)
		return
	}

	res, err := p.fetch(r)
	if err != nil {
		if capturable {
			r.Body = io.NopCloser(bytes.NewReader(body))
			p.interceptor.Capture(w, r)
			return
		}
		p.log.Debug().Err(err).Msgf("Origin unreachable for %s %s", r.Method, r.URL.Path)
		status.Detail("unreachable")
		p.serveUnavailable(w, status)
		return
	}
	send(w, res, status)
}

// store saves a snapshot of the response under the given key.
// The response body is still readable by the caller afterwards.
func (p *Proxy) store(key string, res *http.Response, status *CacheStatus) {
	if res.StatusCode >= http.StatusInternalServerError {
		return
	}
	responseBytes, err := serializer.ResponseToBytes(res)
	if err != nil {
		p.log.Error().Err(err).Str("key", key).Msg("Could not serialize response")
		return
	}
	if err := p.cache.Put(p.generation, key, responseBytes); err != nil {
		p.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return
	}
	status.Stored = true
	p.log.Trace().Str("key", key).Msg("Cache write")
}

func (p *Proxy) serveStored(w http.ResponseWriter, key, detail string) bool {
	storedBytes, ok, err := p.cache.Get(p.generation, key)
	if err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("Error reading from cache")
		return false
	}
	if !ok {
		return false
	}
	res, storedAt, err := serializer.BytesToResponse(storedBytes)
	if err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("Could not deserialize stored response")
		return false
	}
	if !storedAt.IsZero() {
		res.Header.Set(ServedFromCacheHeader, storedAt.UTC().Format(time.RFC3339))
	}
	var status CacheStatus
	status.Hit()
	status.Detail(detail)
	send(w, res, status)
	return true
}

func (p *Proxy) serveUnavailable(w http.ResponseWriter, status CacheStatus) {
	w.Header().Set("Cache-Status", status.String())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(w, "offline: no cached copy of this resource is available\n")
}

// fetch the resource specified in the incoming request from the origin
func (p *Proxy) fetch(r *http.Request) (*http.Response, error) {
	uri := p.originURL.String() + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, body)
	if err != nil {
		p.log.Error().Err(err).Str("uri", uri).Msg("Could not create request for fetching")
		return nil, err
	}
	if p.originHost != "" {
		req.Host = p.originHost
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")

	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	res.Request = req
	return res, nil
}

// SeedFallback fetches the configured fallback path and stores it
// under the well-known fallback key. Meant to run at startup; a
// failure is not fatal since the proxy may itself start offline.
func (p *Proxy) SeedFallback() error {
	if p.fallbackPath == "" {
		return nil
	}
	req, err := http.NewRequest(http.MethodGet, p.fallbackPath, nil)
	if err != nil {
		return err
	}
	res, err := p.fetch(req)
	if err != nil {
		return err
	}
	var status CacheStatus
	p.store(FallbackKey, res, &status)
	res.Body.Close()
	p.log.Debug().Str("path", p.fallbackPath).Msg("Seeded fallback entry")
	return nil
}

// Warm fetches the given path from the origin and stores the response,
// subject to classification.
func (p *Proxy) Warm(path string) error {
	req, err := http.NewRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if !p.classifier.Cacheable(req) {
		return nil
	}
	res, err := p.fetch(req)
	if err != nil {
		return err
	}
	var status CacheStatus
	p.store(p.keyer.Key(req), res, &status)
	res.Body.Close()
	return nil
}

func send(w http.ResponseWriter, r *http.Response, status CacheStatus) error {
	log.Debug().
		Str("status", string(status.Status)).
		Str("fwd", string(status.FwdReason)).
		Bool("stored", status.Stored).
		Msg("Sending response to client")

	if r.Body != nil {
		defer r.Body.Close()
	}
	copyHeader(w.Header(), r.Header)
	w.Header().Set("Cache-Status", status.String())
	w.WriteHeader(r.StatusCode)
	_, err := io.Copy(w, r.Body)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// some servers do not like forwarded proxy headers in the request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
