package core

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/offline-cache/offline-cache/queue"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func startTestProxy(t *testing.T, handler http.Handler, config Config) (*Proxy, MemCache) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	originURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	cache := NewMemCache()
	config.Cache = cache
	config.OriginURL = *originURL
	return NewProxy(config), cache
}

func cacheSize(cache MemCache, generation string) int {
	count := 0
	cache.Keys(generation, func(string) { count++ })
	return count
}

func TestNetworkFirstStoresResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello world"))
	})
	p, cache := startTestProxy(t, handler, Config{})

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "/routes/1", nil))

	if rr.Code != http.StatusOK || rr.Body.String() != "Hello world" {
		t.Fatalf("status %d body %q", rr.Code, rr.Body.String())
	}
	if status := rr.Header().Get("Cache-Status"); !strings.Contains(status, "stored") {
		t.Fatalf("Cache-Status is %q", status)
	}
	if _, ok, _ := cache.Get("v1", "GET:/routes/1"); !ok {
		t.Fatal("response not discoverable in cache")
	}
}

func TestNonGetNeverStored(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fmt.Sprintf("So you wanted to %s?", r.Method)))
	})
	p, cache := startTestProxy(t, handler, Config{})

	for _, method := range []string{"POST", "PUT", "PATCH", "DELETE"} {
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, httptest.NewRequest(method, "/locations", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status %d", method, rr.Code)
		}
	}
	if n := cacheSize(cache, "v1"); n != 0 {
		t.Fatalf("cache has %d entries after non-GET requests", n)
	}
}

// Offline navigation to a previously visited page: the cached body is
// served unchanged, and the origin is not hit again.
func TestOfflineServesCachedPage(t *testing.T) {
	visits := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		visits++
		w.Write([]byte(fmt.Sprintf("visit %d", visits)))
	})
	p, _ := startTestProxy(t, handler, Config{})

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "/routes/1", nil))
	if rr.Body.String() != "visit 1" {
		t.Fatalf("body is %q", rr.Body.String())
	}

	if err := p.Control(MsgEmulateOffline); err != nil {
		t.Fatal(err)
	}

	rr = httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "/routes/1", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "visit 1" {
		t.Fatalf("offline status %d body %q", rr.Code, rr.Body.String())
	}
	if visits != 1 {
		t.Fatalf("origin visited %d times", visits)
	}
	if rr.Header().Get(ServedFromCacheHeader) == "" {
		t.Fatal("cached response missing snapshot time header")
	}
}

func TestFallbackServedBeforeUnavailable(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/offline" {
			w.Write([]byte("you are offline"))
			return
		}
		w.Write([]byte("regular page"))
	})
	p, _ := startTestProxy(t, handler, Config{FallbackPath: "/offline"})

	if err := p.SeedFallback(); err != nil {
		t.Fatal(err)
	}
	p.EmulateOffline(true)

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "/never-visited", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "you are offline" {
		t.Fatalf("status %d body %q", rr.Code, rr.Body.String())
	}
}

func TestTotalFailureIsServiceUnavailable(t *testing.T) {
	p, _ := startTestProxy(t, http.NotFoundHandler(), Config{})
	p.EmulateOffline(true)

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "/never-visited", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status is %d", rr.Code)
	}
}

// A dead origin (not just emulation) also reaches the fallback chain.
func TestUnreachableOriginFallsBackToCache(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("served online"))
	})
	server := httptest.NewServer(handler)
	originURL, _ := url.Parse(server.URL)
	cache := NewMemCache()
	p := NewProxy(Config{Cache: cache, OriginURL: *originURL})

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "/routes/1", nil))
	if rr.Body.String() != "served online" {
		t.Fatalf("body is %q", rr.Body.String())
	}

	server.Close()

	rr = httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "/routes/1", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "served online" {
		t.Fatalf("status %d body %q", rr.Code, rr.Body.String())
	}
}

func TestLivenessCheckNeverCached(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	p, cache := startTestProxy(t, handler, Config{})

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "/up", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status is %d", rr.Code)
	}

	// still forwarded while emulating offline, so detection stays truthful
	p.EmulateOffline(true)
	rr = httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "/up", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("offline status %d body %q", rr.Code, rr.Body.String())
	}

	if n := cacheSize(cache, "v1"); n != 0 {
		t.Fatalf("cache has %d entries", n)
	}
}

// An entry stored from a request with one header set is retrievable
// with divergent Vary-sensitive headers.
func TestVaryInsensitiveMatch(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Accept")
		w.Write([]byte("same content either way"))
	})
	p, _ := startTestProxy(t, handler, Config{})

	first := httptest.NewRequest("GET", "/routes/1", nil)
	first.Header.Set("Accept", "text/html")
	p.ServeHTTP(httptest.NewRecorder(), first)

	p.EmulateOffline(true)

	second := httptest.NewRequest("GET", "/routes/1", nil)
	second.Header.Set("Accept", "application/json")
	second.Header.Set("Accept-Language", "fi")
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, second)
	if rr.Code != http.StatusOK || rr.Body.String() != "same content either way" {
		t.Fatalf("status %d body %q", rr.Code, rr.Body.String())
	}
}

func TestControlMessages(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello world"))
	})
	p, cache := startTestProxy(t, handler, Config{})
	router := chi.NewRouter()
	router.Mount("/.offline-cache", p.ControlRoutes())

	p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/routes/1", nil))
	if n := cacheSize(cache, "v1"); n != 1 {
		t.Fatalf("cache has %d entries", n)
	}

	post := func(message string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/.offline-cache/control", strings.NewReader(message))
		router.ServeHTTP(rr, req)
		return rr
	}

	if rr := post("EMULATE_OFFLINE"); rr.Code != http.StatusNoContent {
		t.Fatalf("emulate: status %d", rr.Code)
	}
	if !p.Offline() {
		t.Fatal("offline emulation not active")
	}
	if rr := post("STOP_EMULATING_OFFLINE"); rr.Code != http.StatusNoContent {
		t.Fatalf("stop: status %d", rr.Code)
	}
	if p.Offline() {
		t.Fatal("offline emulation still active")
	}
	if rr := post("CLEAR_CACHE"); rr.Code != http.StatusNoContent {
		t.Fatalf("clear: status %d", rr.Code)
	}
	if n := cacheSize(cache, "v1"); n != 0 {
		t.Fatalf("cache has %d entries after clear", n)
	}
	if rr := post("SELF_DESTRUCT"); rr.Code != http.StatusBadRequest {
		t.Fatalf("unrecognized message: status %d", rr.Code)
	}
}

func TestIntrospectionEndpoints(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello world"))
	})
	p, _ := startTestProxy(t, handler, Config{})
	router := chi.NewRouter()
	router.Mount("/.offline-cache", p.ControlRoutes())

	p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/routes/1", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/.offline-cache/keys", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "GET:/routes/1") {
		t.Fatalf("keys: status %d body %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/.offline-cache/caches", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "v1") {
		t.Fatalf("caches: status %d body %q", rr.Code, rr.Body.String())
	}
}

func TestPreloadWarmsPathsOnce(t *testing.T) {
	visits := make(map[string]int)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		visits[r.URL.Path]++
		w.Write([]byte("page " + r.URL.Path))
	})
	p, _ := startTestProxy(t, handler, Config{})

	warmed, err := p.Preload("routes", "/routes/1, /routes/2")
	if err != nil {
		t.Fatal(err)
	}
	if warmed != 2 {
		t.Fatalf("warmed %d paths", warmed)
	}

	// second batch for the same resource is skipped via the marker
	warmed, err = p.Preload("routes", "/routes/1, /routes/2")
	if err != nil {
		t.Fatal(err)
	}
	if warmed != 0 {
		t.Fatalf("second batch warmed %d paths", warmed)
	}
	if visits["/routes/1"] != 1 || visits["/routes/2"] != 1 {
		t.Fatalf("visits: %v", visits)
	}

	p.EmulateOffline(true)
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "/routes/2", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "page /routes/2" {
		t.Fatalf("status %d body %q", rr.Code, rr.Body.String())
	}
}

// Offline form submission then sync: while offline the submission goes
// to the queue without touching the network; replay after connectivity
// returns reconstructs the original fields and empties the queue.
func TestOfflineSubmissionThenSync(t *testing.T) {
	posts := 0
	var seenName, seenToken string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			posts++
			r.ParseForm()
			seenName = r.PostForm.Get("name")
			seenToken = r.Header.Get("X-CSRF-Token")
			w.WriteHeader(http.StatusSeeOther)
			return
		}
		w.Write([]byte("locations"))
	})

	store := queue.NewMemStore()
	q := queue.New(queue.Config{Store: store})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	originURL, _ := url.Parse(server.URL)
	interceptor := queue.NewFormInterceptor(q, queue.InterceptorConfig{OriginURL: *originURL})
	p := NewProxy(Config{
		Cache:       NewMemCache(),
		OriginURL:   *originURL,
		Interceptor: interceptor,
	})

	p.EmulateOffline(true)

	form := strings.NewReader("name=Harbour+cafe&authenticity_token=tok123")
	req := httptest.NewRequest("POST", "/locations", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)

	if rr.Code != http.StatusSeeOther {
		t.Fatalf("capture status %d body %q", rr.Code, rr.Body.String())
	}
	if posts != 0 {
		t.Fatal("offline submission reached the network")
	}

	items, err := q.List(req.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("queue has %d items", len(items))
	}
	item := items[0]
	if item.Action != "created" || item.Method != "post" || item.Model != "location" {
		t.Fatalf("queued item: %+v", item)
	}
	if item.Name != "Harbour cafe" || item.Token != "tok123" {
		t.Fatalf("queued item: %+v", item)
	}

	p.EmulateOffline(false)

	if err := q.Replay(req.Context(), item.ID); err != nil {
		t.Fatal(err)
	}
	if posts != 1 || seenName != "Harbour cafe" || seenToken != "tok123" {
		t.Fatalf("replay: posts=%d name=%q token=%q", posts, seenName, seenToken)
	}
	items, _ = q.List(req.Context())
	if len(items) != 0 {
		t.Fatalf("queue has %d items after sync", len(items))
	}
}
