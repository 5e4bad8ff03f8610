package queue

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MethodOverrideField is the pseudo-field HTML forms use to simulate
// PUT/PATCH/DELETE over POST. It is excluded from the stored payload.
const MethodOverrideField = "_method"

// DefaultPendingPath is where the user is redirected after a
// submission is queued.
const DefaultPendingPath = "/.offline-cache/queue"

type InterceptorConfig struct {
	// URL of the origin server, used to build absolute replay URLs.
	OriginURL url.URL
	// Redirect target after a successful enqueue.
	// Defaults to DefaultPendingPath.
	PendingPath string
	// Form field holding the human-readable resource label.
	// Defaults to "name".
	NameField string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// FormInterceptor captures form submissions at the submission boundary
// while the network is unavailable. It satisfies the proxy's
// interceptor contract.
type FormInterceptor struct {
	queue       *Queue
	originURL   url.URL
	pendingPath string
	nameField   string
	log         zerolog.Logger
}

func NewFormInterceptor(q *Queue, config InterceptorConfig) *FormInterceptor {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	pendingPath := config.PendingPath
	if pendingPath == "" {
		pendingPath = DefaultPendingPath
	}
	nameField := config.NameField
	if nameField == "" {
		nameField = "name"
	}
	return &FormInterceptor{
		queue:       q,
		originURL:   config.OriginURL,
		pendingPath: pendingPath,
		nameField:   nameField,
		log:         logger,
	}
}

// Capturable reports whether the request is a deferrable form
// submission.
func (f *FormInterceptor) Capturable(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/x-www-form-urlencoded"
}

// Capture serializes the submission into the queue and responds with a
// redirect to the pending-items view. A storage failure is reported to
// the user explicitly: the submission was NOT saved.
func (f *FormInterceptor) Capture(w http.ResponseWriter, r *http.Request) {
	item, err := f.itemFromRequest(r)
	if err != nil {
		f.log.Warn().Err(err).Msg("Could not parse offline submission")
		http.Error(w, "could not read form submission", http.StatusBadRequest)
		return
	}

	queued, err := f.queue.Enqueue(r.Context(), item)
	if errors.Is(err, ErrStorageUnavailable) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "offline storage unavailable: your submission was NOT saved\n")
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	f.log.Debug().Int64("id", queued.ID).Str("name", queued.Name).Msg("Captured offline submission")
	http.Redirect(w, r, f.pendingPath, http.StatusSeeOther)
}

func (f *FormInterceptor) itemFromRequest(r *http.Request) (QueuedRequest, error) {
	var item QueuedRequest
	if err := r.ParseForm(); err != nil {
		return item, err
	}

	fields := make(map[string]string)
	for name := range r.PostForm {
		if name == MethodOverrideField {
			continue
		}
		fields[name] = r.PostForm.Get(name)
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return item, err
	}

	method := strings.ToLower(r.Method)
	if override := r.PostForm.Get(MethodOverrideField); override != "" {
		method = strings.ToLower(override)
	}
	action := "created"
	if method == "put" || method == "patch" {
		action = "updated"
	}

	token := r.PostForm.Get(TokenField)
	if token == "" {
		token = r.Header.Get(CSRFHeader)
	}

	name := r.PostForm.Get(f.nameField)
	if name == "" {
		name = lastPathSegment(r.URL.Path)
	}

	item = QueuedRequest{
		Model:  modelFromPath(r.URL.Path),
		Data:   string(data),
		URL:    f.originURL.String() + r.URL.RequestURI(),
		Action: action,
		Method: method,
		Token:  token,
		Name:   name,
	}
	return item, nil
}

// modelFromPath derives the logical resource kind from the first
// path segment, singularized: "/locations/3" is a "location".
func modelFromPath(path string) string {
	segment, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return strings.TrimSuffix(segment, "s")
}

func lastPathSegment(path string) string {
	trimmed := strings.TrimSuffix(path, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return trimmed
}
