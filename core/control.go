package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Control messages accepted from the page context. These exist to make
// automated testing deterministic without real network manipulation.
const (
	MsgClearCache           = "CLEAR_CACHE"
	MsgEmulateOffline       = "EMULATE_OFFLINE"
	MsgStopEmulatingOffline = "STOP_EMULATING_OFFLINE"
)

var ErrUnrecognizedMessage = errors.New("unrecognized control message")

// Control handles one out-of-band control message.
// An unrecognized message is an error for that message only; it does
// not affect in-flight or future requests.
func (p *Proxy) Control(message string) error {
	switch message {
	case MsgClearCache:
		p.log.Info().Msg("Clearing active cache generation")
		return p.cache.Clear(p.generation)
	case MsgEmulateOffline:
		p.log.Info().Msg("Starting offline emulation")
		p.EmulateOffline(true)
		return nil
	case MsgStopEmulatingOffline:
		p.log.Info().Msg("Stopping offline emulation")
		p.EmulateOffline(false)
		return nil
	default:
		return ErrUnrecognizedMessage
	}
}

// ControlRoutes returns the control channel and cache introspection
// endpoints, meant to be mounted on the dot-prefixed admin path.
func (p *Proxy) ControlRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/control", p.handleControl)
	r.Get("/keys", p.handleKeys)
	r.Get("/caches", p.handleCaches)
	return r
}

func (p *Proxy) handleControl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		http.Error(w, "could not read message", http.StatusBadRequest)
		return
	}
	message := strings.TrimSpace(string(body))
	if err := p.Control(message); err != nil {
		if errors.Is(err, ErrUnrecognizedMessage) {
			p.log.Error().Str("message", message).Msg("Unrecognized control message")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleKeys lists the request identities stored in the active
// generation. Meant for troubleshooting mismatches between "resource
// present" and "resource retrievable".
func (p *Proxy) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys := make([]string, 0)
	p.cache.Keys(p.generation, func(key string) {
		keys = append(keys, key)
	})
	writeJSON(w, map[string]any{"generation": p.generation, "keys": keys})
}

func (p *Proxy) handleCaches(w http.ResponseWriter, r *http.Request) {
	generations, err := p.cache.Generations()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"caches": generations})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
