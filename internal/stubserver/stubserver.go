// Package stubserver is an in-process fake of the embedding service for
// tests.
package stubserver

import (
	"encoding/base64"
	"encoding/json"
	"hash/fnv"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"gonum.org/v1/gonum/floats"
)

// DefaultDim is the vector size returned when no dimensions option is sent.
const DefaultDim = 8

type Config struct {
	// AuthKey, when set, must be sent as the basic-auth user.
	AuthKey string
	Dim     int
	// Respond may override the reply for a call; returning nil falls back
	// to the default embeddings.
	Respond func(call int, req Request) *Reply
}

// Request is a recorded call.
type Request struct {
	Kind    string
	Model   string
	Version string
	Items   []string
	Options map[string]any
	Header  http.Header
}

type Reply struct {
	Status int
	Body   any
	Delay  time.Duration
}

type Server struct {
	*httptest.Server

	cfg Config

	mu       sync.Mutex
	requests []Request
}

// New starts a server that is closed when the test ends.
func New(t testing.TB, cfg Config) *Server {
	t.Helper()
	if cfg.Dim <= 0 {
		cfg.Dim = DefaultDim
	}
	s := &Server{cfg: cfg}

	r := mux.NewRouter()
	r.HandleFunc("/embed/{kind:text|images}/{model}/{version}", s.embed).Methods(http.MethodPost)
	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Server) embed(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req := Request{Kind: vars["kind"], Model: vars["model"], Version: vars["version"], Header: r.Header.Clone()}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	items, err := decodeItems(req.Kind, body["data"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	req.Items = items
	req.Options = map[string]any{}
	for k, v := range body {
		if k == "data" {
			continue
		}
		var val any
		_ = json.Unmarshal(v, &val)
		req.Options[k] = val
	}

	s.mu.Lock()
	call := len(s.requests)
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.cfg.AuthKey != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.cfg.AuthKey || pass != "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid auth key"})
			return
		}
	}

	if s.cfg.Respond != nil {
		if reply := s.cfg.Respond(call, req); reply != nil {
			if reply.Delay > 0 {
				select {
				case <-time.After(reply.Delay):
				case <-r.Context().Done():
					return
				}
			}
			if reply.Body != nil || reply.Status != 0 {
				status := reply.Status
				if status == 0 {
					status = http.StatusOK
				}
				writeJSON(w, status, reply.Body)
				return
			}
		}
	}

	dim := s.cfg.Dim
	if d, ok := req.Options["dimensions"].(float64); ok && d > 0 {
		dim = int(d)
	}
	l2, _ := req.Options["normalize_l2"].(bool)

	out := make([][]float64, len(items))
	for i, item := range items {
		v := Vector(req.Model+"/"+item, dim)
		if l2 {
			floats.Scale(1/floats.Norm(v, 2), v)
		}
		out[i] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"embeddings": out})
}

func decodeItems(kind string, raw json.RawMessage) ([]string, error) {
	if kind == "text" {
		var items []string
		err := json.Unmarshal(raw, &items)
		return items, err
	}
	var imgs []struct {
		Img string `json:"img"`
	}
	if err := json.Unmarshal(raw, &imgs); err != nil {
		return nil, err
	}
	items := make([]string, len(imgs))
	for i, img := range imgs {
		if _, err := base64.StdEncoding.DecodeString(img.Img); err != nil {
			return nil, err
		}
		items[i] = img.Img
	}
	return items, nil
}

// Vector is the deterministic embedding the server returns for key.
func Vector(key string, dim int) []float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	seed := h.Sum64()
	r := rand.New(rand.NewPCG(seed, seed>>1|1))
	v := make([]float64, dim)
	for i := range v {
		v[i] = r.NormFloat64()
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
