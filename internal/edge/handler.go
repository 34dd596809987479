package edge

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"callmibro/internal/cachestore"
	"callmibro/internal/queue"
)

const edgeHeader = "X-Callmibro-Edge"

// Handler serves the control surface under /_edge/ and intercepts everything else.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /_edge/queue/{kind}/{id}", s.handleEnqueue)
	mux.HandleFunc("POST /_edge/queue/{kind}", s.handleEnqueue)
	mux.HandleFunc("GET /_edge/queue/{kind}", s.handleQueueList)
	mux.HandleFunc("DELETE /_edge/queue/{kind}/{id}", s.handleQueueDelete)
	mux.HandleFunc("POST /_edge/sync/{tag}", s.handleSync)
	mux.HandleFunc("GET /_edge/status", s.handleStatus)
	mux.Handle("GET /_edge/metrics", promhttp.HandlerFor(s.metrics.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/_edge/", http.NotFound)
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	res, err := s.interceptor.Dispatch(r.Context(), r)
	if err != nil {
		setEdgeHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeEntryWithStats(w, res)
}

type enqueueResponse struct {
	ID     string     `json:"id"`
	Kind   queue.Kind `json:"kind"`
	Queued bool       `json:"queued"`
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	kind, err := queue.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		id = strings.TrimSpace(r.Header.Get("X-Mutation-Id"))
	}
	if id == "" {
		id = uuid.NewString()
	}

	limit := s.cfg.Queue.maxPayloadBytes
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if int64(len(body)) > limit {
		writeJSONError(w, http.StatusRequestEntityTooLarge, errors.New("payload too large"))
		return
	}

	if err := s.queue.Enqueue(kind, id, body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.syncer.Register(kind.Tag()); err != nil {
		logrus.WithError(err).Warnf("register %s", kind.Tag())
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id, Kind: kind, Queued: true})
}

type pendingView struct {
	ID        string          `json:"id"`
	QueuedAt  int64           `json:"queuedAt"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts,omitempty"`
	LastError string          `json:"lastError,omitempty"`
}

func (s *Service) handleQueueList(w http.ResponseWriter, r *http.Request) {
	kind, err := queue.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	pending, err := s.queue.List(kind)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	failures := map[string]queue.Failure{}
	for _, f := range s.queue.Failures(kind) {
		failures[f.ID] = f
	}
	out := make([]pendingView, 0, len(pending))
	for _, pm := range pending {
		v := pendingView{ID: pm.ID, QueuedAt: pm.QueuedAt, Payload: pm.Payload}
		if f, ok := failures[pm.ID]; ok {
			v.Attempts = f.Attempts
			v.LastError = f.LastError
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	kind, err := queue.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	if err := s.queue.Remove(kind, r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	rep, err := s.syncer.Dispatch(r.Context(), r.PathValue("tag"))
	if errors.Is(err, ErrUnknownTag) {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type statusView struct {
	Bucket  string         `json:"bucket"`
	Entries int            `json:"entries"`
	Buckets []string       `json:"buckets"`
	Queue   map[string]int `json:"queue"`
	Pending []string       `json:"pendingSyncs"`
	Online  bool           `json:"online"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cache.Len()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	buckets, err := s.cache.Buckets()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	view := statusView{
		Bucket:  s.cache.Name(),
		Entries: entries,
		Buckets: buckets,
		Queue:   map[string]int{},
		Pending: s.syncer.Pending(),
		Online:  s.syncer.Online(),
	}
	for _, k := range queue.Kinds() {
		n, err := s.queue.Len(k)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err)
			return
		}
		view.Queue[string(k)] = n
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("write json response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeEntry(w http.ResponseWriter, ent cachestore.Entry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, edgeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setEdgeHeaders(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setEdgeHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(edgeHeader, source)
	}
	// custom headers are invisible to page scripts in a CORS context unless exposed
	ensureExposedHeader(h, edgeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, res Result) {
	writeEntry(w, res.Entry, string(res.Source))
	if s.stats != nil {
		s.stats.Observe(res.Source, len(res.Entry.Body))
	}
}
