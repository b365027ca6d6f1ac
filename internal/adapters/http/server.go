package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tracker/internal/domain"
	"tracker/internal/guidance"
	"tracker/internal/hostname"
	"tracker/internal/jobtoken"
	"tracker/internal/ports"
	"tracker/internal/services/dispatcher"
	"tracker/internal/workers/scanqueue"
)

// maxBody caps request bodies; scanner payloads are a few kilobytes.
const maxBody = 4 << 20

// Queue accepts jobs for the named protocol queues.
type Queue interface {
	Enqueue(ctx context.Context, p domain.Protocol, job domain.ScanJob) (string, error)
}

// Results is the ingestion side of the pipeline.
type Results interface {
	Ingest(ctx context.Context, res domain.RawScanResult) (bool, error)
	Fail(ctx context.Context, scanID string, p domain.Protocol, status domain.JobStatus, reason string) error
	Preview(p domain.Protocol, raw json.RawMessage) map[string]guidance.Outcome
	Event(ctx context.Context, scanID string) (domain.ScanEvent, error)
}

// Config wires the server. Queue and Results may be nil when those roles run
// in another process; their routes are then not mounted.
type Config struct {
	Dispatcher ports.Dispatcher
	Queue      Queue
	Results    Results
	Signer     *jobtoken.Signer
	Health     func(ctx context.Context) error
}

type Server struct {
	dispatcher ports.Dispatcher
	queue      Queue
	results    Results
	signer     *jobtoken.Signer
	health     func(ctx context.Context) error
}

func New(cfg Config) *Server {
	return &Server{
		dispatcher: cfg.Dispatcher,
		queue:      cfg.Queue,
		results:    cfg.Results,
		signer:     cfg.Signer,
		health:     cfg.Health,
	}
}

// Routes returns the router for every role this process serves.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.getHealthz)
	if s.dispatcher != nil {
		r.Post("/scan", s.postScan)
	}
	if s.results != nil {
		r.Post("/receive", s.postReceive)
		r.Get("/scans/{id}", s.getScan)
	}
	if s.queue != nil {
		r.Post("/{protocol}", s.postJob)
	}
	return r
}

func (s *Server) getHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			log.Printf("healthz: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// postScan dispatches a scan and answers without waiting for results.
func (s *Server) postScan(w http.ResponseWriter, r *http.Request) {
	var req ports.DispatchRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := s.dispatcher.Dispatch(r.Context(), req)
	switch {
	case errors.Is(err, hostname.ErrInvalid), errors.Is(err, dispatcher.ErrNothingToDispatch):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Printf("scan %s: %v", req.Domain, err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// postJob enqueues a signed job on the queue named in the path. Jobs whose
// token does not verify are refused here rather than left to expire.
func (s *Server) postJob(w http.ResponseWriter, r *http.Request) {
	p, ok := domain.ParseProtocol(chi.URLParam(r, "protocol"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	}
	var job domain.ScanJob
	if !decode(w, r, &job) {
		return
	}
	// the queue is named by the path; a body protocol is optional
	if job.Protocol != "" && job.Protocol != p {
		writeError(w, http.StatusBadRequest, scanqueue.ErrWrongQueue.Error())
		return
	}
	job.Protocol = p
	if s.signer != nil {
		if _, err := s.signer.VerifyJob(job); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}
	ack, err := s.queue.Enqueue(r.Context(), p, job)
	switch {
	case errors.Is(err, scanqueue.ErrUnknownQueue):
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	case errors.Is(err, scanqueue.ErrWrongQueue):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Printf("enqueue %s job for scan %s: %v", p, job.ScanID, err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ack))
}

// postReceive accepts a scanner result authorised by the Token header. The
// body names its protocol as scan_type and may omit the domain, which the
// token then supplies. With a Test header the payload is only evaluated and
// the tags echoed back.
func (s *Server) postReceive(w http.ResponseWriter, r *http.Request) {
	var res domain.RawScanResult
	if !decode(w, r, &res) {
		return
	}
	if _, ok := domain.ParseProtocol(string(res.Protocol)); !ok {
		writeError(w, http.StatusBadRequest, "unknown protocol")
		return
	}
	if test, _ := strconv.ParseBool(r.Header.Get("Test")); test {
		writeJSON(w, http.StatusOK, s.results.Preview(res.Protocol, res.Payload))
		return
	}

	claims, err := s.signer.Verify(r.Header.Get("Token"), jobtoken.AudienceResult)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if res.Domain == "" {
		res.Domain = claims.Domain
	}
	if claims.ScanID != res.ScanID || claims.Protocol != res.Protocol || claims.Domain != res.Domain {
		writeError(w, http.StatusUnauthorized, jobtoken.ErrMismatch.Error())
		return
	}

	var accepted bool
	switch res.Status {
	case "", domain.StatusOK:
		accepted, err = s.results.Ingest(r.Context(), res)
	case domain.StatusFailed, domain.StatusExpired:
		accepted = true
		err = s.results.Fail(r.Context(), res.ScanID, res.Protocol, res.Status, res.Reason)
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if err != nil {
		log.Printf("receive %s result for scan %s: %v", res.Protocol, res.ScanID, err)
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	ev, err := s.results.Event(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ports.ErrNotFound) {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	if err != nil {
		log.Printf("get scan: %v", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
