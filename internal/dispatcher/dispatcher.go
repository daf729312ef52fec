// Package dispatcher is the HTTP front end: it validates submissions,
// selects a queue for the job's language, enqueues, and serves status/load/
// health/language lookups. Routing, CORS, and request-level rate limiting
// are wired here using the same libraries a real gateway would use, since a
// standalone deployment still needs to be self-protecting.
package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sentinelcode/sentinel/internal/api"
	"github.com/sentinelcode/sentinel/internal/broker"
	"github.com/sentinelcode/sentinel/internal/metrics"
	"github.com/sentinelcode/sentinel/internal/registry"
	"github.com/sentinelcode/sentinel/internal/sanitize"
)

// brokerOpTimeout bounds the broker round-trips each handler makes; none of
// them blocks waiting on a queue.
const brokerOpTimeout = 3 * time.Second

// maxRequestBytes caps the POST /execute request body.
const maxRequestBytes = 1 << 20 // 1 MiB

// Dispatcher serves the public HTTP API.
type Dispatcher struct {
	Broker    broker.Broker
	Registry  *registry.Registry
	Topology  Topology
	Sanitizer *sanitize.Sanitizer // optional; nil disables the pre-check
	Metrics   *metrics.Metrics
	Log       *logrus.Entry
}

// Router builds the mux.Router serving every endpoint.
func (d *Dispatcher) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/execute", d.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/job/{id}", d.handleJobStatus).Methods(http.MethodGet)
	r.HandleFunc("/load", d.handleLoad).Methods(http.MethodGet)
	r.HandleFunc("/health", d.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/languages", d.handleLanguages).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (d *Dispatcher) log() *logrus.Entry {
	if d.Log != nil {
		return d.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Error("failed to encode response body")
	}
}

func (d *Dispatcher) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req api.ExecuteRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ExecuteResponse{Message: "invalid request body"})
		return
	}

	if req.Code == "" || req.Language == "" {
		writeJSON(w, http.StatusBadRequest, api.ExecuteResponse{Message: "code and language are required"})
		return
	}

	if !d.Registry.IsSupported(req.Language) {
		writeJSON(w, http.StatusBadRequest, api.ExecuteResponse{Message: "Unsupported language: " + req.Language})
		return
	}

	if d.Sanitizer != nil {
		if err := d.Sanitizer.Check(req.Code, req.Language); err != nil {
			writeJSON(w, http.StatusBadRequest, api.ExecuteResponse{Message: err.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), brokerOpTimeout)
	defer cancel()

	queue, err := d.selectQueue(ctx, req.Language)
	if err != nil {
		d.log().WithError(err).Error("failed to select queue")
		writeJSON(w, http.StatusInternalServerError, api.ExecuteResponse{Message: "failed to enqueue job"})
		return
	}

	job := api.Job{
		ID:        uuid.NewString(),
		Language:  req.Language,
		Code:      req.Code,
		Input:     req.Input,
		TestCases: req.TestCases,
		CreatedAt: time.Now(),
	}

	if err := d.Broker.Add(ctx, queue, job); err != nil {
		d.log().WithError(err).Error("failed to enqueue job")
		writeJSON(w, http.StatusInternalServerError, api.ExecuteResponse{Message: "failed to enqueue job"})
		return
	}

	writeJSON(w, http.StatusOK, api.ExecuteResponse{
		ID:        job.ID,
		Status:    api.JobQueued,
		Timestamp: job.CreatedAt,
		Message:   "Job submitted successfully",
	})
}

// selectQueue picks the queue for language. With one queue it's immediate;
// with multiple (legacy topology) it picks the least-waiting instance,
// ties broken by instance order, per the load-aware placement contract.
func (d *Dispatcher) selectQueue(ctx context.Context, language string) (string, error) {
	queues := d.Topology.QueuesFor(language)
	if len(queues) == 1 {
		return queues[0], nil
	}

	best := queues[0]
	var bestWaiting int64 = -1
	for _, q := range queues {
		counts, err := d.Broker.Counts(ctx, q)
		if err != nil {
			return "", err
		}
		if bestWaiting == -1 || counts.Waiting < bestWaiting {
			bestWaiting = counts.Waiting
			best = q
		}
	}
	return best, nil
}

func (d *Dispatcher) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), brokerOpTimeout)
	defer cancel()

	record, err := d.Broker.GetByID(ctx, id)
	if err == broker.ErrNotFound {
		writeJSON(w, http.StatusNotFound, api.JobStatusResponse{
			ID:        id,
			Status:    api.JobFailed,
			Timestamp: time.Now(),
			Message:   "Job not found",
		})
		return
	}
	if err != nil {
		d.log().WithError(err).Error("failed to load job status")
		writeJSON(w, http.StatusInternalServerError, api.JobStatusResponse{ID: id, Message: "failed to load job status"})
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (d *Dispatcher) handleLoad(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), brokerOpTimeout)
	defer cancel()

	var snapshots []api.QueueSnapshot
	var totalWaiting, totalActive int64

	for _, desc := range d.Registry.List() {
		for _, q := range d.Topology.QueuesFor(desc.Name) {
			counts, err := d.Broker.Counts(ctx, q)
			if err != nil {
				d.log().WithError(err).WithField("queue", q).Warn("failed to read queue counts")
				continue
			}
			snapshots = append(snapshots, api.QueueSnapshot{
				Language:   desc.Name,
				InstanceID: q,
				Waiting:    counts.Waiting,
				Active:     counts.Active,
				Completed:  counts.Completed,
				Failed:     counts.Failed,
				TotalJobs:  counts.Waiting + counts.Active + counts.Completed + counts.Failed,
			})
			totalWaiting += counts.Waiting
			totalActive += counts.Active
			if d.Metrics != nil {
				d.Metrics.QueueWaiting.WithLabelValues(q).Set(float64(counts.Waiting))
				d.Metrics.QueueActive.WithLabelValues(q).Set(float64(counts.Active))
			}
		}
	}

	writeJSON(w, http.StatusOK, api.LoadResponse{
		Timestamp:    time.Now(),
		Containers:   snapshots,
		TotalWaiting: totalWaiting,
		TotalActive:  totalActive,
	})
}

// handleHealth reports broker reachability plus a per-queue readiness
// probe: a queue is "unhealthy" only if the broker can't answer a Counts
// call for it (or the broker is unreachable at all), never based on how
// busy it is.
func (d *Dispatcher) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), brokerOpTimeout)
	defer cancel()

	status := api.HealthHealthy
	redisStatus := "ok"
	brokerUp := true
	if err := d.Broker.Ping(ctx); err != nil {
		status = api.HealthUnhealthy
		redisStatus = "unreachable"
		brokerUp = false
	}

	queues := make(map[string]string)
	for _, desc := range d.Registry.List() {
		queueStatus := api.HealthHealthy
		if !brokerUp {
			queueStatus = api.HealthUnhealthy
		} else {
			for _, q := range d.Topology.QueuesFor(desc.Name) {
				if _, err := d.Broker.Counts(ctx, q); err != nil {
					queueStatus = api.HealthUnhealthy
					break
				}
			}
		}
		queues[desc.Name] = queueStatus
		if queueStatus == api.HealthUnhealthy && status == api.HealthHealthy {
			status = api.HealthDegraded
		}
	}

	writeJSON(w, http.StatusOK, api.HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Redis:     redisStatus,
		Queues:    queues,
	})
}

func (d *Dispatcher) handleLanguages(w http.ResponseWriter, r *http.Request) {
	descriptors := d.Registry.List()
	languages := make([]api.LanguageInfo, len(descriptors))
	for i, desc := range descriptors {
		languages[i] = api.LanguageInfo{Name: desc.Name, DisplayName: desc.DisplayName}
	}

	writeJSON(w, http.StatusOK, api.LanguagesResponse{
		Languages: languages,
		Count:     len(languages),
	})
}
