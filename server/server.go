// Package server exposes the orchestrator's status surface over HTTP: job
// status lookups, queue occupancy and health, plus a separate metrics
// listener for Prometheus scrapes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shielded/orchestrator/logging"
	"shielded/orchestrator/prover"
	"shielded/orchestrator/queue"
)

type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func malformedRequestError(err error) *Error {
	return &Error{StatusCode: http.StatusBadRequest, Code: "malformed_request", Message: err.Error()}
}

func jobNotFoundError(jobID string) *Error {
	return &Error{StatusCode: http.StatusNotFound, Code: "job_not_found", Message: fmt.Sprintf("unknown or expired job %s", jobID)}
}

func unexpectedError(err error) *Error {
	return &Error{StatusCode: http.StatusInternalServerError, Code: "unexpected_error", Message: err.Error()}
}

func (error *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"code":    error.Code,
		"message": error.Message,
	})
}

func (error *Error) send(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(error.StatusCode)
	jsonBytes, err := error.MarshalJSON()
	if err != nil {
		jsonBytes = []byte(`{"code": "unexpected_error", "message": "failed to marshal error"}`)
	}
	length, err := w.Write(jsonBytes)
	if err != nil || length != len(jsonBytes) {
		logging.Logger().Error().Err(err).Msg("error writing response")
	}
}

type Config struct {
	StatusAddress  string
	MetricsAddress string
}

func spawnServerJob(server *http.Server, label string) RunningJob {
	start := func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(fmt.Sprintf("%s failed: %s", label, err))
		}
	}
	shutdown := func() {
		logging.Logger().Info().Msgf("shutting down %s", label)
		err := server.Shutdown(context.Background())
		if err != nil {
			logging.Logger().Error().Err(err).Msgf("error when shutting down %s", label)
		}
		logging.Logger().Info().Msgf("%s shut down", label)
	}
	return SpawnJob(start, shutdown)
}

// Run starts the status and metrics listeners and returns a combined job
// controlling both.
func Run(config *Config, q *queue.Queue) RunningJob {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: config.MetricsAddress, Handler: metricsMux}
	metricsJob := spawnServerJob(metricsServer, "metrics server")
	logging.Logger().Info().Str("addr", config.MetricsAddress).Msg("metrics server started")

	statusJob := spawnServerJob(statusServer(config.StatusAddress, q), "status server")
	logging.Logger().Info().Str("addr", config.StatusAddress).Msg("status server started")

	return CombineJobs(metricsJob, statusJob)
}

// statusServer builds the status listener without starting it. Split out
// so tests can drive the handler stack through httptest.
func statusServer(addr string, q *queue.Queue) *http.Server {
	return &http.Server{Addr: addr, Handler: Handler(q)}
}

// Handler assembles the status routes behind the CORS wrapper.
func Handler(q *queue.Queue) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/job", jobStatusHandler{queue: q})
	mux.Handle("/queue", queueStatsHandler{queue: q})
	mux.Handle("/health", healthHandler{})

	corsHandler := handlers.CORS(
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization"}),
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "OPTIONS"}),
	)
	return corsHandler(mux)
}

type healthHandler struct {
}

func (handler healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type jobStatusHandler struct {
	queue *queue.Queue
}

// jobStatusResponse is the wire shape of one job snapshot. Timestamps are
// RFC 3339 and omitted while unset.
type jobStatusResponse struct {
	JobID         string           `json:"jobId"`
	Stage         string           `json:"stage"`
	QueuePosition int              `json:"queuePosition"`
	SubmittedAt   string           `json:"submittedAt,omitempty"`
	StartedAt     string           `json:"startedAt,omitempty"`
	FinishedAt    string           `json:"finishedAt,omitempty"`
	ErrorReason   string           `json:"errorReason,omitempty"`
	ErrorTail     string           `json:"errorTail,omitempty"`
	Result        *prover.Response `json:"result,omitempty"`
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (handler jobStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		malformedRequestError(fmt.Errorf("missing job_id query parameter")).send(w)
		return
	}
	if _, err := uuid.Parse(jobID); err != nil {
		malformedRequestError(fmt.Errorf("job_id is not a valid UUID: %w", err)).send(w)
		return
	}

	status, err := handler.queue.Status(jobID)
	if err != nil {
		var lookup *queue.LookupError
		if errors.As(err, &lookup) {
			jobNotFoundError(jobID).send(w)
			return
		}
		unexpectedError(err).send(w)
		return
	}

	body := jobStatusResponse{
		JobID:         status.JobID,
		Stage:         string(status.Stage),
		QueuePosition: status.QueuePosition,
		SubmittedAt:   formatTimestamp(status.SubmittedAt),
		StartedAt:     formatTimestamp(status.StartedAt),
		FinishedAt:    formatTimestamp(status.FinishedAt),
		ErrorReason:   status.ErrorReason,
		ErrorTail:     status.ErrorTail,
		Result:        status.Result,
	}
	writeJSON(w, body)
}

type queueStatsHandler struct {
	queue *queue.Queue
}

type queueStatsResponse struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retained  int `json:"retained"`
}

func (handler queueStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats := handler.queue.Stats()
	writeJSON(w, queueStatsResponse{
		Waiting:   stats.Waiting,
		Active:    stats.Active,
		Succeeded: stats.Succeeded,
		Failed:    stats.Failed,
		Retained:  stats.Retained,
	})
}

func writeJSON(w http.ResponseWriter, body any) {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		unexpectedError(err).send(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	length, err := w.Write(jsonBytes)
	if err != nil || length != len(jsonBytes) {
		logging.Logger().Error().Err(err).Msg("error writing response")
	}
}
