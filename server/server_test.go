package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shielded/orchestrator/prover"
	"shielded/orchestrator/queue"
	"shielded/orchestrator/server"
)

// instantBackend proves immediately with a canned response.
type instantBackend struct{}

func (b *instantBackend) Prove(ctx context.Context, req *prover.Request, progress prover.ProgressFunc) (*prover.Response, error) {
	return &prover.Response{
		Proof:    "0x01",
		VKeyHash: prover.MockVKeyHash,
		PublicOutputs: prover.PublicOutputs{
			OldRoot: req.OldRoot,
			NewRoot: req.OldRoot,
		},
	}, nil
}

func (b *instantBackend) VKeyHash(ctx context.Context) (string, error) {
	return prover.MockVKeyHash, nil
}

// stuckBackend blocks until released so a job stays in flight.
type stuckBackend struct {
	release chan struct{}
}

func (b *stuckBackend) Prove(ctx context.Context, req *prover.Request, progress prover.ProgressFunc) (*prover.Response, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, &prover.ProcessError{Detail: "timeout"}
	}
	return (&instantBackend{}).Prove(ctx, req, progress)
}

func (b *stuckBackend) VKeyHash(ctx context.Context) (string, error) {
	return prover.MockVKeyHash, nil
}

func structurallyValidRequest() *prover.Request {
	hash32 := "0x" + strings.Repeat("11", 32)
	sig65 := "0x" + strings.Repeat("22", 65)
	return &prover.Request{
		InputNotes:          []prover.NoteData{{Amount: 10, OwnerPubkey: hash32, Blinding: hash32}},
		OutputNotes:         []prover.NoteData{{Amount: 10, OwnerPubkey: hash32, Blinding: hash32}},
		NullifierSignatures: []string{sig65},
		TxSignatures:        []string{sig65},
		InputIndices:        []uint64{0},
		InputProofs:         [][]string{{hash32}},
		OldRoot:             hash32,
	}
}

func newServer(t *testing.T, backend prover.Prover) (*queue.Queue, *httptest.Server) {
	t.Helper()
	q := queue.New(backend, queue.Config{}, nil)
	q.Start()
	t.Cleanup(q.Stop)

	srv := httptest.NewServer(server.Handler(q))
	t.Cleanup(srv.Close)
	return q, srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := newServer(t, &instantBackend{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJobStatusLifecycle(t *testing.T) {
	q, srv := newServer(t, &instantBackend{})

	receipt, err := q.Submit(structurallyValidRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = q.WaitReady(ctx, receipt.JobID)
	require.NoError(t, err)
	require.NoError(t, q.MarkSubmitted(receipt.JobID))

	var body struct {
		JobID  string           `json:"jobId"`
		Stage  string           `json:"stage"`
		Result *prover.Response `json:"result"`
	}
	code := getJSON(t, srv.URL+"/job?job_id="+receipt.JobID, &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, receipt.JobID, body.JobID)
	assert.Equal(t, "success", body.Stage)
	require.NotNil(t, body.Result)
	assert.Equal(t, prover.MockVKeyHash, body.Result.VKeyHash)
}

func TestJobStatusUnknownJob(t *testing.T) {
	_, srv := newServer(t, &instantBackend{})

	var body struct {
		Code string `json:"code"`
	}
	code := getJSON(t, srv.URL+"/job?job_id="+uuid.New().String(), &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "job_not_found", body.Code)
}

func TestJobStatusRejectsBadID(t *testing.T) {
	_, srv := newServer(t, &instantBackend{})

	var body struct {
		Code string `json:"code"`
	}
	code := getJSON(t, srv.URL+"/job?job_id=not-a-uuid", &body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "malformed_request", body.Code)

	code = getJSON(t, srv.URL+"/job", &body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "malformed_request", body.Code)
}

func TestQueueStatsEndpoint(t *testing.T) {
	backend := &stuckBackend{release: make(chan struct{})}
	q, srv := newServer(t, backend)

	// One job proving, one waiting behind it.
	_, err := q.Submit(structurallyValidRequest())
	require.NoError(t, err)
	_, err = q.Submit(structurallyValidRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/queue")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Waiting  int `json:"waiting"`
			Active   int `json:"active"`
			Retained int `json:"retained"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return body.Active == 1 && body.Waiting == 1 && body.Retained == 2
	}, 5*time.Second, 10*time.Millisecond)

	close(backend.release)
}

func TestMethodNotAllowed(t *testing.T) {
	_, srv := newServer(t, &instantBackend{})

	resp, err := http.Post(srv.URL+"/job", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerJobStops(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	job := server.SpawnJob(
		func() { close(started); <-stopped },
		func() { close(stopped) },
	)
	<-started
	job.RequestStop()

	done := make(chan struct{})
	go func() { job.AwaitStop(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not stop")
	}
}
