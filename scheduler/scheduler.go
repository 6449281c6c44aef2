package scheduler

import (
	"context"
	"fmt"
	"time"

	"shielded/orchestrator/builder"
	"shielded/orchestrator/ledger"
	"shielded/orchestrator/logging"
	"shielded/orchestrator/merkletree"
	"shielded/orchestrator/metrics"
	"shielded/orchestrator/note"
	"shielded/orchestrator/queue"
	"shielded/orchestrator/wallet"
)

// Config tunes the scheduler loop. Zero values take defaults.
type Config struct {
	// PollInterval is the sleep between loop iterations. Default 50ms.
	PollInterval time.Duration
	// MaxInFlight caps edges simultaneously past READY. Default 1.
	MaxInFlight int
	// RootCheck compares the shadow root against the ledger-reported root
	// after every confirmation. Divergence is warned and counted, never
	// halting.
	RootCheck bool
	// SkipEdgeBalanceChecks disables the per-edge balance verification.
	// The final verification always runs.
	SkipEdgeBalanceChecks bool
	// QueueStatsInterval is how often aggregate queue stats are sampled
	// for metrics. Default 5s.
	QueueStatsInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 1
	}
	if c.QueueStatsInterval <= 0 {
		c.QueueStatsInterval = 5 * time.Second
	}
	return c
}

// Report is the outcome of one topology run.
type Report struct {
	Confirmed  int
	Failed     int
	Edges      []*Edge
	Violations []BalanceViolation
	// Tainted marks runs where the shadow accumulator diverged from a
	// reported root at least once. Results past the first divergence are
	// suspect.
	Tainted   bool
	FinalRoot [32]byte
	Balances  map[string]uint64
}

// Scheduler drives one topology to completion. It is the single writer of
// the shadow accumulator and all wallet UTXO sets while Run executes.
type Scheduler struct {
	cfg     Config
	queue   *queue.Queue
	client  ledger.Client
	builder *builder.Builder
	wallets map[string]*wallet.Wallet
	tree    *merkletree.Tree

	balances   *BalanceVerifier
	violations []BalanceViolation
	tainted    bool
}

// New assembles a scheduler. tree is the shadow accumulator, already
// synced to the ledger the client talks to.
func New(q *queue.Queue, client ledger.Client, b *builder.Builder, wallets map[string]*wallet.Wallet, tree *merkletree.Tree, cfg Config) *Scheduler {
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		queue:   q,
		client:  client,
		builder: b,
		wallets: wallets,
		tree:    tree,
	}
}

// Tree exposes the shadow accumulator for snapshotting by the simulation
// proving backend. Snapshots are clones; the scheduler stays the only
// writer.
func (s *Scheduler) Tree() *merkletree.Tree {
	return s.tree
}

// Run executes the topology until every edge is terminal or ctx is done.
// The returned report is complete even when some edges failed.
func (s *Scheduler) Run(ctx context.Context, topo *Topology) (*Report, error) {
	if err := topo.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	byID := topo.edgeByID()
	for _, e := range topo.Edges {
		if e.State == "" {
			e.State = StateReady
		}
	}
	s.balances = NewBalanceVerifier(s.wallets)
	s.violations = nil
	s.tainted = false

	statsDone := make(chan struct{})
	statsTicker := time.NewTicker(s.cfg.QueueStatsInterval)
	go func() {
		for {
			select {
			case <-statsDone:
				return
			case <-statsTicker.C:
				stats := s.queue.Stats()
				logging.Logger().Debug().
					Int("waiting", stats.Waiting).
					Int("active", stats.Active).
					Int("succeeded", stats.Succeeded).
					Int("failed", stats.Failed).
					Msg("queue stats")
			}
		}
	}()
	defer func() {
		statsTicker.Stop()
		close(statsDone)
	}()

	logging.Logger().Info().
		Int("edges", len(topo.Edges)).
		Int("max_in_flight", s.cfg.MaxInFlight).
		Msg("starting topology run")

	for {
		inFlight := 0
		for _, e := range topo.Edges {
			if e.State == StateProving || e.State == StateSubmitted {
				inFlight++
			}
		}

		for _, e := range topo.Edges {
			if e.State.Terminal() {
				continue
			}
			if depID, dead := doomed(e, byID); dead {
				s.failEdge(e, fmt.Sprintf("dependency-failed:%s", depID))
			}
		}

		for _, e := range topo.Edges {
			if inFlight >= s.cfg.MaxInFlight {
				break
			}
			if !eligible(e, byID) {
				continue
			}
			if s.startEdge(ctx, e) {
				inFlight++
			}
		}

		for _, e := range topo.Edges {
			if e.State != StateProving {
				continue
			}
			s.pollEdge(ctx, e)
		}

		allTerminal := true
		for _, e := range topo.Edges {
			if !e.State.Terminal() {
				allTerminal = false
				break
			}
		}
		if allTerminal {
			break
		}

		select {
		case <-ctx.Done():
			return s.report(topo), ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}

	report := s.report(topo)
	logging.Logger().Info().
		Int("confirmed", report.Confirmed).
		Int("failed", report.Failed).
		Int("balance_violations", len(report.Violations)).
		Bool("tainted", report.Tainted).
		Str("final_root", note.EncodeHash(report.FinalRoot)).
		Msg("topology run finished")
	return report, nil
}

// startEdge assembles and enqueues one transfer. Returns true when the
// edge entered PROVING.
func (s *Scheduler) startEdge(ctx context.Context, e *Edge) bool {
	from, ok := s.wallets[e.From]
	if !ok {
		s.failEdge(e, fmt.Sprintf("unknown sender wallet %q", e.From))
		return false
	}
	to, ok := s.wallets[e.To]
	if !ok {
		s.failEdge(e, fmt.Sprintf("unknown receiver wallet %q", e.To))
		return false
	}

	transfer, err := s.builder.Build(ctx, from, to, e.Amount, s.tree)
	if err != nil {
		s.failEdge(e, err.Error())
		return false
	}

	receipt, err := s.queue.Submit(transfer.Request)
	if err != nil {
		s.failEdge(e, err.Error())
		return false
	}

	e.transfer = transfer
	e.JobID = receipt.JobID
	e.State = StateProving
	e.StartedAt = time.Now()
	metrics.EdgesTotal.WithLabelValues(string(StateProving)).Inc()

	logging.Logger().Info().
		Str("edge", e.ID).
		Str("from", e.From).
		Str("to", e.To).
		Uint64("amount", e.Amount).
		Str("job_id", e.JobID).
		Int("queue_position", receipt.QueuePosition).
		Msg("edge proving started")
	return true
}

// pollEdge checks a PROVING edge's job and moves it forward when the proof
// is ready or the job failed.
func (s *Scheduler) pollEdge(ctx context.Context, e *Edge) {
	st, err := s.queue.Status(e.JobID)
	if err != nil {
		s.failEdge(e, fmt.Sprintf("job lost: %v", err))
		return
	}

	switch st.Stage {
	case queue.StageError:
		s.failEdge(e, st.ErrorReason)
	case queue.StageSubmitting:
		s.submitEdge(ctx, e, st)
	}
}

// submitEdge relays a finished proof to the ledger and applies the
// confirmed transfer.
func (s *Scheduler) submitEdge(ctx context.Context, e *Edge, st *queue.Status) {
	e.State = StateSubmitted
	e.ProofReadyAt = time.Now()
	metrics.EdgesTotal.WithLabelValues(string(StateSubmitted)).Inc()

	tx, err := e.transfer.LedgerTransaction(st.Result)
	if err != nil {
		reason := fmt.Sprintf("parse-error:%v", err)
		_ = s.queue.MarkFailed(e.JobID, reason, err.Error())
		s.failEdge(e, reason)
		return
	}

	txHash, err := s.client.SubmitTransaction(ctx, tx)
	if err != nil {
		reason := fmt.Sprintf("process-error:%v", err)
		_ = s.queue.MarkFailed(e.JobID, reason, err.Error())
		s.failEdge(e, reason)
		return
	}

	if err := s.queue.MarkSubmitted(e.JobID); err != nil {
		logging.Logger().Warn().Err(err).Str("edge", e.ID).Msg("could not finalize job record")
	}
	s.applyConfirmed(ctx, e, tx, txHash)
}

// applyConfirmed mutates wallet and accumulator state for an accepted
// transaction, then runs the consistency checks.
func (s *Scheduler) applyConfirmed(ctx context.Context, e *Edge, tx *ledger.Transaction, txHash [32]byte) {
	from := s.wallets[e.From]
	to := s.wallets[e.To]

	for _, u := range e.transfer.InputUTXOs {
		if err := from.MarkSpent(u.Index); err != nil {
			logging.Logger().Error().Err(err).Str("edge", e.ID).Msg("input already accounted for")
		}
	}

	// Output order is fixed by the builder: payment first, change second.
	paymentIndex := s.tree.Insert(tx.OutputCommitments[0])
	to.AddUTXO(e.transfer.Payment, paymentIndex)
	if e.transfer.Change != nil {
		changeIndex := s.tree.Insert(tx.OutputCommitments[1])
		from.AddUTXO(*e.transfer.Change, changeIndex)
	}

	if s.tree.Root() != tx.NewRoot {
		s.noteRootMismatch(e, "proof-reported root", tx.NewRoot)
	}
	if s.cfg.RootCheck {
		reported, err := s.client.LatestRoot(ctx)
		if err != nil {
			logging.Logger().Warn().Err(err).Str("edge", e.ID).Msg("could not fetch ledger root for consistency check")
		} else if reported != s.tree.Root() {
			s.noteRootMismatch(e, "ledger-reported root", reported)
		}
	}

	s.balances.ApplyTransfer(e.From, e.To, e.Amount)
	if !s.cfg.SkipEdgeBalanceChecks {
		violations := s.balances.CheckEdge(from, to, e.Amount)
		for _, v := range violations {
			logging.Logger().Warn().
				Str("edge", e.ID).
				Str("wallet", v.Wallet).
				Str("kind", v.Kind).
				Str("detail", v.Detail).
				Msg("balance check failed")
		}
		s.violations = append(s.violations, violations...)
	}

	e.State = StateConfirmed
	e.TxHash = txHash
	e.FinishedAt = time.Now()
	metrics.EdgesTotal.WithLabelValues(string(StateConfirmed)).Inc()
	metrics.EdgeConfirmationDuration.Observe(e.FinishedAt.Sub(e.StartedAt).Seconds())

	logging.Logger().Info().
		Str("edge", e.ID).
		Hex("tx_hash", txHash[:]).
		Str("new_root", note.EncodeHash(s.tree.Root())).
		Dur("elapsed", e.FinishedAt.Sub(e.StartedAt)).
		Msg("edge confirmed")
}

// noteRootMismatch records a shadow-root divergence. The run continues;
// the report carries the taint.
func (s *Scheduler) noteRootMismatch(e *Edge, source string, reported [32]byte) {
	metrics.RootMismatchTotal.Inc()
	s.tainted = true
	logging.Logger().Warn().
		Str("edge", e.ID).
		Str("source", source).
		Str("local_root", note.EncodeHash(s.tree.Root())).
		Str("reported_root", note.EncodeHash(reported)).
		Msg("shadow accumulator diverged from reported root")
}

func (s *Scheduler) failEdge(e *Edge, reason string) {
	e.State = StateFailed
	e.FailReason = reason
	e.FinishedAt = time.Now()
	metrics.EdgesTotal.WithLabelValues(string(StateFailed)).Inc()

	logging.Logger().Error().
		Str("edge", e.ID).
		Str("reason", reason).
		Msg("edge failed")
}

func (s *Scheduler) report(topo *Topology) *Report {
	report := &Report{
		Edges:      topo.Edges,
		Violations: append([]BalanceViolation(nil), s.violations...),
		Tainted:    s.tainted,
		FinalRoot:  s.tree.Root(),
		Balances:   make(map[string]uint64, len(s.wallets)),
	}
	report.Violations = append(report.Violations, s.balances.Final(s.wallets)...)
	for _, e := range topo.Edges {
		switch e.State {
		case StateConfirmed:
			report.Confirmed++
		case StateFailed:
			report.Failed++
		}
	}
	for name, w := range s.wallets {
		report.Balances[name] = w.Balance()
	}
	return report
}
