package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"shielded/orchestrator/builder"
	"shielded/orchestrator/ledger"
	"shielded/orchestrator/logging"
	"shielded/orchestrator/merkletree"
	"shielded/orchestrator/note"
	"shielded/orchestrator/prover"
	"shielded/orchestrator/queue"
	"shielded/orchestrator/scheduler"
	"shielded/orchestrator/security"
	"shielded/orchestrator/server"
	"shielded/orchestrator/wallet"
)

func main() {
	runCli()
}

// scenarioFile is the on-disk description of one run: the wallets with
// their initial funding notes, and the transfer DAG between them.
type scenarioFile struct {
	Wallets []scenarioWallet `json:"wallets"`
	Edges   []scenarioEdge   `json:"edges"`
}

type scenarioWallet struct {
	Name    string   `json:"name"`
	Funding []uint64 `json:"funding"`
}

type scenarioEdge struct {
	ID        string   `json:"id"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Amount    uint64   `json:"amount"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

// demoScenario is used when no scenario file is given: a funded sender, a
// fan-out transfer and a dependent second hop.
func demoScenario() *scenarioFile {
	return &scenarioFile{
		Wallets: []scenarioWallet{
			{Name: "alice", Funding: []uint64{100}},
			{Name: "bob"},
			{Name: "carol"},
		},
		Edges: []scenarioEdge{
			{ID: "alice-to-bob", From: "alice", To: "bob", Amount: 50},
			{ID: "bob-to-carol", From: "bob", To: "carol", Amount: 20, DependsOn: []string{"alice-to-bob"}},
		},
	}
}

func loadScenario(path string) (*scenarioFile, error) {
	if path == "" {
		return demoScenario(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	var scenario scenarioFile
	if err := json.Unmarshal(raw, &scenario); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}
	return &scenario, nil
}

func (s *scenarioFile) topology() *scheduler.Topology {
	topo := &scheduler.Topology{}
	for _, e := range s.Edges {
		topo.Edges = append(topo.Edges, &scheduler.Edge{
			ID:        e.ID,
			From:      e.From,
			To:        e.To,
			Amount:    e.Amount,
			DependsOn: e.DependsOn,
		})
	}
	return topo
}

// buildBackend picks the proving backend: a remote service when a URL is
// given (flag, then PROVER_URL), otherwise the in-process simulation
// prover over the shadow tree.
func buildBackend(proverURL string, proveTimeout time.Duration, tree *merkletree.Tree) prover.Prover {
	if proverURL != "" {
		return prover.NewHTTPClient(&prover.HTTPConfig{ServerURL: proverURL, Timeout: proveTimeout})
	}
	if cfg := prover.HTTPConfigFromEnv(); cfg != nil {
		return prover.NewHTTPClient(cfg)
	}
	return prover.NewLocal(func() *merkletree.Tree { return tree.Clone() })
}

func runCli() {
	app := cli.App{
		Name:                 "shielded-orchestrator",
		Usage:                "builds, proves and submits shielded transfer DAGs",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "execute a transfer scenario end to end",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json-logging", Usage: "enable JSON logging", Required: false},
					&cli.StringFlag{Name: "scenario", Usage: "path to a scenario JSON file (omit for the built-in demo)", Required: false},
					&cli.StringFlag{Name: "prover-url", Usage: "base URL of a remote proving service (omit for the in-process simulation prover)", Required: false},
					&cli.StringFlag{Name: "redis-url", Usage: "Redis URL for mirroring job results (e.g., redis://localhost:6379)", Required: false},
					&cli.StringFlag{Name: "status-address", Usage: "address for the status server", Value: "0.0.0.0:3001", Required: false},
					&cli.StringFlag{Name: "metrics-address", Usage: "address for the metrics server", Value: "0.0.0.0:9998", Required: false},
					&cli.IntFlag{Name: "max-concurrent", Usage: "maximum simultaneously proving jobs", Value: 1, Required: false},
					&cli.DurationFlag{Name: "poll-interval", Usage: "scheduler poll interval", Value: 50 * time.Millisecond, Required: false},
					&cli.DurationFlag{Name: "prove-timeout", Usage: "per-job proving timeout", Value: 10 * time.Minute, Required: false},
					&cli.BoolFlag{Name: "root-check", Usage: "verify the shadow root against the ledger after every confirmation", Value: true, Required: false},
					&cli.BoolFlag{Name: "no-server", Usage: "skip the status and metrics servers", Required: false},
				},
				Action: func(cliCtx *cli.Context) error {
					if cliCtx.Bool("json-logging") {
						logging.SetJSONOutput()
					}

					scenario, err := loadScenario(cliCtx.String("scenario"))
					if err != nil {
						return err
					}

					ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
					defer stop()

					return runScenario(ctx, cliCtx, scenario)
				},
			},
			{
				Name:  "validate",
				Usage: "check a scenario file for structural problems without running it",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "scenario", Usage: "path to a scenario JSON file", Required: true},
				},
				Action: func(cliCtx *cli.Context) error {
					scenario, err := loadScenario(cliCtx.String("scenario"))
					if err != nil {
						return err
					}
					if err := validateScenario(scenario); err != nil {
						return err
					}
					if err := scenario.topology().Validate(); err != nil {
						return err
					}
					logging.Logger().Info().
						Int("wallets", len(scenario.Wallets)).
						Int("edges", len(scenario.Edges)).
						Msg("scenario is valid")
					return nil
				},
			},
			{
				Name:  "check-balance",
				Usage: "fund the scenario's wallets and verify every balance against the ledger commitment log",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json-logging", Usage: "enable JSON logging", Required: false},
					&cli.StringFlag{Name: "scenario", Usage: "path to a scenario JSON file (omit for the built-in demo)", Required: false},
				},
				Action: func(cliCtx *cli.Context) error {
					if cliCtx.Bool("json-logging") {
						logging.SetJSONOutput()
					}
					scenario, err := loadScenario(cliCtx.String("scenario"))
					if err != nil {
						return err
					}
					return checkBalances(context.Background(), scenario)
				},
			},
			{
				Name:  "vkey",
				Usage: "print the verification-key hash of the proving backend",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "prover-url", Usage: "base URL of a remote proving service (omit for the in-process simulation prover)", Required: false},
					&cli.DurationFlag{Name: "timeout", Usage: "request timeout", Value: 30 * time.Second, Required: false},
				},
				Action: func(cliCtx *cli.Context) error {
					ctx, cancel := context.WithTimeout(context.Background(), cliCtx.Duration("timeout"))
					defer cancel()

					backend := buildBackend(cliCtx.String("prover-url"), cliCtx.Duration("timeout"), merkletree.New())
					vkeyHash, err := backend.VKeyHash(ctx)
					if err != nil {
						return err
					}
					fmt.Println(vkeyHash)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Logger().Fatal().Err(err).Msg("App failed")
	}
}

func validateScenario(s *scenarioFile) error {
	if len(s.Wallets) == 0 {
		return fmt.Errorf("scenario has no wallets")
	}
	seen := make(map[string]bool, len(s.Wallets))
	for _, w := range s.Wallets {
		if w.Name == "" {
			return fmt.Errorf("wallet with empty name")
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate wallet %q", w.Name)
		}
		seen[w.Name] = true
	}
	for _, e := range s.Edges {
		if !seen[e.From] {
			return fmt.Errorf("edge %s: unknown sender %q", e.ID, e.From)
		}
		if !seen[e.To] {
			return fmt.Errorf("edge %s: unknown receiver %q", e.ID, e.To)
		}
	}
	return nil
}

// checkBalances funds the scenario's wallets on a fresh simulated ledger
// and re-derives every balance from UTXOs verified against the commitment
// log.
func checkBalances(ctx context.Context, scenario *scenarioFile) error {
	if err := validateScenario(scenario); err != nil {
		return err
	}

	mem := ledger.NewMemory()
	verifier := security.NewVerifier(mem)
	for _, sw := range scenario.Wallets {
		w, err := wallet.New(sw.Name)
		if err != nil {
			return fmt.Errorf("creating wallet %s: %w", sw.Name, err)
		}
		for _, amount := range sw.Funding {
			blinding, err := wallet.RandomBlinding()
			if err != nil {
				return err
			}
			n := note.New(amount, w.OwnerPubkey(), blinding)
			w.AddUTXO(n, mem.Seed(n.Commitment()))
		}

		utxos := w.Unspent()
		notes := make([]note.Note, len(utxos))
		indices := make([]uint64, len(utxos))
		for i, u := range utxos {
			notes[i] = u.Note
			indices[i] = u.Index
		}
		if err := verifier.Verify(ctx, notes, indices); err != nil {
			return fmt.Errorf("wallet %s: %w", sw.Name, err)
		}
		logging.Logger().Info().
			Str("wallet", sw.Name).
			Int("utxos", len(utxos)).
			Uint64("balance", w.Balance()).
			Msg("balance verified against commitment log")
	}
	return nil
}

func runScenario(ctx context.Context, cliCtx *cli.Context, scenario *scenarioFile) error {
	if err := validateScenario(scenario); err != nil {
		return err
	}

	// Stand up the simulated ledger and fund the wallets on it.
	mem := ledger.NewMemory()
	wallets := make(map[string]*wallet.Wallet, len(scenario.Wallets))
	for _, sw := range scenario.Wallets {
		w, err := wallet.New(sw.Name)
		if err != nil {
			return fmt.Errorf("creating wallet %s: %w", sw.Name, err)
		}
		for _, amount := range sw.Funding {
			blinding, err := wallet.RandomBlinding()
			if err != nil {
				return err
			}
			n := note.New(amount, w.OwnerPubkey(), blinding)
			index := mem.Seed(n.Commitment())
			w.AddUTXO(n, index)
		}
		wallets[sw.Name] = w
		logging.Logger().Info().
			Str("wallet", sw.Name).
			Str("address", w.Address()).
			Uint64("balance", w.Balance()).
			Msg("wallet funded")
	}

	// Rebuild the shadow accumulator from the ledger's commitment log and
	// verify it against the reported root before trusting any witness.
	mirror := merkletree.NewMirror()
	if err := mirror.Sync(ctx, mem); err != nil {
		return fmt.Errorf("syncing shadow accumulator: %w", err)
	}
	tree := mirror.Tree

	backend := buildBackend(cliCtx.String("prover-url"), cliCtx.Duration("prove-timeout"), tree)
	vkeyHash, err := backend.VKeyHash(ctx)
	if err != nil {
		return fmt.Errorf("fetching verification-key hash: %w", err)
	}
	mem.ExpectedVKeyHash = vkeyHash
	logging.Logger().Info().Str("vkey_hash", vkeyHash).Msg("proving backend ready")

	redisURL := cliCtx.String("redis-url")
	if redisURL == "" {
		redisURL = os.Getenv("REDIS_URL")
	}
	var resultMirror *queue.ResultMirror
	if redisURL != "" {
		resultMirror, err = queue.NewResultMirror(redisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer resultMirror.Close()
		logging.Logger().Info().Str("redis_url", redisURL).Msg("result mirroring enabled")
	}

	q := queue.New(backend, queue.Config{
		MaxConcurrent: cliCtx.Int("max-concurrent"),
		ProveTimeout:  cliCtx.Duration("prove-timeout"),
	}, resultMirror)
	q.Start()
	defer q.Stop()

	var serverJob server.RunningJob
	if !cliCtx.Bool("no-server") {
		serverJob = server.Run(&server.Config{
			StatusAddress:  cliCtx.String("status-address"),
			MetricsAddress: cliCtx.String("metrics-address"),
		}, q)
		defer func() {
			serverJob.RequestStop()
			serverJob.AwaitStop()
		}()
	}

	b := builder.New(security.NewVerifier(mem))
	sched := scheduler.New(q, mem, b, wallets, tree, scheduler.Config{
		PollInterval: cliCtx.Duration("poll-interval"),
		MaxInFlight:  cliCtx.Int("max-concurrent"),
		RootCheck:    cliCtx.Bool("root-check"),
	})

	report, runErr := sched.Run(ctx, scenario.topology())
	if report != nil {
		printReport(report)
	}
	if runErr != nil {
		return runErr
	}
	if report != nil && (report.Failed > 0 || len(report.Violations) > 0 || report.Tainted) {
		return fmt.Errorf("run finished with %d failed edges, %d balance violations", report.Failed, len(report.Violations))
	}
	return nil
}

func printReport(report *scheduler.Report) {
	for _, e := range report.Edges {
		event := logging.Logger().Info().
			Str("edge", e.ID).
			Str("state", string(e.State)).
			Uint64("amount", e.Amount)
		if e.State == scheduler.StateConfirmed {
			event = event.
				Str("tx_hash", note.EncodeHash(e.TxHash)).
				Dur("elapsed", e.FinishedAt.Sub(e.StartedAt))
		}
		if e.FailReason != "" {
			event = event.Str("fail_reason", e.FailReason)
		}
		event.Msg("edge finished")
	}

	names := make([]string, 0, len(report.Balances))
	for name := range report.Balances {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		logging.Logger().Info().
			Str("wallet", name).
			Uint64("balance", report.Balances[name]).
			Msg("final balance")
	}

	event := logging.Logger().Info().
		Int("confirmed", report.Confirmed).
		Int("failed", report.Failed).
		Int("violations", len(report.Violations)).
		Str("final_root", note.EncodeHash(report.FinalRoot))
	if report.Tainted {
		event = event.Bool("tainted", true)
	}
	event.Msg("run finished")

	for _, v := range report.Violations {
		logging.Logger().Warn().Str("violation", v.String()).Msg("balance violation")
	}
}
