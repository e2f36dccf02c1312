// Command ger is the governed execution runtime's operator CLI: a
// default "run DSL command" mode plus approve/rollback/autonomy/
// rankings/audit/template subcommands over one shared runtime handle.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sintraprime/ger/internal/approval"
	"github.com/sintraprime/ger/internal/cli"
	"github.com/sintraprime/ger/internal/clock"
	"github.com/sintraprime/ger/internal/config"
	"github.com/sintraprime/ger/internal/executor"
	"github.com/sintraprime/ger/internal/executor/adapter"
	"github.com/sintraprime/ger/internal/governor"
	"github.com/sintraprime/ger/internal/ledger"
	"github.com/sintraprime/ger/internal/metrics"
	"github.com/sintraprime/ger/internal/model"
	"github.com/sintraprime/ger/internal/orchestrator"
	"github.com/sintraprime/ger/internal/planner"
	"github.com/sintraprime/ger/internal/policy"
	"github.com/sintraprime/ger/internal/prestate"
	"github.com/sintraprime/ger/internal/redact"
	"github.com/sintraprime/ger/internal/registry"
	"github.com/sintraprime/ger/internal/requalify"
	"github.com/sintraprime/ger/internal/state"
)

// runtime bundles every component the CLI's subcommands share, built
// fresh per invocation rather than kept in a long-lived daemon.
type runtime struct {
	cfg          config.Config
	ledger       *ledger.Store
	state        *state.Store
	governor     *governor.Governor
	approval     *approval.Manager
	executor     *executor.Executor
	requalify    *requalify.Engine
	registry     *registry.Registry
	templates    *planner.TemplateStore
	orch         *orchestrator.Orchestrator
	printer      *cli.Printer
	reader       prestate.Reader
	redactRoot   []byte
	operatorRole string
}

func newRuntime() (*runtime, error) {
	cfg := config.Load()

	l := ledger.New(cfg.RunsDir)
	st := state.New(l)
	gov := governor.New(l, governor.Config{
		Capacity:      cfg.BucketCapacity,
		RefillPerSec:  cfg.RefillRatePerSec,
		FailThreshold: cfg.CircuitFailThreshold,
		Cooldown:      time.Duration(cfg.CircuitCooldownSeconds * float64(time.Second)),
	})
	pol := policy.New(nil)
	app := approval.New(l, st, clock.System{})
	req := requalify.New(l, requalify.Config{
		ConfidenceDecayHorizon:     time.Duration(cfg.ConfidenceDecayHorizonHours) * time.Hour,
		RequiredSuccessesInHorizon: cfg.RequiredSuccessesInHorizon,
		RequiredProbationSuccesses: cfg.RequiredProbationSuccesses,
	})

	adapters := adapter.NewRegistry()
	adapters.Register(model.ActionShellRun, adapter.Shell{})
	adapters.Register(model.ActionWebhookEmit, adapter.Webhook{})
	// The Notion adapter doubles as the prestate.Reader for the
	// snapshot-before-write guard checks: whichever one gets
	// registered as the write adapter is also what Run/Resume read
	// prestate through, so guard evaluation sees the same resource the
	// write actually targets.
	var reader prestate.Reader
	if notionBase := os.Getenv("NOTION_BASE_URL"); notionBase != "" {
		live := adapter.NotionLive{BaseURL: notionBase}
		adapters.Register(model.ActionNotionLiveRead, live)
		adapters.Register(model.ActionNotionLiveWrite, live)
		reader = live
	} else {
		fake := adapter.NewFakeNotion(nil)
		adapters.Register(model.ActionNotionLiveRead, fake)
		adapters.Register(model.ActionNotionLiveWrite, fake)
		reader = fake
	}
	exec := executor.New(adapters, st, l, clock.System{})

	regPath := firstNonEmpty(os.Getenv("REGISTRY_PATH"), "registry.yaml")
	reg, err := registry.Load(regPath)
	if err != nil {
		return nil, fmt.Errorf("ger: load registry %s: %w", regPath, err)
	}

	templates := planner.NewTemplateStore(firstNonEmpty(os.Getenv("TEMPLATES_DIR"), "templates"))

	orch := orchestrator.New(orchestrator.Deps{
		Ledger: l, Registry: reg, State: st, Governor: gov, Policy: pol,
		Approval: app, Executor: exec, Requalify: req, Clock: clock.System{},
		Config: cfg, RedactRootKey: cfg.RedactRootKey,
	})

	return &runtime{
		cfg: cfg, ledger: l, state: st, governor: gov,
		approval: app, executor: exec, requalify: req, registry: reg,
		templates: templates, orch: orch, printer: cli.NewPrinter(os.Stdout),
		reader: reader, redactRoot: cfg.RedactRootKey,
		operatorRole: firstNonEmpty(os.Getenv("GER_OPERATOR_ROLE"), "operator"),
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// planFnFor returns the planner boundary for one invocation. No agent
// planner collaborator is wired in by default, so freeform DSL text
// yields NEED_INPUT unless presetTemplate names a template to run
// directly.
func planFnFor(rt *runtime, presetTemplate string, presetParams map[string]interface{}) orchestrator.PlanFunc {
	tp := planner.NewTemplatePlanner(rt.templates)
	return func(cmd model.Command) (planner.Output, error) {
		if presetTemplate != "" {
			return tp.Run(presetTemplate, presetParams)
		}
		return planner.Output{
			Kind:   planner.KindNeedInput,
			Prompt: "no planner configured for freeform commands; use 'ger template run <name> <json>'",
		}, nil
	}
}

func main() {
	root := &cobra.Command{
		Use:   "ger",
		Short: "Governed execution runtime",
	}

	root.AddCommand(runCmd(), approveCmd(), rollbackCmd(), autonomyCmd(), rankingsCmd(), auditCmd(), templateCmd(), idempotencyCmd(), serveMetricsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <command text>",
		Short: "Route a DSL command through the governance pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			raw := strings.Join(args, " ")
			result := rt.orch.Run(context.Background(), raw, planFnFor(rt, "", nil), rt.reader, rt.operatorRole)
			rt.printer.Receipt(result.Receipt)
			if result.Err != nil {
				fmt.Fprintln(os.Stderr, result.Err)
			}
			os.Exit(result.ExitCode)
			return nil
		},
	}
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <execution_id>",
		Short: "Resume a paused plan awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			result := rt.orch.Resume(context.Background(), args[0], rt.operatorRole, rt.reader)
			rt.printer.Receipt(result.Receipt)
			if result.Err != nil {
				fmt.Fprintln(os.Stderr, result.Err)
			}
			os.Exit(result.ExitCode)
			return nil
		},
	}
}

func rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <execution_id>",
		Short: "Emit a compensation plan from stored prestates and decay confidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			comp, err := rt.orch.Rollback(args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(comp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			fmt.Fprintf(os.Stderr, "ger: compensation plan persisted; run it with approval to restore prestates\n")
			return nil
		},
	}
}

// fingerprintsInLedger walks the receipt ledger and returns each
// fingerprint once, in first-seen order.
func fingerprintsInLedger(rt *runtime) ([]string, error) {
	receipts, err := rt.ledger.ReadReceipts()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, r := range receipts {
		if r.Fingerprint == "" || seen[r.Fingerprint] {
			continue
		}
		seen[r.Fingerprint] = true
		out = append(out, r.Fingerprint)
	}
	return out, nil
}

func autonomyCmd() *cobra.Command {
	c := &cobra.Command{Use: "autonomy", Short: "Requalification and promotion controls"}
	requalifyGroup := &cobra.Command{Use: "requalify", Short: "Requalification lifecycle operations"}
	promoteGroup := &cobra.Command{Use: "promote", Short: "Promotion candidate reporting"}

	scan := &cobra.Command{
		Use:   "scan",
		Short: "Walk all requalification states and emit cooldown-elapsed events",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			fingerprints, err := fingerprintsInLedger(rt)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			for _, fp := range fingerprints {
				if _, err := rt.requalify.CooldownWatcher(fp, now); err != nil {
					fmt.Fprintf(os.Stderr, "ger: requalify scan %s: %v\n", fp, err)
				}
			}
			fmt.Printf("scanned %d fingerprints\n", len(fingerprints))
			return nil
		},
	}

	activate := &cobra.Command{
		Use:   "activate <fingerprint>",
		Short: "Operator-only activation of an ELIGIBLE fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			st, err := rt.requalify.Activate(args[0], rt.operatorRole, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Printf("fingerprint=%s state=%s\n", st.Fingerprint, st.State)
			return nil
		},
	}

	recommend := &cobra.Command{
		Use:   "recommend [json]",
		Short: "Read-only promotion candidate report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			fingerprints, err := fingerprintsInLedger(rt)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			var eligible []model.Requalification
			for _, fp := range fingerprints {
				st, err := rt.ledger.ReadRequalState(fp, now)
				if err == nil && st.State == model.StateEligible {
					eligible = append(eligible, st)
				}
			}
			if len(args) == 1 && args[0] == "json" {
				out, err := json.MarshalIndent(eligible, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			for _, st := range eligible {
				fmt.Printf("%s is ELIGIBLE for activation (cause=%s since=%s)\n", st.Fingerprint, st.Cause, st.Since)
			}
			return nil
		},
	}

	requalifyGroup.AddCommand(scan, activate)
	promoteGroup.AddCommand(recommend)
	c.AddCommand(requalifyGroup, promoteGroup)
	return c
}

func rankingsCmd() *cobra.Command {
	c := &cobra.Command{Use: "rankings", Short: "Read-only operator/fingerprint rankings"}
	compute := &cobra.Command{
		Use:   "compute [days]",
		Short: "Rank fingerprints by recent successes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			days := 30
			if len(args) == 1 {
				if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
					days = n
				}
			}
			receipts, err := rt.ledger.ReadReceipts()
			if err != nil {
				return err
			}
			cutoff := time.Now().UTC().AddDate(0, 0, -days)
			counts := map[string]int{}
			for _, r := range receipts {
				if r.Status != model.StatusSuccess {
					continue
				}
				finished, err := time.Parse(time.RFC3339, r.FinishedAt)
				if err != nil || finished.Before(cutoff) {
					continue
				}
				counts[r.Fingerprint]++
			}
			ranked := make([]string, 0, len(counts))
			for fp := range counts {
				ranked = append(ranked, fp)
			}
			sort.Slice(ranked, func(i, j int) bool {
				if counts[ranked[i]] != counts[ranked[j]] {
					return counts[ranked[i]] > counts[ranked[j]]
				}
				return ranked[i] < ranked[j]
			})
			fmt.Printf("rankings over last %d days (%d fingerprints)\n", days, len(ranked))
			for _, fp := range ranked {
				fmt.Printf("  %s: %d successes\n", fp, counts[fp])
			}
			return nil
		},
	}
	c.AddCommand(compute)
	return c
}

func auditCmd() *cobra.Command {
	c := &cobra.Command{Use: "audit", Short: "Deterministic audit bundle export"}
	export := &cobra.Command{
		Use:   `export <execution_id | {"since_iso":...}>`,
		Short: "Export a redacted audit bundle for one execution or a time window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}

			var filter ledger.ExportFilter
			if strings.HasPrefix(strings.TrimSpace(args[0]), "{") {
				var scope struct {
					SinceISO string `json:"since_iso"`
				}
				if err := json.Unmarshal([]byte(args[0]), &scope); err != nil {
					return fmt.Errorf("ger: decode export scope: %w", err)
				}
				filter, err = ledger.FilterSince(scope.SinceISO)
				if err != nil {
					return err
				}
			} else {
				filter = ledger.FilterByExecutionID(args[0])
			}

			// Snapshots are stored redacted; the export pass re-applies
			// the field policy so a bundle is safe to hand off even if
			// the policy has since widened. ALLOW_UNREDACTED_AUDIT_EXPORT=1
			// skips it.
			var redactFn func(map[string]interface{}) map[string]interface{}
			if !rt.cfg.AllowUnredactedAuditExport {
				salt, err := redact.Salt(rt.redactRoot, "audit-export")
				if err != nil {
					return err
				}
				redactFn = func(snap map[string]interface{}) map[string]interface{} {
					return redact.Fields(snap, salt, nil)
				}
			}

			bundle, err := rt.ledger.Export(filter, redactFn)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(bundle, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	c.AddCommand(export)
	return c
}

func templateCmd() *cobra.Command {
	c := &cobra.Command{Use: "template", Short: "Pre-authored plan templates"}

	list := &cobra.Command{
		Use: "list",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			names, err := rt.templates.List()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:  "show <name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			tpl, err := rt.templates.Show(args[0])
			if err != nil {
				return err
			}
			fmt.Println(string(tpl.Plan))
			return nil
		},
	}

	run := &cobra.Command{
		Use:  "run <name> <json>",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			var params map[string]interface{}
			if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
				return fmt.Errorf("ger: decode template params: %w", err)
			}
			result := rt.orch.Run(context.Background(), "/template run "+args[0], planFnFor(rt, args[0], params), rt.reader, rt.operatorRole)
			rt.printer.Receipt(result.Receipt)
			if result.Err != nil {
				fmt.Fprintln(os.Stderr, result.Err)
			}
			os.Exit(result.ExitCode)
			return nil
		},
	}

	c.AddCommand(list, show, run)
	return c
}

func idempotencyCmd() *cobra.Command {
	c := &cobra.Command{Use: "idempotency", Short: "Idempotency record maintenance"}
	gc := &cobra.Command{
		Use:   "gc",
		Short: "Remove idempotency records past their TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			ttl := time.Duration(rt.cfg.IdempotencyTTLHours) * time.Hour
			removed, err := rt.ledger.SweepIdempotency(ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired idempotency records (ttl=%s)\n", removed, ttl)
			return nil
		},
	}
	c.AddCommand(gc)
	return c
}

func serveMetricsCmd() *cobra.Command {
	var addr string
	c := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve the optional Prometheus /metrics debug endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			fmt.Printf("ger: serving /metrics on %s\n", addr)
			return http.ListenAndServe(addr, mux)
		},
	}
	c.Flags().StringVar(&addr, "addr", firstNonEmpty(os.Getenv("METRICS_ADDR"), ":9090"), "address to serve /metrics on")
	return c
}
