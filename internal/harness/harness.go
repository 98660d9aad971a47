package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/roach88/convo/internal/blob"
	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/session"
	"github.com/roach88/convo/internal/store"
	"github.com/roach88/convo/internal/testutil"
)

// Harness executes scenario steps against one session manager.
type Harness struct {
	store    *store.Store
	sessions *session.Manager
	project  string
	logger   *zap.Logger

	// aliases maps scenario session names to session ids.
	aliases map[string]string
}

// Option configures Run.
type Option func(*runConfig)

type runConfig struct {
	driver string
	logger *zap.Logger
}

// WithDriver selects the SQLite driver for the scenario store.
func WithDriver(name string) Option {
	return func(c *runConfig) { c.driver = name }
}

// WithLogger sets the logger for the harness and the components under test.
func WithLogger(l *zap.Logger) Option {
	return func(c *runConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Run executes a scenario in a fresh temporary data directory and returns
// the result. Errors are returned only when the scenario could not run at
// all; failed expectations are reported in the result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{driver: store.DriverCGO, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	dir, err := os.MkdirTemp("", "convo-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	blobs, err := blob.Open(filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, err
	}
	clock := testutil.NewDeterministicClock()
	st, err := store.Open(filepath.Join(dir, "convo.db"),
		store.WithDriver(cfg.driver),
		store.WithBlobs(blobs),
		store.WithClock(clock.Now),
		store.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("open scenario store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:    st,
		sessions: session.NewManager(st, session.WithClock(clock.Now), session.WithLogger(cfg.logger)),
		project:  scenario.Project,
		logger:   cfg.logger,
		aliases:  make(map[string]string),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, &AssertionContext{Ctx: ctx, Harness: h}) {
		result.AddError(msg)
	}
	return result, nil
}

// id resolves a scenario alias. Unknown aliases are used as ids directly.
func (h *Harness) id(alias string) string {
	if id, ok := h.aliases[alias]; ok {
		return id
	}
	return alias
}

// executeStep runs one step, records its trace event and checks its expect
// clause. Only infrastructure failures are returned as errors.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	ev := TraceEvent{Step: i, Op: step.Op, Session: step.Session, Outcome: "ok"}
	if step.Op == OpFork && step.As != "" {
		ev.Session = step.As
	}

	opErr := h.apply(ctx, step, &ev)
	if opErr != nil {
		var e *ir.Error
		if !errors.As(opErr, &e) {
			return opErr
		}
		ev.Outcome = string(e.Code)
	}

	if opErr == nil {
		if err := h.observe(ctx, step, &ev); err != nil {
			return err
		}
	}
	n, err := h.store.MessageCount(ctx)
	if err != nil {
		return err
	}
	ev.Messages = n
	result.AddTrace(ev)

	for _, msg := range checkExpect(i, step, ev, opErr) {
		result.AddError(msg)
	}
	h.logger.Debug("scenario step completed",
		zap.Int("step", i),
		zap.String("op", step.Op),
		zap.String("outcome", ev.Outcome))
	return nil
}

func (h *Harness) apply(ctx context.Context, step Step, ev *TraceEvent) error {
	m := h.sessions
	target := h.id(step.Session)

	switch step.Op {
	case OpCreate:
		_, err := m.Ensure(ctx, target, h.project, step.Name)
		return err

	case OpAppend:
		role := ir.RoleUser
		if step.Role != "" {
			role = ir.Role(step.Role)
		}
		count := max(step.Count, 1)
		for i := 0; i < count; i++ {
			content := step.Content
			if count > 1 {
				content = fmt.Sprintf("%s #%d", step.Content, i)
			}
			if _, err := m.AppendMessage(ctx, target, h.project, role, content); err != nil {
				return err
			}
		}
		return nil

	case OpFork:
		forked, err := m.Fork(ctx, target, step.At, step.Name)
		if err != nil {
			return err
		}
		if step.As != "" {
			h.aliases[step.As] = forked.ID
		}
		return nil

	case OpMerge:
		_, err := m.Merge(ctx, target, h.id(step.Source), step.Indices)
		return err

	case OpCherryPick:
		_, err := m.CherryPick(ctx, target, h.id(step.Source), step.Index, step.Context)
		return err

	case OpCompact:
		return m.Compact(ctx, target, step.Summary, step.Before)

	case OpClearCompaction:
		return m.ClearCompaction(ctx, target)

	case OpRename:
		return m.Rename(ctx, target, step.Name)

	case OpDelete:
		return m.Delete(ctx, target)

	case OpCleanup:
		removed, err := m.CleanupOrphans(ctx)
		if err != nil {
			return err
		}
		ev.Removed = &removed
		return nil

	case OpLoad:
		// Observed below.
		return nil
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

// observe fills the session lengths after a successful step.
func (h *Harness) observe(ctx context.Context, step Step, ev *TraceEvent) error {
	if ev.Session == "" || step.Op == OpDelete {
		return nil
	}
	loaded, err := h.sessions.Load(ctx, h.id(ev.Session))
	if err != nil {
		if ir.IsNotFound(err) && step.Op == OpLoad {
			ev.Outcome = string(ir.ErrCodeNotFound)
			return nil
		}
		return err
	}
	n, c := loaded.Manifest.Len(), len(loaded.Context)
	ev.Len, ev.ContextLen = &n, &c
	return nil
}

// checkExpect compares a step's outcome with its expect clause.
func checkExpect(i int, step Step, ev TraceEvent, opErr error) []string {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf("step %d (%s): ", i, step.Op)+fmt.Sprintf(format, args...))
	}

	want := step.Expect
	if want == nil {
		want = &Expect{}
	}

	switch {
	case want.Error != "" && ev.Outcome != want.Error:
		fail("expected error %s, got %s", want.Error, ev.Outcome)
	case want.Error == "" && ev.Outcome != "ok":
		detail := ev.Outcome
		if opErr != nil {
			detail = opErr.Error()
		}
		fail("unexpected error: %s", detail)
	}

	checkInt := func(name string, want, got *int) {
		switch {
		case want == nil:
		case got == nil:
			fail("expected %s %d, not observed", name, *want)
		case *want != *got:
			fail("expected %s %d, got %d", name, *want, *got)
		}
	}
	checkInt("len", want.Len, ev.Len)
	checkInt("context_len", want.ContextLen, ev.ContextLen)
	checkInt("removed", want.Removed, ev.Removed)
	checkInt("messages", want.Messages, &ev.Messages)
	return errs
}
