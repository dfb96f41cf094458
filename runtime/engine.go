package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime/emit"
	"github.com/dipeo/dipeo-go/runtime/envelope"
	"github.com/dipeo/dipeo-go/runtime/state"
)

// Engine drives one execution of a compiled diagram.
//
// It runs as a single driver goroutine: each loop iteration asks the
// token manager and readiness evaluator for ready nodes, dispatches a
// batch of them to handlers with bounded parallelism, and folds
// completions back into token and state updates. The engine owns the
// execution state exclusively while running. Node-level persistence
// flows through the observer bus into the state registry; Run itself
// writes the registry directly to create the execution, save the final
// variables, and record a failed or aborted status.
type Engine struct {
	d        *diagram.Diagram
	registry state.Registry
	bus      *emit.Bus
	stateObs *emit.StateObserver
	handlers *HandlerRegistry
	services *Services
	opts     Options
	log      zerolog.Logger

	tokens *TokenManager
	ready  *ReadinessEvaluator

	execID    diagram.ExecutionID
	variables *Variables

	mu            sync.Mutex
	execCounts    map[diagram.NodeID]int
	pausedNodes   map[diagram.NodeID]bool
	skipRequested map[diagram.NodeID]bool
	pausedAll     bool

	cancelled      atomic.Bool
	cancelDispatch context.CancelFunc

	// wake pokes the driver loop out of a paused idle wait.
	wake chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand
}

// readyNode pairs a runnable node with the epoch its tokens sit at.
type readyNode struct {
	node  *diagram.Node
	epoch int
}

// nodeResult is one completed (or failed) node dispatch.
type nodeResult struct {
	node        *diagram.Node
	outputs     Outputs
	err         error
	started     time.Time
	retries     int
	outputEpoch int
}

// New creates an engine for one execution of the diagram. The bus
// should already carry the state-store observer and any streaming or
// tracing observers.
func New(d *diagram.Diagram, registry state.Registry, bus *emit.Bus, handlers *HandlerRegistry, services *Services, options ...Option) (*Engine, error) {
	if d == nil {
		return nil, errdefs.New(errdefs.KindValidation, "diagram is required")
	}
	if err := d.Validate(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, err, "invalid diagram")
	}
	if registry == nil {
		return nil, errdefs.New(errdefs.KindValidation, "state registry is required")
	}
	if handlers == nil {
		return nil, errdefs.New(errdefs.KindValidation, "handler registry is required")
	}
	if bus == nil {
		bus = emit.NewBus()
	}
	if services == nil {
		services = &Services{}
	}

	opts := defaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	opts.applyDefaults()

	e := &Engine{
		d:             d,
		registry:      registry,
		bus:           bus,
		handlers:      handlers,
		services:      services,
		opts:          opts,
		log:           opts.Log,
		tokens:        NewTokenManager(d),
		execCounts:    make(map[diagram.NodeID]int),
		pausedNodes:   make(map[diagram.NodeID]bool),
		skipRequested: make(map[diagram.NodeID]bool),
		wake:          make(chan struct{}, 1),
	}
	e.ready = NewReadinessEvaluator(d, e.tokens, e.ExecCount)
	return e, nil
}

// AttachStateObserver lets the engine watch for persistent registry
// write failures, which escalate the execution to failed.
func (e *Engine) AttachStateObserver(obs *emit.StateObserver) {
	e.stateObs = obs
}

// Tokens exposes the token manager, mainly for tests and diagnostics.
func (e *Engine) Tokens() *TokenManager {
	return e.tokens
}

// ExecCount reports how many times a node has started.
func (e *Engine) ExecCount(id diagram.NodeID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execCounts[id]
}

// initRNG seeds the retry-jitter RNG from the execution ID so delay
// sequences are reproducible per execution.
func (e *Engine) initRNG(execID diagram.ExecutionID) {
	sum := sha256.Sum256([]byte(execID))
	seed := int64(binary.BigEndian.Uint64(sum[:8])) // #nosec G115 -- deterministic seeding
	e.rngMu.Lock()
	e.rng = rand.New(rand.NewSource(seed)) // #nosec G404 -- jitter timing, not security
	e.rngMu.Unlock()
}

func (e *Engine) jitterDelay(policy RetryPolicy, attempt int) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return policy.Delay(attempt, e.rng)
}

// Run executes the diagram to a terminal status. It returns the final
// state snapshot; the error mirrors the failure recorded on it, so a
// completed execution returns (state, nil).
func (e *Engine) Run(ctx context.Context, execID diagram.ExecutionID, variables map[string]any) (*state.ExecutionState, error) {
	e.execID = execID
	e.variables = NewVariables(variables)
	e.initRNG(execID)

	if _, err := e.registry.CreateExecution(ctx, execID, e.d.ID, variables); err != nil {
		return nil, errdefs.Wrap(errdefs.KindHandlerFailure, err, "failed to create execution")
	}

	runCtx, cancel := context.WithTimeout(ctx, e.opts.ExecutionTimeout)
	defer cancel()
	dispatchCtx, cancelDispatch := context.WithCancel(runCtx)
	defer cancelDispatch()
	e.mu.Lock()
	e.cancelDispatch = cancelDispatch
	e.mu.Unlock()

	e.bus.ExecutionStart(ctx, execID, e.d.ID)

	runErr := e.loop(runCtx, dispatchCtx)

	// Push the final variables snapshot before the terminal status is
	// recorded, so the persisted row carries handler mutations.
	if st, err := e.registry.GetState(ctx, execID); err == nil {
		st.Variables = e.variables.Snapshot()
		if err := e.registry.SaveState(ctx, st); err != nil {
			e.log.Warn().Err(err).Msg("failed to save final variables")
		}
	}

	switch {
	case runErr == nil:
		e.bus.ExecutionComplete(ctx, execID)
		e.opts.Metrics.ExecutionFinished(string(state.StatusCompleted))
	case errdefs.KindOf(runErr) == errdefs.KindCancelled:
		if err := e.registry.UpdateStatus(ctx, execID, state.StatusAborted, runErr.Error()); err != nil {
			e.log.Error().Err(err).Msg("failed to record aborted status")
		}
		e.bus.ExecutionFailed(ctx, execID, runErr)
		e.opts.Metrics.ExecutionFinished(string(state.StatusAborted))
	default:
		if err := e.registry.UpdateStatus(ctx, execID, state.StatusFailed, runErr.Error()); err != nil {
			e.log.Error().Err(err).Msg("failed to record failed status")
		}
		e.bus.ExecutionFailed(ctx, execID, runErr)
		e.opts.Metrics.ExecutionFinished(string(state.StatusFailed))
	}

	st, err := e.registry.GetState(ctx, execID)
	if err != nil {
		return nil, err
	}
	return st, runErr
}

// loop is the driver: seed start nodes, then alternate between
// dispatching ready nodes and folding in completions until the diagram
// completes, deadlocks, or is cancelled.
func (e *Engine) loop(runCtx, dispatchCtx context.Context) error {
	completions := make(chan *nodeResult, e.opts.MaxParallelNodes+1)
	running := make(map[diagram.NodeID]*diagram.Node)

	for {
		if err := e.checkInterrupt(runCtx); err != nil {
			return e.drain(running, completions, err)
		}
		if e.stateObs != nil {
			if err := e.stateObs.Err(); err != nil {
				return e.drain(running, completions,
					errdefs.Wrap(errdefs.KindHandlerFailure, err, "state persistence failed"))
			}
		}

		rawReady := e.computeReady(running)
		ready := e.filterPaused(rawReady)

		if len(ready) == 0 {
			if len(running) > 0 {
				res := <-completions
				delete(running, res.node.ID)
				if err := e.handleCompletion(runCtx, res); err != nil {
					return e.drain(running, completions, err)
				}
				continue
			}
			if len(rawReady) > 0 {
				// Everything runnable is paused: wait for a control
				// action instead of tripping the deadlock detector.
				select {
				case <-e.wake:
					continue
				case <-runCtx.Done():
					continue
				}
			}
			return e.finish()
		}

		budget := e.opts.MaxParallelNodes - countBudgeted(running)
		dispatched := 0
		for _, rn := range ready {
			if budget <= 0 {
				break
			}
			if e.takeSkipRequest(rn.node.ID) {
				e.skipNode(runCtx, rn)
				dispatched++
				continue
			}

			outputEpoch := rn.epoch
			e.mu.Lock()
			e.execCounts[rn.node.ID]++
			isRerun := e.execCounts[rn.node.ID] > 1
			e.mu.Unlock()
			if isRerun {
				// Loop re-entry: publish this iteration's outputs in a
				// fresh epoch so downstream watermarks restart cleanly.
				outputEpoch = e.tokens.BeginEpoch()
			}

			running[rn.node.ID] = rn.node
			if rn.node.Type != diagram.NodeUserResponse {
				budget--
			}
			dispatched++

			e.opts.Metrics.NodeStarted()
			e.bus.NodeStart(runCtx, e.execID, rn.node.ID)
			go e.dispatch(dispatchCtx, rn.node, rn.epoch, outputEpoch, completions)
		}

		if dispatched == 0 && len(running) > 0 {
			// Budget exhausted: wait for one completion before retrying.
			res := <-completions
			delete(running, res.node.ID)
			if err := e.handleCompletion(runCtx, res); err != nil {
				return e.drain(running, completions, err)
			}
		}
	}
}

// checkInterrupt translates cancellation and timeout into taxonomy
// errors.
func (e *Engine) checkInterrupt(ctx context.Context) error {
	if e.cancelled.Load() {
		return errdefs.New(errdefs.KindCancelled, "execution aborted")
	}
	if err := ctx.Err(); err != nil {
		if err == context.DeadlineExceeded {
			return errdefs.New(errdefs.KindTimeout, "execution timed out")
		}
		return errdefs.Wrap(errdefs.KindCancelled, err, "execution cancelled")
	}
	return nil
}

// computeReady collects runnable nodes in stable order: topological
// index first, then node ID. Start nodes are seeded ready until their
// single execution; iteration-capped nodes are excluded here and
// surfaced by the deadlock check instead.
func (e *Engine) computeReady(running map[diagram.NodeID]*diagram.Node) []readyNode {
	var out []readyNode

	for i := range e.d.Nodes {
		n := &e.d.Nodes[i]
		if _, inFlight := running[n.ID]; inFlight {
			continue
		}
		if n.Type == diagram.NodeStart {
			// Start nodes have no inbound edges; they are seeded ready
			// exactly once per execution.
			if e.ExecCount(n.ID) == 0 {
				out = append(out, readyNode{node: n, epoch: e.tokens.CurrentEpoch()})
			}
			continue
		}
		if e.ExecCount(n.ID) >= n.MaxIterations() {
			continue
		}
		epoch, ok := e.ready.Ready(n.ID)
		if !ok {
			continue
		}
		out = append(out, readyNode{node: n, epoch: epoch})
	}

	sort.Slice(out, func(i, j int) bool {
		ti, tj := e.d.TopoIndex(out[i].node.ID), e.d.TopoIndex(out[j].node.ID)
		if ti != tj {
			return ti < tj
		}
		return out[i].node.ID < out[j].node.ID
	})
	return out
}

func (e *Engine) filterPaused(ready []readyNode) []readyNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pausedAll {
		return nil
	}
	out := make([]readyNode, 0, len(ready))
	for _, rn := range ready {
		if e.pausedNodes[rn.node.ID] {
			continue
		}
		out = append(out, rn)
	}
	return out
}

// countBudgeted counts running nodes against the parallelism budget.
// Nodes suspended on interactive prompts do not consume budget.
func countBudgeted(running map[diagram.NodeID]*diagram.Node) int {
	n := 0
	for _, node := range running {
		if node.Type != diagram.NodeUserResponse {
			n++
		}
	}
	return n
}

func (e *Engine) takeSkipRequest(id diagram.NodeID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.skipRequested[id] {
		return false
	}
	delete(e.skipRequested, id)
	return true
}

// skipNode resolves a skip request: the node never runs, its inbound
// tokens are consumed, and a synthetic empty envelope is published on
// the default port when the type normally produces output.
func (e *Engine) skipNode(ctx context.Context, rn readyNode) {
	e.tokens.ConsumeInbound(rn.node.ID, rn.epoch)
	if rn.node.Type != diagram.NodeEndpoint {
		published := e.tokens.EmitOutputs(rn.node.ID, Outputs{
			diagram.PortDefault: envelope.Empty(rn.node.ID),
		}, rn.epoch)
		e.opts.Metrics.TokensPublished(published)
	}
	e.bus.NodeSkipped(ctx, e.execID, rn.node.ID, "skip requested")
}

// dispatch runs one node in its own goroutine: consume inbound tokens,
// resolve the handler, apply timeout and retry policy, and report the
// result.
func (e *Engine) dispatch(ctx context.Context, node *diagram.Node, consumeEpoch, outputEpoch int, completions chan<- *nodeResult) {
	started := time.Now()
	res := &nodeResult{node: node, started: started, outputEpoch: outputEpoch}
	defer func() { completions <- res }()

	inputs := e.tokens.ConsumeInbound(node.ID, consumeEpoch)

	handler, ok := e.handlers.Resolve(node.Type)
	if !ok {
		res.err = errdefs.Newf(errdefs.KindValidation, "no handler registered for node type %q", node.Type)
		return
	}
	if err := e.handlers.Spec(node.Type).validate(node, e.services); err != nil {
		res.err = err
		return
	}

	timeout := node.Config.Duration("timeout", e.opts.NodeTimeout)
	if node.Type == diagram.NodeUserResponse {
		// The prompt broker owns the deadline for interactive nodes;
		// its timeout resolves the prompt with an empty string rather
		// than failing the node.
		timeout = 0
	}
	policy := RetryPolicyFromConfig(node.Config, e.opts.Retry)

	req := &Request{
		ExecutionID: e.execID,
		Node:        node,
		Diagram:     e.d,
		Inputs:      inputs,
		Variables:   e.variables,
		Services:    e.services,
		Epoch:       outputEpoch,
		ExecCount:   e.ExecCount(node.ID),
		Interactive: e.opts.Interactive,
		Counts:      e.ExecCount,
	}

	for attempt := 0; ; attempt++ {
		req.Attempt = attempt

		nodeCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		outputs, err := handler.Execute(nodeCtx, req)
		if cancel != nil {
			if nodeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				err = errdefs.Newf(errdefs.KindTimeout, "node exceeded timeout of %v", timeout)
			}
			cancel()
		}

		if err == nil {
			res.outputs = outputs
			res.retries = attempt
			return
		}
		if ctx.Err() != nil {
			if ctx.Err() == context.DeadlineExceeded {
				res.err = errdefs.Wrap(errdefs.KindTimeout, ctx.Err(), "execution deadline exceeded")
			} else {
				res.err = errdefs.Wrap(errdefs.KindCancelled, ctx.Err(), "node cancelled")
			}
			return
		}
		if !errdefs.IsRetryable(err) || attempt+1 >= policy.MaxAttempts {
			res.err = err
			res.retries = attempt
			return
		}

		e.opts.Metrics.NodeRetried(string(node.Type))
		delay := e.jitterDelay(policy, attempt)
		e.log.Debug().
			Str("node_id", string(node.ID)).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying transient node failure")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			res.err = errdefs.Wrap(errdefs.KindCancelled, ctx.Err(), "node cancelled during backoff")
			return
		}
	}
}

// handleCompletion folds a finished dispatch back into token, state,
// and observer updates. A non-nil return fails the execution.
func (e *Engine) handleCompletion(ctx context.Context, res *nodeResult) error {
	elapsed := time.Since(res.started)

	if res.err != nil {
		e.opts.Metrics.NodeFinished(string(res.node.Type), "error", elapsed)
		e.bus.NodeError(ctx, e.execID, res.node.ID, res.err)

		if res.node.OnError() == "continue" {
			// Outputs dropped; downstream edges behave as absent.
			e.log.Warn().
				Str("node_id", string(res.node.ID)).
				Err(res.err).
				Msg("node failed, continuing per on_error policy")
			return nil
		}
		if kindErr, ok := res.err.(*errdefs.Error); ok {
			failure := *kindErr
			failure.NodeID = string(res.node.ID)
			failure.RetryCount = res.retries
			return &failure
		}
		return &errdefs.Error{
			Kind:       errdefs.KindHandlerFailure,
			Message:    res.err.Error(),
			NodeID:     string(res.node.ID),
			RetryCount: res.retries,
		}
	}

	outputs := e.stampOutputs(res, elapsed)
	published := e.tokens.EmitOutputs(res.node.ID, outputs, res.outputEpoch)
	e.opts.Metrics.TokensPublished(published)
	e.opts.Metrics.NodeFinished(string(res.node.Type), "success", elapsed)

	e.bus.NodeComplete(ctx, e.execID, res.node.ID, representative(outputs))
	return nil
}

// stampOutputs clones each output envelope with execution metadata
// (duration, retry count) before publication; the originals stay
// immutable.
func (e *Engine) stampOutputs(res *nodeResult, elapsed time.Duration) Outputs {
	stamped := make(Outputs, len(res.outputs))
	for port, env := range res.outputs {
		if env == nil {
			continue
		}
		meta := env.Meta
		meta.ExecutionTime = elapsed
		meta.RetryCount = res.retries
		stamped[port] = env.WithMeta(meta)
	}
	return stamped
}

// representative picks the envelope persisted as the node's output:
// default port first, then the condition ports, then the first
// remaining port in sorted order.
func representative(outputs Outputs) *envelope.Envelope {
	for _, port := range []string{diagram.PortDefault, diagram.PortCondTrue, diagram.PortCondFalse} {
		if env, ok := outputs[port]; ok && env != nil {
			return env
		}
	}
	ports := make([]string, 0, len(outputs))
	for port := range outputs {
		ports = append(ports, port)
	}
	sort.Strings(ports)
	for _, port := range ports {
		if env := outputs[port]; env != nil {
			return env
		}
	}
	return nil
}

// finish decides the terminal status once no node is ready and none is
// running. Execution completes iff no node is starved mid-join and no
// capped node is being asked to run again; otherwise the trip is a
// failure.
func (e *Engine) finish() error {
	for i := range e.d.Nodes {
		n := &e.d.Nodes[i]
		epochs := e.tokens.EpochsWithUnconsumed(n.ID)
		if len(epochs) == 0 {
			continue
		}
		if e.ExecCount(n.ID) >= n.MaxIterations() {
			for _, epoch := range epochs {
				if e.ready.ReadyAt(n.ID, epoch) {
					return errdefs.Newf(errdefs.KindHandlerFailure,
						"node %s reached max iterations (%d) with pending input", n.ID, n.MaxIterations())
				}
			}
			continue
		}
		// Unconsumed tokens but not ready at any epoch: the node is
		// starved on a partial join that can no longer complete.
		return errdefs.Newf(errdefs.KindDeadlock, "deadlock: node %s starved on partial inputs", n.ID)
	}
	return nil
}

// drain waits for in-flight handlers to honour cancellation, bounded
// by the cancel grace period, then returns the terminating error.
func (e *Engine) drain(running map[diagram.NodeID]*diagram.Node, completions <-chan *nodeResult, cause error) error {
	e.mu.Lock()
	if e.cancelDispatch != nil {
		e.cancelDispatch()
	}
	e.mu.Unlock()

	deadline := time.NewTimer(e.opts.CancelGrace)
	defer deadline.Stop()
	for len(running) > 0 {
		select {
		case res := <-completions:
			delete(running, res.node.ID)
		case <-deadline.C:
			e.log.Warn().
				Int("in_flight", len(running)).
				Msg("cancel grace expired with handlers still running")
			return cause
		}
	}
	return cause
}

// Abort requests cooperative cancellation of the execution.
func (e *Engine) Abort() {
	e.cancelled.Store(true)
	e.mu.Lock()
	if e.cancelDispatch != nil {
		e.cancelDispatch()
	}
	e.mu.Unlock()
	e.poke()
}

// Pause blocks all further dispatch until Resume.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.pausedAll = true
	e.mu.Unlock()
}

// Resume lifts an execution-level pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.pausedAll = false
	e.mu.Unlock()
	e.poke()
}

// PauseNode blocks dispatch of one node.
func (e *Engine) PauseNode(id diagram.NodeID) {
	e.mu.Lock()
	e.pausedNodes[id] = true
	e.mu.Unlock()
}

// ResumeNode lifts a per-node pause and re-evaluates readiness.
func (e *Engine) ResumeNode(id diagram.NodeID) {
	e.mu.Lock()
	delete(e.pausedNodes, id)
	e.mu.Unlock()
	e.poke()
}

// RequestSkip marks a node to be skipped instead of dispatched the
// next time it becomes ready.
func (e *Engine) RequestSkip(id diagram.NodeID) {
	e.mu.Lock()
	e.skipRequested[id] = true
	e.mu.Unlock()
	e.poke()
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
