// Package engine builds a scoring pipeline's operator DAG from a YAML plan and
// runs operators as goroutines wired by channels.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/boostsql/pkg/expr"
	"github.com/sandboxws/boostsql/pkg/metrics"
	"github.com/sandboxws/boostsql/pkg/model"
	"github.com/sandboxws/boostsql/pkg/operator"
	"github.com/sandboxws/boostsql/pkg/udf"
)

const defaultChannelBuffer = 16

// OperatorFactory creates an Operator (or Source/Sink) from an OperatorNode descriptor.
type OperatorFactory func(node *OperatorNode) (interface{}, error)

// Option configures an Engine.
type Option func(*Engine)

// WithModelCache shares a model cache with other engines or sessions.
func WithModelCache(c *model.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine executes an operator DAG from a Plan.
type Engine struct {
	plan    *Plan
	alloc   memory.Allocator
	factory OperatorFactory
	logger  *slog.Logger
	cache   *model.Cache
	funcs   *expr.Registry

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	stages []*operator.Context
}

// NewEngine creates a new execution engine for the given plan. A nil factory
// means DefaultFactory.
func NewEngine(plan *Plan, alloc memory.Allocator, factory OperatorFactory, opts ...Option) *Engine {
	if factory == nil {
		factory = DefaultFactory
	}
	e := &Engine{
		plan:    plan,
		alloc:   alloc,
		factory: factory,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("pipeline", plan.PipelineName)
	return e
}

// operatorInstance holds an instantiated operator with its metadata.
type operatorInstance struct {
	node     *OperatorNode
	impl     interface{} // operator.Operator, operator.Source, or operator.Sink
	inputChs  []chan arrow.Record
	outputChs []chan arrow.Record
}

// Run builds the DAG, wires channels, and starts all operators.
// Blocks until ctx is cancelled or all operators complete.
func (e *Engine) Run(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	defer e.cancel()

	if err := ValidatePlan(e.plan); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	e.stages = nil

	// Every operator resolves onehot and predict from one registry, so the
	// model is loaded once per pipeline.
	e.funcs = expr.NewRegistry()
	if err := udf.Register(e.funcs, udf.Config{
		ModelPath:    e.plan.Model.Path,
		ModelFormat:  model.Format(e.plan.Model.Format),
		PredictArity: e.plan.Model.PredictArity,
		Cache:        e.cache,
	}); err != nil {
		return fmt.Errorf("register functions: %w", err)
	}

	// Build the adjacency lists.
	adj := buildAdjacency(e.plan)

	// Identify chains of forward-connected operators for fusion.
	chains := identifyChains(e.plan, adj)

	// Create operator instances.
	instances := make(map[string]*operatorInstance)
	for _, op := range e.plan.Operators {
		impl, err := e.factory(op)
		if err != nil {
			return fmt.Errorf("create operator %s (%s): %w", op.ID, op.Name, err)
		}
		instances[op.ID] = &operatorInstance{
			node: op,
			impl: impl,
		}
	}

	// Create channels between non-chained operators.
	for _, edge := range e.plan.Edges {
		// Skip channel creation for forward edges within a chain.
		if isChainedEdge(chains, edge.From, edge.To) {
			continue
		}

		ch := make(chan arrow.Record, defaultChannelBuffer)
		instances[edge.From].outputChs = append(instances[edge.From].outputChs, ch)
		instances[edge.To].inputChs = append(instances[edge.To].inputChs, ch)
	}

	// Start operators.
	for _, chain := range chains {
		if len(chain) > 1 {
			// Fused chain: run all chained operators in a single goroutine.
			e.startChain(ctx, chain, instances)
		} else {
			e.startSingle(ctx, chain[0], instances)
		}
	}

	// Start standalone operators not in any chain.
	inChain := make(map[string]bool)
	for _, chain := range chains {
		for _, id := range chain {
			inChain[id] = true
		}
	}
	for _, op := range e.plan.Operators {
		if !inChain[op.ID] {
			e.startSingle(ctx, op.ID, instances)
		}
	}

	e.logger.Info("pipeline started", "operators", len(e.plan.Operators), "chains", len(chains))

	// Wait for all goroutines to finish.
	e.wg.Wait()
	e.logSummary()
	return nil
}

// newContext builds the operator context every operator of this engine gets.
func (e *Engine) newContext(ctx context.Context, node *OperatorNode) *operator.Context {
	opCtx := operator.NewContext(ctx, e.alloc, node.ID, node.Name)
	opCtx.Logger = e.logger.With("operator", node.ID, "name", node.Name)
	opCtx.Functions = e.funcs
	e.mu.Lock()
	e.stages = append(e.stages, opCtx)
	e.mu.Unlock()
	return opCtx
}

// logSummary logs the counters of every stage once the pipeline has drained.
func (e *Engine) logSummary() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.stages {
		batches, rows, errs := c.Metrics.Snapshot()
		e.logger.Info("operator finished",
			"operator", c.OperatorID, "name", c.OperatorName,
			"batches", batches, "rows", rows, "errors", errs)
	}
	e.logger.Info("pipeline finished")
}

// process runs one batch through op and records its metrics.
func (e *Engine) process(opCtx *operator.Context, op operator.Operator, batch arrow.Record) ([]arrow.Record, error) {
	start := time.Now()
	rows := batch.NumRows()
	outputs, err := op.ProcessBatch(batch)
	if err != nil {
		opCtx.Metrics.Errors.Add(1)
		metrics.Errors.WithLabelValues(opCtx.OperatorID, opCtx.OperatorName).Inc()
		return nil, err
	}
	opCtx.Metrics.BatchesProcessed.Add(1)
	opCtx.Metrics.RowsProcessed.Add(rows)
	metrics.BatchesProcessed.WithLabelValues(opCtx.OperatorID, opCtx.OperatorName).Inc()
	metrics.RowsProcessed.WithLabelValues(opCtx.OperatorID, opCtx.OperatorName).Add(float64(rows))
	metrics.BatchLatency.WithLabelValues(opCtx.OperatorID, opCtx.OperatorName).Observe(time.Since(start).Seconds())
	return outputs, nil
}

// Stop triggers a graceful shutdown.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// startSingle runs one plan node on its own goroutine.
func (e *Engine) startSingle(ctx context.Context, id string, instances map[string]*operatorInstance) {
	inst := instances[id]
	opCtx := e.newContext(ctx, inst.node)

	var run func()
	switch impl := inst.impl.(type) {
	case operator.Source:
		out := e.outputFor(inst)
		run = func() { e.runSource(opCtx, impl, out) }
	case operator.Sink:
		run = func() { e.runSink(opCtx, impl, inst.inputChs) }
	case operator.Operator:
		out := e.outputFor(inst)
		run = func() {
			e.runChain([]string{id}, []operator.Operator{impl}, []*operator.Context{opCtx}, inst.inputChs, out)
		}
	default:
		e.logger.Error("plan node is not a source, operator or sink", "operator", id, "type", fmt.Sprintf("%T", impl))
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		run()
	}()
}

func (e *Engine) runSource(opCtx *operator.Context, src operator.Source, out chan arrow.Record) {
	if err := src.Open(opCtx); err != nil {
		e.logger.Error("source open failed", "operator", opCtx.OperatorID, "error", err)
		close(out)
		return
	}
	defer src.Close()
	if err := src.Run(opCtx, out); err != nil {
		e.logger.Error("source run failed", "operator", opCtx.OperatorID, "error", err)
	}
}

func (e *Engine) runSink(opCtx *operator.Context, sink operator.Sink, inputs []chan arrow.Record) {
	if err := sink.Open(opCtx); err != nil {
		e.logger.Error("sink open failed", "operator", opCtx.OperatorID, "error", err)
		drain(inputs)
		return
	}
	defer sink.Close()

	id, name := opCtx.OperatorID, opCtx.OperatorName
	receive(inputs, func(batch arrow.Record) {
		defer batch.Release()
		if err := sink.WriteBatch(batch); err != nil {
			opCtx.Metrics.Errors.Add(1)
			metrics.Errors.WithLabelValues(id, name).Inc()
			e.logger.Error("sink write failed", "operator", id, "error", err)
			return
		}
		opCtx.Metrics.RowsProcessed.Add(batch.NumRows())
		metrics.RowsProcessed.WithLabelValues(id, name).Add(float64(batch.NumRows()))
	})
}

// startChain runs forward-connected operators on one goroutine, handing
// batches from one to the next without channels.
func (e *Engine) startChain(ctx context.Context, chain []string, instances map[string]*operatorInstance) {
	ops := make([]operator.Operator, len(chain))
	for i, id := range chain {
		op, ok := instances[id].impl.(operator.Operator)
		if !ok {
			e.logger.Warn("source or sink inside a chain, starting its members separately", "operator", id)
			for _, member := range chain {
				e.startSingle(ctx, member, instances)
			}
			return
		}
		ops[i] = op
	}
	ctxs := make([]*operator.Context, len(chain))
	for i, id := range chain {
		ctxs[i] = e.newContext(ctx, instances[id].node)
	}
	inputs := instances[chain[0]].inputChs
	output := e.outputFor(instances[chain[len(chain)-1]])

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runChain(chain, ops, ctxs, inputs, output)
	}()
}

// runChain opens ops in order, pushes every input batch through all of them
// and sends the results on out. A single operator is a chain of one. out is
// closed on return so downstream stages finish.
func (e *Engine) runChain(ids []string, ops []operator.Operator, ctxs []*operator.Context, inputs []chan arrow.Record, out chan arrow.Record) {
	if out != nil {
		defer close(out)
	}
	for i, op := range ops {
		if err := op.Open(ctxs[i]); err != nil {
			e.logger.Error("operator open failed", "operator", ids[i], "error", err)
			for _, opened := range ops[:i] {
				opened.Close()
			}
			drain(inputs)
			return
		}
	}
	defer func() {
		for _, op := range ops {
			op.Close()
		}
	}()

	receive(inputs, func(batch arrow.Record) {
		batches := []arrow.Record{batch}
		for i, op := range ops {
			var next []arrow.Record
			for _, b := range batches {
				outputs, err := e.process(ctxs[i], op, b)
				b.Release()
				if err != nil {
					e.logger.Error("process batch failed", "operator", ids[i], "error", err)
					continue
				}
				next = append(next, outputs...)
			}
			batches = next
		}
		for _, b := range batches {
			if out == nil {
				b.Release()
				continue
			}
			out <- b
		}
	})
}

// outputFor returns the channel a node writes its batches to. A node with
// several downstream edges gets a channel of its own that broadcast copies
// onto each of them. A source nobody consumes has its batches released.
func (e *Engine) outputFor(inst *operatorInstance) chan arrow.Record {
	outs := inst.outputChs
	if len(outs) == 1 {
		return outs[0]
	}
	if _, ok := inst.impl.(operator.Source); len(outs) == 0 && !ok {
		return nil
	}
	ch := make(chan arrow.Record, defaultChannelBuffer)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		broadcast(ch, outs)
	}()
	return ch
}

// broadcast sends every batch from in to all outs, retaining it once per
// extra consumer, and closes outs once in is closed.
func broadcast(in chan arrow.Record, outs []chan arrow.Record) {
	defer func() {
		for _, out := range outs {
			close(out)
		}
	}()
	for batch := range in {
		if len(outs) == 0 {
			batch.Release()
			continue
		}
		for range outs[1:] {
			batch.Retain()
		}
		for _, out := range outs {
			out <- batch
		}
	}
}

// receive calls fn for every batch arriving on inputs until all are closed.
// Inputs are read concurrently so a slow upstream never stalls a sibling
// that shares an ancestor with it.
func receive(inputs []chan arrow.Record, fn func(arrow.Record)) {
	if len(inputs) == 1 {
		for batch := range inputs[0] {
			fn(batch)
		}
		return
	}
	merged := make(chan arrow.Record)
	var wg sync.WaitGroup
	for _, in := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range in {
				merged <- batch
			}
		}()
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	for batch := range merged {
		fn(batch)
	}
}

// drain releases every batch still arriving on chs, so upstream operators are
// never blocked by a consumer that failed to open.
func drain(chs []chan arrow.Record) {
	receive(chs, func(batch arrow.Record) { batch.Release() })
}

// adjacency represents the DAG adjacency lists.
type adjacency struct {
	downstream map[string][]*Edge
	upstream   map[string][]*Edge
}

func buildAdjacency(plan *Plan) adjacency {
	adj := adjacency{
		downstream: make(map[string][]*Edge),
		upstream:   make(map[string][]*Edge),
	}
	for _, edge := range plan.Edges {
		adj.downstream[edge.From] = append(adj.downstream[edge.From], edge)
		adj.upstream[edge.To] = append(adj.upstream[edge.To], edge)
	}
	return adj
}

// identifyChains finds sequences of operators connected by forward edges
// where each operator has exactly one downstream and one upstream (linear chain).
func identifyChains(plan *Plan, adj adjacency) [][]string {
	var chains [][]string
	visited := make(map[string]bool)

	// Sources (no upstream) and sinks (no downstream) never join a chain.
	for _, op := range plan.Operators {
		if visited[op.ID] {
			continue
		}
		if len(adj.upstream[op.ID]) == 0 {
			continue
		}
		downs := adj.downstream[op.ID]
		if len(downs) != 1 || !downs[0].forward() {
			continue
		}

		// Walk the chain forward.
		chain := []string{op.ID}
		visited[op.ID] = true
		current := downs[0].To

		for {
			ups := adj.upstream[current]
			downs := adj.downstream[current]
			if len(ups) != 1 || !ups[0].forward() || len(downs) == 0 {
				break
			}

			chain = append(chain, current)
			visited[current] = true

			if len(downs) != 1 || !downs[0].forward() {
				break
			}
			current = downs[0].To
		}

		if len(chain) > 1 {
			chains = append(chains, chain)
		}
	}

	return chains
}

// isChainedEdge checks if two operators are adjacent within the same chain.
func isChainedEdge(chains [][]string, from, to string) bool {
	for _, chain := range chains {
		for i := 0; i < len(chain)-1; i++ {
			if chain[i] == from && chain[i+1] == to {
				return true
			}
		}
	}
	return false
}
