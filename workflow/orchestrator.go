package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/crystalflow/internal/dag"
	"github.com/hrygo/crystalflow/queue"
	"github.com/hrygo/crystalflow/store"
)

// ErrWorkflowNotFound reports an operation against an unregistered workflow.
var ErrWorkflowNotFound = errors.New("workflow not found")

// QueueManager is the slice of the queue manager the orchestrator depends on.
type QueueManager interface {
	Enqueue(ctx context.Context, jobID int64, priority store.Priority, deps []int64, runnerType string, clusterID int64, userID string, maxRetries int, resources map[string]float64) error
	Cancel(ctx context.Context, jobID int64) (bool, error)
	RegisterCallback(jobID int64, fn queue.CompletionCallback)
}

// Options tunes the orchestrator.
type Options struct {
	// EventCallback receives lifecycle events; nil disables delivery.
	EventCallback EventCallback
	// ScratchBase overrides the work-directory root; empty applies the
	// CRY_SCRATCH_BASE / CRY23_SCRDIR / temp-dir fallback chain.
	ScratchBase string
	// MonitorInterval is the safety-net poll period. Defaults to 5s.
	MonitorInterval time.Duration
}

type nodeRef struct {
	workflowID string
	nodeID     string
}

// Orchestrator executes multi-step calculation workflows: it validates DAGs,
// resolves parameter templates from predecessor results, submits jobs in
// dependency order, and drives failure policies.
type Orchestrator struct {
	store   *store.Store
	queue   QueueManager
	scratch *scratchManager
	events  *eventDispatcher
	traceID string

	mu        sync.Mutex
	workflows map[string]*Definition
	states    map[string]*State
	nodes     map[string]map[string]*Node
	jobIndex  map[int64]nodeRef

	extractors map[string]ExtractorFunc

	monitorInterval time.Duration
	running         bool
	cancel          context.CancelFunc
	monitorDone     chan struct{}
}

// NewOrchestrator wires an orchestrator to the store and queue manager. The
// built-in extractors (energy, bandgap, lattice) are registered here.
func NewOrchestrator(st *store.Store, qm QueueManager, opts Options) *Orchestrator {
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 5 * time.Second
	}
	o := &Orchestrator{
		store:           st,
		queue:           qm,
		scratch:         newScratchManager(opts.ScratchBase),
		events:          newEventDispatcher(opts.EventCallback),
		traceID:         uuid.NewString(),
		workflows:       make(map[string]*Definition),
		states:          make(map[string]*State),
		nodes:           make(map[string]map[string]*Node),
		jobIndex:        make(map[int64]nodeRef),
		extractors:      make(map[string]ExtractorFunc),
		monitorInterval: opts.MonitorInterval,
	}
	o.RegisterParser("energy", extractEnergy)
	o.RegisterParser("bandgap", extractBandgap)
	o.RegisterParser("lattice", extractLattice)
	return o
}

// RegisterParser adds a named result extractor usable from a node's
// output_parsers list.
func (o *Orchestrator) RegisterParser(name string, fn ExtractorFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.extractors[name] = fn
}

// RegisterWorkflow validates a workflow definition and stores it together
// with fresh runtime state. Validation failures leave no trace of the
// workflow behind.
func (o *Orchestrator) RegisterWorkflow(def *Definition) error {
	if def.ID == "" {
		def.ID = shortuuid.New()
	}
	if def.DefaultFailurePolicy == "" {
		def.DefaultFailurePolicy = PolicyAbort
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}

	def.Status = StatusValidating
	if err := o.validate(def); err != nil {
		def.Status = StatusInvalid
		return err
	}
	def.Status = StatusValid

	o.mu.Lock()
	defer o.mu.Unlock()

	o.workflows[def.ID] = def
	lookup := make(map[string]*Node, len(def.Nodes))
	for _, node := range def.Nodes {
		if node.Status == "" {
			node.Status = NodePending
		}
		if node.Type == "" {
			node.Type = NodeCalculation
		}
		lookup[node.ID] = node
	}
	o.nodes[def.ID] = lookup

	state := newState(def.ID)
	state.Status = StatusValid
	o.states[def.ID] = state

	slog.Info("workflow: registered", "workflow_id", def.ID, "name", def.Name, "nodes", len(def.Nodes))
	return nil
}

func (o *Orchestrator) validate(def *Definition) error {
	if len(def.Nodes) == 0 {
		return errors.New("workflow has no nodes")
	}

	lookup := make(map[string]*Node, len(def.Nodes))
	for _, node := range def.Nodes {
		if node.ID == "" {
			return errors.New("node with empty id")
		}
		if _, dup := lookup[node.ID]; dup {
			return errors.Errorf("duplicate node id %q", node.ID)
		}
		lookup[node.ID] = node
	}

	// Fold explicit edges into the per-node dependency lists.
	for _, edge := range def.Edges {
		if _, ok := lookup[edge.From]; !ok {
			return errors.Errorf("edge references unknown node %q", edge.From)
		}
		to, ok := lookup[edge.To]
		if !ok {
			return errors.Errorf("edge references unknown node %q", edge.To)
		}
		if !contains(to.Dependencies, edge.From) {
			to.Dependencies = append(to.Dependencies, edge.From)
		}
	}

	graph := make(map[string][]string, len(def.Nodes))
	for _, node := range def.Nodes {
		for _, dep := range node.Dependencies {
			if _, ok := lookup[dep]; !ok {
				return errors.Errorf("node %q has missing dependency %q", node.ID, dep)
			}
		}
		graph[node.ID] = node.Dependencies
	}
	if err := dag.AssertAcyclic(graph, fmt.Sprintf("workflow %q", def.Name)); err != nil {
		return err
	}

	for _, node := range def.Nodes {
		if err := validateNode(node, lookup); err != nil {
			return err
		}
	}

	// Disconnected nodes are legal (single-step workflows, independent
	// sweeps) but often indicate a forgotten dependency.
	if len(def.Nodes) > 1 {
		for _, node := range def.Nodes {
			if len(node.Dependencies) == 0 && len(dependentIDs(def.Nodes, node.ID)) == 0 {
				slog.Warn("workflow: node has no connections", "workflow", def.Name, "node_id", node.ID)
			}
		}
	}

	order, err := topologicalOrder(def.Nodes)
	if err != nil {
		return err
	}
	def.ExecutionOrder = order
	return nil
}

func dependentIDs(nodes []*Node, id string) []string {
	var out []string
	for _, node := range nodes {
		if contains(node.Dependencies, id) {
			out = append(out, node.ID)
		}
	}
	return out
}

// validateNode confines template references to declared dependencies and
// checks the per-type required fields.
func validateNode(node *Node, lookup map[string]*Node) error {
	checkRefs := func(field, s string) error {
		for _, ref := range templateRefs(s) {
			refNode := ref[0]
			if _, exists := lookup[refNode]; !exists {
				continue // a global parameter with a dotted name, not a node reference
			}
			if refNode == node.ID || !contains(node.Dependencies, refNode) {
				return errors.Errorf("node %q %s references node %q without depending on it", node.ID, field, refNode)
			}
		}
		return nil
	}

	if err := checkRefs("template", node.Template); err != nil {
		return err
	}
	for key, value := range node.Parameters {
		if s, ok := value.(string); ok {
			if err := checkRefs(fmt.Sprintf("parameter %q", key), s); err != nil {
				return err
			}
		}
	}

	switch node.Type {
	case NodeCondition:
		if node.ConditionExpr == "" {
			return errors.Errorf("condition node %q has no expression", node.ID)
		}
		if len(node.TrueBranch) == 0 && len(node.FalseBranch) == 0 {
			return errors.Errorf("condition node %q has no branches", node.ID)
		}
	case NodeDataTransfer:
		if node.SourceNode == "" {
			return errors.Errorf("data transfer node %q has no source node", node.ID)
		}
		if _, ok := lookup[node.SourceNode]; !ok {
			return errors.Errorf("data transfer node %q has unknown source %q", node.ID, node.SourceNode)
		}
		if len(node.SourceFiles) == 0 {
			return errors.Errorf("data transfer node %q has no source files", node.ID)
		}
	case NodeAggregation:
		switch node.AggregationFunc {
		case "mean", "min", "max", "collect":
		default:
			return errors.Errorf("aggregation node %q has invalid function %q", node.ID, node.AggregationFunc)
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// topologicalOrder runs Kahn's algorithm over the node dependencies.
func topologicalOrder(nodes []*Node) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	dependentsOf := make(map[string][]string, len(nodes))
	for _, node := range nodes {
		inDegree[node.ID] = len(node.Dependencies)
		for _, dep := range node.Dependencies {
			dependentsOf[dep] = append(dependentsOf[dep], node.ID)
		}
	}

	var frontier []string
	for _, node := range nodes {
		if inDegree[node.ID] == 0 {
			frontier = append(frontier, node.ID)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		for _, next := range dependentsOf[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}
	if len(order) != len(nodes) {
		return nil, errors.New("graph has cycles, cannot order execution")
	}
	return order, nil
}

// StartWorkflow transitions a registered workflow to RUNNING and submits its
// root nodes.
func (o *Orchestrator) StartWorkflow(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	state, ok := o.states[workflowID]
	if !ok {
		o.mu.Unlock()
		return errors.Wrapf(ErrWorkflowNotFound, "workflow %q", workflowID)
	}
	if state.Status != StatusValid {
		o.mu.Unlock()
		return errors.Errorf("cannot start workflow in state %s", state.Status)
	}
	now := time.Now()
	state.Status = StatusRunning
	state.StartedAt = &now
	def := o.workflows[workflowID]
	o.mu.Unlock()

	o.events.send(Event{Type: EventWorkflowStarted, WorkflowID: workflowID, Timestamp: time.Now()})
	slog.Info("workflow: started", "workflow_id", workflowID, "name", def.Name)

	o.startMonitor()
	o.submitReadyNodes(ctx, workflowID)
	return nil
}

// PauseWorkflow stops new submissions. Running jobs continue.
func (o *Orchestrator) PauseWorkflow(workflowID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.states[workflowID]
	if !ok {
		return errors.Wrapf(ErrWorkflowNotFound, "workflow %q", workflowID)
	}
	if state.Status != StatusRunning {
		return errors.Errorf("cannot pause workflow in state %s", state.Status)
	}
	now := time.Now()
	state.Status = StatusPaused
	state.PausedAt = &now
	slog.Info("workflow: paused", "workflow_id", workflowID)
	return nil
}

// ResumeWorkflow re-enables submissions and immediately submits whatever
// became ready while paused.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	state, ok := o.states[workflowID]
	if !ok {
		o.mu.Unlock()
		return errors.Wrapf(ErrWorkflowNotFound, "workflow %q", workflowID)
	}
	if state.Status != StatusPaused {
		o.mu.Unlock()
		return errors.Errorf("cannot resume workflow in state %s", state.Status)
	}
	state.Status = StatusRunning
	state.PausedAt = nil
	o.mu.Unlock()

	slog.Info("workflow: resumed", "workflow_id", workflowID)
	o.submitReadyNodes(ctx, workflowID)
	return nil
}

// CancelWorkflow cancels every known job of the workflow and marks it
// CANCELLED.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID string, reason string) error {
	o.mu.Lock()
	state, ok := o.states[workflowID]
	if !ok {
		o.mu.Unlock()
		return errors.Wrapf(ErrWorkflowNotFound, "workflow %q", workflowID)
	}
	now := time.Now()
	state.Status = StatusCancelled
	state.CompletedAt = &now

	var jobIDs []int64
	for _, node := range o.nodes[workflowID] {
		if node.JobID != nil && !node.Status.IsTerminal() {
			jobIDs = append(jobIDs, *node.JobID)
		}
	}
	o.mu.Unlock()

	for _, jobID := range jobIDs {
		if _, err := o.queue.Cancel(ctx, jobID); err != nil {
			slog.Warn("workflow: failed to cancel job", "workflow_id", workflowID, "job_id", jobID, "error", err)
		}
	}

	o.events.send(Event{Type: EventWorkflowCancelled, WorkflowID: workflowID, Timestamp: time.Now(), Reason: reason})
	slog.Info("workflow: cancelled", "workflow_id", workflowID, "reason", reason)
	return nil
}

// GetWorkflowStatus returns a copy of the workflow's runtime state.
func (o *Orchestrator) GetWorkflowStatus(workflowID string) (Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.states[workflowID]
	if !ok {
		return Snapshot{}, errors.Wrapf(ErrWorkflowNotFound, "workflow %q", workflowID)
	}
	return state.snapshot(), nil
}

// Progress reports node counts and percent complete for a workflow.
func (o *Orchestrator) Progress(workflowID string) (map[string]any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	lookup, ok := o.nodes[workflowID]
	if !ok {
		return nil, errors.Wrapf(ErrWorkflowNotFound, "workflow %q", workflowID)
	}

	counts := map[NodeStatus]int{}
	for _, node := range lookup {
		counts[node.Status]++
	}
	total := len(lookup)
	percent := 0.0
	if total > 0 {
		percent = float64(counts[NodeCompleted]) / float64(total) * 100
	}
	return map[string]any{
		"total_nodes":      total,
		"completed":        counts[NodeCompleted],
		"failed":           counts[NodeFailed],
		"running":          counts[NodeRunning] + counts[NodeQueued],
		"pending":          counts[NodePending] + counts[NodeReady],
		"skipped":          counts[NodeSkipped],
		"percent_complete": percent,
		"status":           o.states[workflowID].Status,
	}, nil
}

// submitReadyNodes walks the workflow and submits every PENDING node whose
// predecessors are all COMPLETED. Inline node types (condition, aggregation,
// data transfer) execute here directly and may unlock further nodes, so the
// sweep repeats until it makes no progress.
func (o *Orchestrator) submitReadyNodes(ctx context.Context, workflowID string) {
	for {
		o.mu.Lock()
		def, ok := o.workflows[workflowID]
		if !ok || o.states[workflowID].Status != StatusRunning {
			o.mu.Unlock()
			return
		}
		state := o.states[workflowID]

		o.propagateSkipsLocked(workflowID)

		var ready []*Node
		for _, node := range def.Nodes {
			if node.Status != NodePending {
				continue
			}
			if o.dependenciesMetLocked(state, node) {
				node.Status = NodeReady
				ready = append(ready, node)
			}
		}
		o.mu.Unlock()

		if len(ready) == 0 {
			o.checkWorkflowCompletion(workflowID)
			return
		}

		progressed := false
		for _, node := range ready {
			switch node.Type {
			case NodeCalculation:
				o.submitCalculationNode(ctx, workflowID, node)
			default:
				o.executeInlineNode(ctx, workflowID, node)
				progressed = true
			}
		}
		if !progressed {
			o.checkWorkflowCompletion(workflowID)
			return
		}
	}
}

func (o *Orchestrator) dependenciesMetLocked(state *State, node *Node) bool {
	for _, dep := range node.Dependencies {
		if _, done := state.Completed[dep]; !done {
			return false
		}
	}
	return true
}

// propagateSkipsLocked marks nodes SKIPPED when a predecessor is FAILED or
// SKIPPED, transitively, so unreachable branches settle instead of waiting
// forever.
func (o *Orchestrator) propagateSkipsLocked(workflowID string) {
	lookup := o.nodes[workflowID]
	for changed := true; changed; {
		changed = false
		for _, node := range lookup {
			if node.Status != NodePending {
				continue
			}
			for _, dep := range node.Dependencies {
				depNode := lookup[dep]
				if depNode == nil {
					continue
				}
				if depNode.Status == NodeSkipped || depNode.Status == NodeFailed {
					node.Status = NodeSkipped
					changed = true
					break
				}
			}
		}
	}
}

// submitCalculationNode renders the node's input, creates the job record, and
// hands it to the queue with the predecessor job ids as dependencies.
func (o *Orchestrator) submitCalculationNode(ctx context.Context, workflowID string, node *Node) {
	o.mu.Lock()
	def := o.workflows[workflowID]
	state := o.states[workflowID]
	lookup := o.nodes[workflowID]

	depResults := make(map[string]map[string]any, len(node.Dependencies))
	depJobIDs := make([]int64, 0, len(node.Dependencies))
	for _, depID := range node.Dependencies {
		dep := lookup[depID]
		if dep == nil {
			continue
		}
		if dep.Results != nil {
			depResults[depID] = dep.Results
		}
		if dep.JobID != nil {
			depJobIDs = append(depJobIDs, *dep.JobID)
		}
	}
	global := def.GlobalParameters
	o.mu.Unlock()

	resolved, err := resolveParameters(node, global, depResults)
	if err != nil {
		o.handleNodeFailure(ctx, workflowID, node.ID, 0, err.Error())
		return
	}
	input, err := renderTemplate(node.Template, resolved)
	if err != nil {
		o.handleNodeFailure(ctx, workflowID, node.ID, 0, fmt.Sprintf("failed to render input template: %v", err))
		return
	}

	workDir, err := o.scratch.createWorkDir(workflowID, node.ID)
	if err != nil {
		o.handleNodeFailure(ctx, workflowID, node.ID, 0, fmt.Sprintf("failed to create work directory: %v", err))
		return
	}
	if err := os.WriteFile(filepath.Join(workDir, "input.d12"), []byte(input), 0o644); err != nil {
		o.handleNodeFailure(ctx, workflowID, node.ID, 0, fmt.Sprintf("failed to stage input file: %v", err))
		return
	}

	jobName := node.Name
	if jobName == "" {
		jobName = node.ID
	}
	job, err := o.store.CreateJob(ctx, &store.CreateJob{
		Name:       jobName,
		WorkDir:    workDir,
		Input:      input,
		DFTCode:    node.DFTCode,
		RunnerType: node.RunnerType,
		ClusterID:  node.ClusterID,
	})
	if err != nil {
		o.handleNodeFailure(ctx, workflowID, node.ID, 0, fmt.Sprintf("failed to create job: %v", err))
		return
	}

	o.mu.Lock()
	node.JobID = &job.ID
	node.Status = NodeQueued
	state.Running[node.ID] = struct{}{}
	o.jobIndex[job.ID] = nodeRef{workflowID: workflowID, nodeID: node.ID}
	o.mu.Unlock()

	// Queue-level retries stay at zero: the node's failure policy owns the
	// retry budget, and every failure must surface here.
	err = o.queue.Enqueue(ctx, job.ID, store.PriorityNormal, depJobIDs, job.RunnerType, job.ClusterID, "", 0, nil)
	if err != nil {
		o.mu.Lock()
		delete(o.jobIndex, job.ID)
		delete(state.Running, node.ID)
		o.mu.Unlock()
		o.handleNodeFailure(ctx, workflowID, node.ID, job.ID, fmt.Sprintf("failed to enqueue job: %v", err))
		return
	}

	o.queue.RegisterCallback(job.ID, func(jobID int64, status store.JobStatus) {
		o.onJobTerminal(jobID, status)
	})

	o.events.send(Event{
		Type: EventNodeStarted, WorkflowID: workflowID, Timestamp: time.Now(),
		NodeID: node.ID, JobID: job.ID,
	})
	slog.Info("workflow: node submitted", "workflow_id", workflowID, "node_id", node.ID, "job_id", job.ID)
}

// executeInlineNode runs the orchestrator-local node types.
func (o *Orchestrator) executeInlineNode(ctx context.Context, workflowID string, node *Node) {
	o.events.send(Event{Type: EventNodeStarted, WorkflowID: workflowID, Timestamp: time.Now(), NodeID: node.ID})

	var results map[string]any
	var err error
	switch node.Type {
	case NodeCondition:
		results, err = o.runConditionNode(workflowID, node)
	case NodeAggregation:
		results, err = o.runAggregationNode(workflowID, node)
	case NodeDataTransfer:
		results, err = o.runDataTransferNode(ctx, workflowID, node)
	default:
		err = errors.Errorf("unsupported node type %q", node.Type)
	}

	if err != nil {
		o.handleNodeFailure(ctx, workflowID, node.ID, 0, err.Error())
		return
	}

	o.mu.Lock()
	node.Results = results
	node.Status = NodeCompleted
	state := o.states[workflowID]
	state.Completed[node.ID] = struct{}{}
	delete(state.Running, node.ID)
	o.mu.Unlock()

	o.events.send(Event{
		Type: EventNodeCompleted, WorkflowID: workflowID, Timestamp: time.Now(),
		NodeID: node.ID, Results: results,
	})
}

func (o *Orchestrator) runConditionNode(workflowID string, node *Node) (map[string]any, error) {
	o.mu.Lock()
	lookup := o.nodes[workflowID]
	depResults := make(map[string]map[string]any, len(node.Dependencies))
	for _, depID := range node.Dependencies {
		if dep := lookup[depID]; dep != nil && dep.Results != nil {
			depResults[depID] = dep.Results
		}
	}
	o.mu.Unlock()

	result, err := evalCondition(node.ConditionExpr, depResults)
	if err != nil {
		return nil, err
	}

	inactive := node.FalseBranch
	if !result {
		inactive = node.TrueBranch
	}

	o.mu.Lock()
	for _, skipID := range inactive {
		if skip := lookup[skipID]; skip != nil && skip.Status == NodePending {
			skip.Status = NodeSkipped
		}
	}
	o.mu.Unlock()

	slog.Info("workflow: condition evaluated", "workflow_id", workflowID, "node_id", node.ID, "result", result)
	return map[string]any{"condition_result": result}, nil
}

func (o *Orchestrator) runAggregationNode(workflowID string, node *Node) (map[string]any, error) {
	o.mu.Lock()
	lookup := o.nodes[workflowID]
	var values []float64
	for _, depID := range node.Dependencies {
		dep := lookup[depID]
		if dep == nil || dep.Results == nil {
			continue
		}
		if v, ok := dep.Results["final_energy"].(float64); ok {
			values = append(values, v)
		}
	}
	o.mu.Unlock()

	var aggregated any
	switch node.AggregationFunc {
	case "mean":
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		if len(values) > 0 {
			aggregated = sum / float64(len(values))
		} else {
			aggregated = 0.0
		}
	case "min":
		aggregated = foldFloat(values, func(a, b float64) bool { return b < a })
	case "max":
		aggregated = foldFloat(values, func(a, b float64) bool { return b > a })
	case "collect":
		aggregated = values
	default:
		return nil, errors.Errorf("invalid aggregation function %q", node.AggregationFunc)
	}
	return map[string]any{"aggregated_value": aggregated, "count": len(values)}, nil
}

func foldFloat(values []float64, better func(current, candidate float64) bool) float64 {
	if len(values) == 0 {
		return 0
	}
	result := values[0]
	for _, v := range values[1:] {
		if better(result, v) {
			result = v
		}
	}
	return result
}

func (o *Orchestrator) runDataTransferNode(ctx context.Context, workflowID string, node *Node) (map[string]any, error) {
	o.mu.Lock()
	lookup := o.nodes[workflowID]
	source := lookup[node.SourceNode]
	var target *Node
	if node.TargetNode != "" {
		target = lookup[node.TargetNode]
	}
	o.mu.Unlock()

	if source == nil || source.JobID == nil {
		return nil, errors.Errorf("data transfer source %q has no job", node.SourceNode)
	}
	sourceJob, err := o.store.GetJob(ctx, *source.JobID)
	if err != nil || sourceJob == nil {
		return nil, errors.Errorf("data transfer source job for %q not found", node.SourceNode)
	}

	var targetDir string
	if target != nil && target.JobID != nil {
		targetJob, err := o.store.GetJob(ctx, *target.JobID)
		if err == nil && targetJob != nil {
			targetDir = targetJob.WorkDir
		}
	}
	if targetDir == "" {
		targetDir, err = o.scratch.createWorkDir(workflowID, node.ID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create transfer target directory")
		}
	}

	var copied []string
	for _, pattern := range node.SourceFiles {
		matches, err := filepath.Glob(filepath.Join(sourceJob.WorkDir, pattern))
		if err != nil {
			continue
		}
		for _, src := range matches {
			fi, err := os.Stat(src)
			if err != nil || fi.IsDir() {
				continue
			}
			data, err := os.ReadFile(src)
			if err != nil {
				continue
			}
			dest := filepath.Join(targetDir, filepath.Base(src))
			if err := os.WriteFile(dest, data, fi.Mode().Perm()); err != nil {
				continue
			}
			copied = append(copied, filepath.Base(src))
		}
	}

	return map[string]any{
		"files_copied": len(copied),
		"copied_files": copied,
		"source_dir":   sourceJob.WorkDir,
		"target_dir":   targetDir,
	}, nil
}

// onJobTerminal is the completion callback registered with the queue manager.
func (o *Orchestrator) onJobTerminal(jobID int64, status store.JobStatus) {
	ctx := context.Background()
	o.mu.Lock()
	ref, ok := o.jobIndex[jobID]
	o.mu.Unlock()
	if !ok {
		return
	}

	switch status {
	case store.JobCompleted:
		o.ProcessNodeCompletion(ctx, ref.workflowID, ref.nodeID, jobID)
	case store.JobFailed:
		o.handleNodeFailure(ctx, ref.workflowID, ref.nodeID, jobID, "job execution failed")
	case store.JobCancelled:
		// Workflow-level cancellation already recorded the outcome.
		o.mu.Lock()
		delete(o.jobIndex, jobID)
		o.mu.Unlock()
	}
}

// ProcessNodeCompletion finalizes a successfully completed node: it collects
// store-level results, runs the node's extractors, advances successors, and
// checks for workflow completion. Safe to call more than once; only the first
// call transitions the node.
func (o *Orchestrator) ProcessNodeCompletion(ctx context.Context, workflowID, nodeID string, jobID int64) {
	o.mu.Lock()
	lookup, ok := o.nodes[workflowID]
	if !ok {
		o.mu.Unlock()
		return
	}
	node := lookup[nodeID]
	if node == nil || node.Status.IsTerminal() {
		o.mu.Unlock()
		return
	}
	extractors := make(map[string]ExtractorFunc, len(o.extractors))
	for name, fn := range o.extractors {
		extractors[name] = fn
	}
	o.mu.Unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		slog.Warn("workflow: completed job not found", "workflow_id", workflowID, "job_id", jobID, "error", err)
		return
	}

	results := o.extractNodeResults(node, job, extractors)

	o.mu.Lock()
	node.Results = results
	node.Status = NodeCompleted
	state := o.states[workflowID]
	state.Completed[nodeID] = struct{}{}
	delete(state.Running, nodeID)
	delete(o.jobIndex, jobID)
	o.mu.Unlock()

	o.events.send(Event{
		Type: EventNodeCompleted, WorkflowID: workflowID, Timestamp: time.Now(),
		NodeID: nodeID, JobID: jobID, Results: results,
	})
	slog.Info("workflow: node completed", "workflow_id", workflowID, "node_id", nodeID, "job_id", jobID)

	o.submitReadyNodes(ctx, workflowID)
	o.checkWorkflowCompletion(workflowID)
}

// extractNodeResults merges store-level results with the output of each named
// extractor, in order. Missing extractors and extractor errors are skipped
// with a warning; neither fails the node.
func (o *Orchestrator) extractNodeResults(node *Node, job *store.Job, extractors map[string]ExtractorFunc) map[string]any {
	results := make(map[string]any)
	for k, v := range job.KeyResults {
		results[k] = v
	}
	if job.FinalEnergy != nil {
		results["final_energy"] = *job.FinalEnergy
	}

	for _, name := range node.OutputParsers {
		fn, ok := extractors[name]
		if !ok {
			slog.Warn("workflow: unknown output parser, skipping", "parser", name, "node_id", node.ID)
			continue
		}
		parsed, err := fn(job.WorkDir)
		if err != nil {
			slog.Warn("workflow: output parser failed, skipping", "parser", name, "node_id", node.ID, "error", err)
			continue
		}
		for k, v := range parsed {
			results[k] = v
		}
	}
	return results
}

// handleNodeFailure routes a node failure through its policy.
func (o *Orchestrator) handleNodeFailure(ctx context.Context, workflowID, nodeID string, jobID int64, errMsg string) {
	o.mu.Lock()
	def, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return
	}
	state := o.states[workflowID]
	node := o.nodes[workflowID][nodeID]
	if node == nil || node.Status.IsTerminal() {
		o.mu.Unlock()
		return
	}

	policy := node.FailurePolicy
	if policy == "" {
		policy = def.DefaultFailurePolicy
	}
	if policy == PolicyRetry && node.RetryCount >= node.MaxRetries {
		// Retry budget exhausted escalates to abort.
		policy = PolicyAbort
	}
	node.ErrorMessage = errMsg

	switch policy {
	case PolicyRetry:
		node.RetryCount++
		retryCount := node.RetryCount
		maxRetries := node.MaxRetries
		node.Status = NodePending
		delete(state.Running, nodeID)
		if jobID != 0 {
			delete(o.jobIndex, jobID)
		}
		o.mu.Unlock()

		o.events.send(Event{
			Type: EventNodeFailed, WorkflowID: workflowID, Timestamp: time.Now(),
			NodeID: nodeID, JobID: jobID, Error: errMsg, RetryCount: retryCount,
		})
		slog.Warn("workflow: node failed, retrying",
			"workflow_id", workflowID, "node_id", nodeID, "attempt", retryCount, "max_retries", maxRetries, "error", errMsg)
		o.submitReadyNodes(ctx, workflowID)
		return

	case PolicySkipDependents:
		node.Status = NodeFailed
		state.Failed[nodeID] = struct{}{}
		delete(state.Running, nodeID)
		if jobID != 0 {
			delete(o.jobIndex, jobID)
		}
		o.propagateSkipsLocked(workflowID)
		retryCount := node.RetryCount
		o.mu.Unlock()

		o.events.send(Event{
			Type: EventNodeFailed, WorkflowID: workflowID, Timestamp: time.Now(),
			NodeID: nodeID, JobID: jobID, Error: errMsg, RetryCount: retryCount,
		})
		slog.Warn("workflow: node failed, skipping dependents", "workflow_id", workflowID, "node_id", nodeID, "error", errMsg)
		o.checkWorkflowCompletion(workflowID)
		return

	case PolicyContinue:
		node.Status = NodeFailed
		state.Failed[nodeID] = struct{}{}
		delete(state.Running, nodeID)
		if jobID != 0 {
			delete(o.jobIndex, jobID)
		}
		retryCount := node.RetryCount
		o.mu.Unlock()

		o.events.send(Event{
			Type: EventNodeFailed, WorkflowID: workflowID, Timestamp: time.Now(),
			NodeID: nodeID, JobID: jobID, Error: errMsg, RetryCount: retryCount,
		})
		slog.Warn("workflow: node failed, continuing independent branches", "workflow_id", workflowID, "node_id", nodeID, "error", errMsg)
		o.submitReadyNodes(ctx, workflowID)
		o.checkWorkflowCompletion(workflowID)
		return

	default: // PolicyAbort
		node.Status = NodeFailed
		state.Failed[nodeID] = struct{}{}
		delete(state.Running, nodeID)
		if jobID != 0 {
			delete(o.jobIndex, jobID)
		}
		now := time.Now()
		state.Status = StatusFailed
		state.CompletedAt = &now
		retryCount := node.RetryCount
		o.mu.Unlock()

		o.events.send(Event{
			Type: EventNodeFailed, WorkflowID: workflowID, Timestamp: time.Now(),
			NodeID: nodeID, JobID: jobID, Error: errMsg, RetryCount: retryCount,
		})
		o.events.send(Event{
			Type: EventWorkflowFailed, WorkflowID: workflowID, Timestamp: time.Now(),
			Reason: fmt.Sprintf("node %s failed: %s", nodeID, errMsg),
		})
		slog.Error("workflow: aborted", "workflow_id", workflowID, "node_id", nodeID, "error", errMsg)
	}
}

// checkWorkflowCompletion determines the terminal classification once every
// node is terminal: no failures means COMPLETED, failures with some
// completions means PARTIAL, failures without completions means FAILED.
func (o *Orchestrator) checkWorkflowCompletion(workflowID string) {
	o.mu.Lock()
	def, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return
	}
	state := o.states[workflowID]

	total := len(def.Nodes)
	processed := len(state.Completed) + len(state.Failed)
	if total > 0 {
		state.Progress = float64(processed) / float64(total) * 100
	}

	if state.Status != StatusRunning {
		o.mu.Unlock()
		return
	}
	for _, node := range def.Nodes {
		if !node.Status.IsTerminal() {
			o.mu.Unlock()
			return
		}
	}

	now := time.Now()
	state.CompletedAt = &now
	completed := len(state.Completed)
	failed := len(state.Failed)

	var event Event
	switch {
	case failed == 0:
		state.Status = StatusCompleted
		event = Event{
			Type: EventWorkflowCompleted, WorkflowID: workflowID, Timestamp: now,
			TotalNodes: total, SuccessfulNodes: completed, FailedNodes: 0,
		}
	case completed > 0:
		state.Status = StatusPartial
		event = Event{
			Type: EventWorkflowCompleted, WorkflowID: workflowID, Timestamp: now,
			TotalNodes: total, SuccessfulNodes: completed, FailedNodes: failed,
		}
	default:
		state.Status = StatusFailed
		event = Event{
			Type: EventWorkflowFailed, WorkflowID: workflowID, Timestamp: now,
			Reason: fmt.Sprintf("%d nodes failed", failed),
		}
	}
	status := state.Status
	o.mu.Unlock()

	o.events.send(event)
	slog.Info("workflow: finished", "workflow_id", workflowID, "status", status, "completed", completed, "failed", failed)
}

// startMonitor launches the background safety net once.
func (o *Orchestrator) startMonitor() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.monitorDone = make(chan struct{})
	o.running = true
	go o.monitorLoop(ctx)
}

// monitorLoop polls the store for terminal jobs whose completion callback
// never arrived. This is the only place the orchestrator polls.
func (o *Orchestrator) monitorLoop(ctx context.Context) {
	defer close(o.monitorDone)
	ticker := time.NewTicker(o.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollRunningWorkflows(ctx)
		}
	}
}

func (o *Orchestrator) pollRunningWorkflows(ctx context.Context) {
	o.mu.Lock()
	type probe struct {
		workflowID string
		nodeID     string
		jobID      int64
	}
	var probes []probe
	for workflowID, state := range o.states {
		if state.Status != StatusRunning {
			continue
		}
		for nodeID := range state.Running {
			node := o.nodes[workflowID][nodeID]
			if node != nil && node.JobID != nil {
				probes = append(probes, probe{workflowID: workflowID, nodeID: nodeID, jobID: *node.JobID})
			}
		}
	}
	o.mu.Unlock()

	for _, p := range probes {
		job, err := o.store.GetJob(ctx, p.jobID)
		if err != nil || job == nil {
			continue
		}
		switch job.Status {
		case store.JobRunning:
			o.mu.Lock()
			if node := o.nodes[p.workflowID][p.nodeID]; node != nil && node.Status == NodeQueued {
				node.Status = NodeRunning
			}
			o.mu.Unlock()
		case store.JobCompleted:
			o.ProcessNodeCompletion(ctx, p.workflowID, p.nodeID, p.jobID)
		case store.JobFailed:
			o.handleNodeFailure(ctx, p.workflowID, p.nodeID, p.jobID, "job execution failed")
		}
	}
}

// Stop halts the monitor loop, drains pending events, and removes scratch
// directories of terminal workflows. Directories of running workflows are
// preserved.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.running = false
		o.cancel()
		done := o.monitorDone
		o.mu.Unlock()
		<-done
	} else {
		o.mu.Unlock()
	}

	o.events.close()

	o.scratch.cleanupTerminal(func(workflowID string) bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		state, ok := o.states[workflowID]
		if !ok {
			return true
		}
		return state.Status.IsTerminal()
	})
	return nil
}
