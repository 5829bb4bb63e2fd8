// Package workflow implements the DAG executor that layers parameter
// templating, result extraction, and failure policies over the job queue.
package workflow

import "time"

// NodeStatus is the lifecycle state of a single workflow node.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeReady     NodeStatus = "READY"
	NodeQueued    NodeStatus = "QUEUED"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
	NodeSkipped   NodeStatus = "SKIPPED"
)

// IsTerminal reports whether the node will not transition again.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// Status is the state of an entire workflow.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusValidating Status = "VALIDATING"
	StatusValid      Status = "VALID"
	StatusInvalid    Status = "INVALID"
	StatusRunning    Status = "RUNNING"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusPartial    Status = "PARTIAL"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether the workflow reached a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartial || s == StatusCancelled
}

// NodeType selects how a node executes.
type NodeType string

const (
	// NodeCalculation runs a DFT job through the queue.
	NodeCalculation NodeType = "CALCULATION"
	// NodeDataTransfer copies files from a source node's work directory.
	NodeDataTransfer NodeType = "DATA_TRANSFER"
	// NodeCondition evaluates an expression over dependency results and
	// skips the inactive branch.
	NodeCondition NodeType = "CONDITION"
	// NodeAggregation combines results from multiple dependency nodes.
	NodeAggregation NodeType = "AGGREGATION"
)

// FailurePolicy selects the transition taken when a node fails.
type FailurePolicy string

const (
	PolicyRetry          FailurePolicy = "RETRY"
	PolicySkipDependents FailurePolicy = "SKIP_DEPENDENTS"
	PolicyContinue       FailurePolicy = "CONTINUE"
	PolicyAbort          FailurePolicy = "ABORT"
)

// Node is a single step of a workflow DAG.
type Node struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Type          NodeType       `json:"type"`
	Template      string         `json:"template,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	FailurePolicy FailurePolicy  `json:"failure_policy,omitempty"`
	MaxRetries    int            `json:"max_retries,omitempty"`
	OutputParsers []string       `json:"output_parsers,omitempty"`

	// Job routing for CALCULATION nodes.
	DFTCode    string `json:"dft_code,omitempty"`
	RunnerType string `json:"runner_type,omitempty"`
	ClusterID  int64  `json:"cluster_id,omitempty"`

	// DATA_TRANSFER fields.
	SourceNode  string   `json:"source_node,omitempty"`
	SourceFiles []string `json:"source_files,omitempty"`
	TargetNode  string   `json:"target_node,omitempty"`

	// CONDITION fields.
	ConditionExpr string   `json:"condition_expr,omitempty"`
	TrueBranch    []string `json:"true_branch,omitempty"`
	FalseBranch   []string `json:"false_branch,omitempty"`

	// AGGREGATION fields. One of "mean", "min", "max", "collect".
	AggregationFunc string `json:"aggregation_func,omitempty"`

	// Runtime state.
	Status       NodeStatus     `json:"status"`
	JobID        *int64         `json:"job_id,omitempty"`
	RetryCount   int            `json:"retry_count,omitempty"`
	Results      map[string]any `json:"results,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Edge is a dependency edge: From must complete before To runs.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Definition is a complete workflow DAG. Serializable as a flat object;
// node-to-job linkage is by identifier only.
type Definition struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	Nodes                []*Node        `json:"nodes"`
	Edges                []Edge         `json:"edges,omitempty"`
	GlobalParameters     map[string]any `json:"global_parameters,omitempty"`
	DefaultFailurePolicy FailurePolicy  `json:"default_failure_policy,omitempty"`
	Status               Status         `json:"status"`
	CreatedAt            time.Time      `json:"created_at"`
	ExecutionOrder       []string       `json:"execution_order,omitempty"`
}

// State is the runtime execution state, kept separate from the definition.
type State struct {
	WorkflowID  string
	Status      Status
	StartedAt   *time.Time
	CompletedAt *time.Time
	PausedAt    *time.Time
	Completed   map[string]struct{}
	Failed      map[string]struct{}
	Running     map[string]struct{}
	Progress    float64
}

func newState(workflowID string) *State {
	return &State{
		WorkflowID: workflowID,
		Status:     StatusCreated,
		Completed:  make(map[string]struct{}),
		Failed:     make(map[string]struct{}),
		Running:    make(map[string]struct{}),
	}
}

// Snapshot is the copy of a workflow state handed to callers.
type Snapshot struct {
	WorkflowID     string     `json:"workflow_id"`
	Status         Status     `json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CompletedNodes []string   `json:"completed_nodes"`
	FailedNodes    []string   `json:"failed_nodes"`
	RunningNodes   []string   `json:"running_nodes"`
	Progress       float64    `json:"progress"`
}

func (s *State) snapshot() Snapshot {
	return Snapshot{
		WorkflowID:     s.WorkflowID,
		Status:         s.Status,
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
		CompletedNodes: setToSlice(s.Completed),
		FailedNodes:    setToSlice(s.Failed),
		RunningNodes:   setToSlice(s.Running),
		Progress:       s.Progress,
	}
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
