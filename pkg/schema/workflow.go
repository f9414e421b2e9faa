package schema

import (
	"encoding/json"
	"fmt"
)

// Reserved node ids that terminate a graph walk.
const (
	NodeEnd    = "End"
	NodeFailed = "Failed"
)

// IsTerminalNode reports whether id is one of the reserved terminal markers.
func IsTerminalNode(id string) bool {
	return id == NodeEnd || id == NodeFailed
}

// Loop defaults.
const (
	DefaultMaxIterations = 1000
	DefaultItemVariable  = "item"
)

// ExecutionMode selects where a workflow runs.
type ExecutionMode string

const (
	ExecutionLocal  ExecutionMode = "local"
	ExecutionRemote ExecutionMode = "remote"
)

// WorkflowDefinition is an immutable graph of steps.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Version     string         `json:"version,omitempty"`
	Description string         `json:"description,omitempty"`
	Start       string         `json:"start"`
	Execution   ExecutionMode  `json:"execution,omitempty"`
	Nodes       Steps          `json:"nodes"`
	Edges       []Edge         `json:"edges,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Node returns the step with the given id.
func (d *WorkflowDefinition) Node(id string) (Step, bool) {
	for _, s := range d.Nodes {
		if s.StepID() == id {
			return s, true
		}
	}
	return nil, false
}

// IsRemote reports whether sessions of this workflow are delegated to a remote worker.
func (d *WorkflowDefinition) IsRemote() bool {
	return d.Execution == ExecutionRemote
}

// Edge connects two nodes. Condition is the branch label a conditional must
// select for the edge to be followed; empty means unconditional.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// DefaultBranch labels the edge taken when no edge matches a conditional's branch.
const DefaultBranch = "default"

// StepType is the discriminator of the Step sum type.
type StepType string

const (
	StepTypeCode        StepType = "code"
	StepTypeLLM         StepType = "llm"
	StepTypeQuestion    StepType = "question"
	StepTypeConditional StepType = "conditional"
	StepTypeLoop        StepType = "loop"
	StepTypeNested      StepType = "nested"
)

// Step is a node of a workflow graph. The set of implementations is closed:
// CodeStep, LLMStep, QuestionStep, ConditionalStep, LoopStep, NestedStep and
// UnknownStep for definitions naming a kind this build does not know.
type Step interface {
	StepID() string
	Kind() StepType
	Base() *StepBase
	isStep()
}

// StepBase holds the fields common to every step kind.
type StepBase struct {
	ID      string       `json:"id"`
	Type    StepType     `json:"type,omitempty"`
	Name    string       `json:"name,omitempty"`
	Timeout string       `json:"timeout,omitempty"`
	Retry   *RetryPolicy `json:"retry,omitempty"`
	OnError *ErrorPolicy `json:"onError,omitempty"`
}

func (b *StepBase) StepID() string  { return b.ID }
func (b *StepBase) Base() *StepBase { return b }

// RetryPolicy configures re-attempts of a failed step.
type RetryPolicy struct {
	MaxAttempts int    `json:"maxAttempts"`
	Backoff     string `json:"backoff,omitempty"` // constant | linear | exponential
	Delay       string `json:"delay,omitempty"`
	MaxDelay    string `json:"maxDelay,omitempty"`
}

// ErrorStrategy decides what a failed top-level step does to its session.
type ErrorStrategy string

const (
	ErrorStrategyFail   ErrorStrategy = "fail"
	ErrorStrategyIgnore ErrorStrategy = "ignore"
	ErrorStrategyRoute  ErrorStrategy = "route"
)

// ErrorPolicy is the onError block of a step.
type ErrorPolicy struct {
	Strategy ErrorStrategy `json:"strategy"`
	Target   string        `json:"target,omitempty"`
}

// CodeStep runs a script in a sandbox.
type CodeStep struct {
	StepBase
	Language string `json:"language,omitempty"` // lua (default) | expr | jq
	Source   string `json:"source"`
}

// LLMStep sends an interpolated prompt to a language model.
type LLMStep struct {
	StepBase
	Model       string   `json:"model,omitempty"`
	System      string   `json:"system,omitempty"`
	Prompt      string   `json:"prompt"`
	OutputKey   string   `json:"outputKey,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

// QuestionStep pauses the session until an answer is supplied.
type QuestionStep struct {
	StepBase
	Prompt   string           `json:"prompt"`
	Variable string           `json:"variable,omitempty"`
	Options  []QuestionOption `json:"options,omitempty"`
}

// QuestionOption is one allowed answer of a question.
type QuestionOption struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// ConditionalStep evaluates a predicate and selects a branch.
type ConditionalStep struct {
	StepBase
	Expression string           `json:"expression"`
	Language   string           `json:"language,omitempty"` // cel (default) | expr
	Branches   map[string]Steps `json:"branches,omitempty"`
	Default    Steps            `json:"default,omitempty"`
}

// LoopStep runs its child steps once per element of a collection.
type LoopStep struct {
	StepBase
	Collection      string `json:"collection"`
	ItemVariable    string `json:"itemVariable,omitempty"`
	MaxIterations   int    `json:"maxIterations,omitempty"`
	Steps           Steps  `json:"steps"`
	ContinueOnError bool   `json:"continueOnError,omitempty"`
}

// NestedStep runs a self-contained sub-graph.
type NestedStep struct {
	StepBase
	WorkflowID string              `json:"workflowId,omitempty"`
	Workflow   *WorkflowDefinition `json:"workflow,omitempty"`
	MaxDepth   int                 `json:"maxDepth,omitempty"`
}

// UnknownStep preserves a step whose type is not recognised.
type UnknownStep struct {
	StepBase
	Raw json.RawMessage `json:"-"`
}

func (*CodeStep) Kind() StepType        { return StepTypeCode }
func (*LLMStep) Kind() StepType         { return StepTypeLLM }
func (*QuestionStep) Kind() StepType    { return StepTypeQuestion }
func (*ConditionalStep) Kind() StepType { return StepTypeConditional }
func (*LoopStep) Kind() StepType        { return StepTypeLoop }
func (*NestedStep) Kind() StepType      { return StepTypeNested }
func (u *UnknownStep) Kind() StepType   { return u.Type }

func (*CodeStep) isStep()        {}
func (*LLMStep) isStep()         {}
func (*QuestionStep) isStep()    {}
func (*ConditionalStep) isStep() {}
func (*LoopStep) isStep()        {}
func (*NestedStep) isStep()      {}
func (*UnknownStep) isStep()     {}

// Steps is an ordered list of steps with tagged JSON encoding.
type Steps []Step

// UnmarshalJSON decodes each element by its "type" discriminator.
func (s *Steps) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Steps, 0, len(raws))
	for i, raw := range raws {
		step, err := DecodeStep(raw)
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		out = append(out, step)
	}
	*s = out
	return nil
}

// MarshalJSON encodes each step with its type discriminator set.
func (s Steps) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(s))
	for _, step := range s {
		b, err := MarshalStep(step)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return json.Marshal(out)
}

// DecodeStep decodes a single step definition. Unrecognised types decode to
// *UnknownStep so the dispatcher can report them as failed results.
func DecodeStep(raw json.RawMessage) (Step, error) {
	var head StepBase
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}

	var step Step
	switch head.Type {
	case StepTypeCode:
		step = &CodeStep{}
	case StepTypeLLM:
		step = &LLMStep{}
	case StepTypeQuestion:
		step = &QuestionStep{}
	case StepTypeConditional:
		step = &ConditionalStep{}
	case StepTypeLoop:
		step = &LoopStep{}
	case StepTypeNested:
		step = &NestedStep{}
	default:
		return &UnknownStep{StepBase: head, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err := json.Unmarshal(raw, step); err != nil {
		return nil, fmt.Errorf("decode %s step %q: %w", head.Type, head.ID, err)
	}
	return step, nil
}

// MarshalStep encodes a step, filling in the type discriminator from Kind.
func MarshalStep(step Step) ([]byte, error) {
	if u, ok := step.(*UnknownStep); ok && len(u.Raw) > 0 {
		return u.Raw, nil
	}
	b, err := json.Marshal(step)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	m["type"] = step.Kind()
	return json.Marshal(m)
}

// ParseDefinition decodes a JSON workflow definition.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, NewError(ErrCodeValidation, "invalid workflow definition").WithCause(err)
	}
	return &def, nil
}
