package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefinition = `{
  "id": "triage",
  "start": "classify",
  "nodes": [
    {"id": "classify", "type": "conditional", "expression": "data.priority > 2",
     "branches": {"true": [{"id": "flag", "type": "code", "source": "return {urgent = true}"}]}},
    {"id": "each", "type": "loop", "collection": "issues", "itemVariable": "issue", "maxIterations": 3,
     "steps": [{"id": "summarize", "type": "llm", "prompt": "Summarize {{ issue.title }}"}]},
    {"id": "ask", "type": "question", "prompt": "Ship it?", "options": [{"id": "yes"}, {"id": "no"}]},
    {"id": "sub", "type": "nested", "workflowId": "child"},
    {"id": "mystery", "type": "teleport"}
  ],
  "edges": [
    {"from": "classify", "to": "each", "condition": "true"},
    {"from": "classify", "to": "End", "condition": "false"}
  ]
}`

func TestParseDefinition_DecodesEveryKind(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)
	require.Len(t, def.Nodes, 5)

	cond, ok := def.Nodes[0].(*ConditionalStep)
	require.True(t, ok)
	require.Len(t, cond.Branches["true"], 1)
	assert.IsType(t, &CodeStep{}, cond.Branches["true"][0])

	loop, ok := def.Nodes[1].(*LoopStep)
	require.True(t, ok)
	assert.Equal(t, "issues", loop.Collection)
	assert.Equal(t, "issue", loop.ItemVariable)
	assert.Equal(t, 3, loop.MaxIterations)
	require.Len(t, loop.Steps, 1)
	assert.Equal(t, StepTypeLLM, loop.Steps[0].Kind())

	q, ok := def.Nodes[2].(*QuestionStep)
	require.True(t, ok)
	assert.Len(t, q.Options, 2)

	nested, ok := def.Nodes[3].(*NestedStep)
	require.True(t, ok)
	assert.Equal(t, "child", nested.WorkflowID)
}

func TestParseDefinition_UnknownTypeIsPreserved(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)

	unknown, ok := def.Nodes[4].(*UnknownStep)
	require.True(t, ok)
	assert.Equal(t, StepType("teleport"), unknown.Kind())
	assert.Equal(t, "mystery", unknown.StepID())
}

func TestParseDefinition_Malformed(t *testing.T) {
	_, err := ParseDefinition([]byte(`{"id": "x", "nodes": {}}`))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestMarshalStep_FillsDiscriminator(t *testing.T) {
	step := &LoopStep{StepBase: StepBase{ID: "l"}, Collection: "items"}

	b, err := MarshalStep(step)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "loop", m["type"])
	assert.Equal(t, "items", m["collection"])
}

func TestWorkflowDefinition_Node(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)

	n, ok := def.Node("ask")
	require.True(t, ok)
	assert.Equal(t, StepTypeQuestion, n.Kind())

	_, ok = def.Node("nope")
	assert.False(t, ok)
}

func TestFailedResult_KeepsFlowErrorCode(t *testing.T) {
	r := FailedResult("s1", NewError(ErrCodeValidation, "bad collection"))
	assert.True(t, r.Failed())
	assert.Equal(t, ErrCodeValidation, r.ErrorCode)
	assert.Equal(t, "bad collection", r.Error)

	plain := FailedResult("s1", errors.New("provider down"))
	assert.Equal(t, ErrCodeExecution, plain.ErrorCode)
	assert.Equal(t, "provider down", plain.Error)

	err := plain.Err()
	require.Error(t, err)
	assert.Equal(t, "s1", err.(*FlowError).StepID)
}

func TestFlowError_Chain(t *testing.T) {
	cause := errors.New("disk full")
	err := NewErrorf(ErrCodeStore, "save session %s", "abc").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[STORE_ERROR] save session abc", err.Error())
	assert.True(t, err.IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "x").IsRetryable())
}
