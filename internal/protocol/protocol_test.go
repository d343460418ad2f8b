package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEnvelopeValidate(t *testing.T) {
	e := EventEnvelope{EventID: "evt-1", EventType: EventTaskReceived}
	require.NoError(t, e.Validate())

	bad := EventEnvelope{EventType: EventTaskReceived}
	assert.Error(t, bad.Validate())

	bad2 := EventEnvelope{EventID: "evt-1", EventType: "bogus"}
	assert.Error(t, bad2.Validate())
}

func TestDecodeDirectiveRequestCapability(t *testing.T) {
	line := []byte(`{"action":"request_capability","capability":{"id":"fs.write","project":"demo"},"reason":"write output","risk_tier":"sensitive"}`)
	d, err := DecodeDirective(line)
	require.NoError(t, err)
	assert.True(t, d.IsRequestCapability())
	assert.Equal(t, "fs.write", d.Capability.ID)
	assert.Equal(t, RiskSensitive, d.EffectiveRiskTier())
}

func TestDecodeDirectiveDefaultsToSafeRisk(t *testing.T) {
	line := []byte(`{"action":"request_capability","capability":{"id":"fs.read"}}`)
	d, err := DecodeDirective(line)
	require.NoError(t, err)
	assert.Equal(t, RiskSafe, d.EffectiveRiskTier())
}

func TestDecodeDirectiveUnknownAction(t *testing.T) {
	_, err := DecodeDirective([]byte(`{"action":"self_destruct"}`))
	assert.Error(t, err)
}

func TestDecodeDirectiveEnqueueTaskRequiresType(t *testing.T) {
	_, err := DecodeDirective([]byte(`{"action":"enqueue_task"}`))
	assert.Error(t, err)

	d, err := DecodeDirective([]byte(`{"action":"enqueue_task","task_type":"followup","project":"demo"}`))
	require.NoError(t, err)
	assert.True(t, d.IsEnqueueTask())
}

func TestDecodeDirectiveNoop(t *testing.T) {
	d, err := DecodeDirective([]byte(`{"action":"noop"}`))
	require.NoError(t, err)
	assert.True(t, d.IsNoop())
}

func TestActionOutcomeValidate(t *testing.T) {
	ok := ActionOutcome{RequestID: "req-1", Status: StatusExecuted}
	require.NoError(t, ok.Validate())

	blocked := ActionOutcome{RequestID: "req-1", Status: StatusBlocked}
	assert.Error(t, blocked.Validate(), "blocked without error_code must fail validation")

	blocked.ErrorCode = "POLICY_DENIED"
	assert.NoError(t, blocked.Validate())
}

func TestDirectiveReaderSkipsBlankLines(t *testing.T) {
	in := strings.NewReader("\n{\"action\":\"noop\"}\n\n{\"action\":\"enqueue_task\",\"task_type\":\"x\"}\n")
	r := NewDirectiveReader(in)

	d1, err := r.Next()
	require.NoError(t, err)
	assert.True(t, d1.IsNoop())

	d2, err := r.Next()
	require.NoError(t, err)
	assert.True(t, d2.IsEnqueueTask())

	_, err = r.Next()
	assert.Error(t, err) // io.EOF
}

func TestEnvelopeWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewEnvelopeWriter(&buf)
	require.NoError(t, w.Write(EventEnvelope{EventID: "evt-1", EventType: EventTaskReceived, TaskID: "t-1"}))

	var got EventEnvelope
	line := bytes.TrimRight(buf.Bytes(), "\n")
	require.NoError(t, json.Unmarshal(line, &got))
	assert.Equal(t, "evt-1", got.EventID)
	assert.Equal(t, "t-1", got.TaskID)
}

func TestOutcomeWriterRejectsInvalid(t *testing.T) {
	var buf bytes.Buffer
	w := NewOutcomeWriter(&buf)
	err := w.Write(ActionOutcome{Status: StatusExecuted})
	assert.Error(t, err, "missing request_id must be rejected before writing")
	assert.Equal(t, 0, buf.Len())
}
