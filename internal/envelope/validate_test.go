package envelope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/protoerr"
)

func newTestValidator(t *testing.T, codec Codec, opts ...ValidatorOption) *Validator {
	t.Helper()
	v, err := NewValidator(codec, opts...)
	require.NoError(t, err)
	return v
}

func requireValidationCode(t *testing.T, err error, code string) *ValidationError {
	t.Helper()
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected *ValidationError, got %T", err)
	assert.Equal(t, code, ve.Code, "error: %v", err)
	assert.True(t, errors.Is(err, protoerr.ErrValidation))
	assert.True(t, protoerr.IsValidation(err))
	return ve
}

func TestValidator_RoundTripAllVariants(t *testing.T) {
	messages := []Message{
		Request{ID: "r1", Method: "count", Args: []any{"users"}},
		Request{ID: "r2", Method: "ping", Args: []any{}},
		Response{ID: "r1", Result: "pong"},
		Response{ID: "r3", Result: nil},
		ResponseError{ID: "r1", Error: "no such method"},
		Sync{Data: []any{map[string]any{"id": "a"}, map[string]any{"id": "b"}}},
		Sync{Data: []any{}},
		Push{Op: OpInsert, Data: map[string]any{"id": "a", "name": "x"}},
		Push{Op: OpUpdate, Data: map[string]any{"id": "a", "name": "y"}},
		Push{Op: OpDelete, Data: map[string]any{"id": "a"}},
		Transaction{TransactionID: "t1", Mutations: []Mutation{
			{Type: OpInsert, Data: map[string]any{"id": "a"}},
			{Type: OpDelete, ID: "b"},
		}},
		Transaction{TransactionID: "t2", Mutations: []Mutation{}},
		Ack{TransactionID: "t1"},
	}

	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		v := newTestValidator(t, codec)
		for _, m := range messages {
			t.Run(codec.Name()+"/"+string(m.Kind()), func(t *testing.T) {
				raw, err := v.Outbound(m)
				require.NoError(t, err)

				got, err := v.Inbound(raw)
				require.NoError(t, err)
				assert.Equal(t, m.Kind(), got.Kind())
				assert.Equal(t, ToDoc(m)[fieldType], ToDoc(got)[fieldType])

				id, ok := CorrelationID(m)
				gotID, gotOK := CorrelationID(got)
				assert.Equal(t, ok, gotOK)
				assert.Equal(t, id, gotID)
			})
		}
	}
}

func TestValidator_InboundTypedDecode(t *testing.T) {
	v := newTestValidator(t, JSONCodec{})

	m, err := v.Inbound([]byte(`{"type":"transaction","transactionId":"t1","mutations":[{"type":"insert","data":{"id":"a","n":1}},{"type":"delete","id":"b"}]}`))
	require.NoError(t, err)

	tx, ok := m.(Transaction)
	require.True(t, ok)
	assert.Equal(t, "t1", tx.TransactionID)
	require.Len(t, tx.Mutations, 2)
	assert.Equal(t, OpInsert, tx.Mutations[0].Type)
	assert.Equal(t, map[string]any{"id": "a", "n": float64(1)}, tx.Mutations[0].Data)
	assert.Equal(t, Mutation{Type: OpDelete, ID: "b"}, tx.Mutations[1])
}

func TestValidator_InboundExtraFieldsAllowed(t *testing.T) {
	v := newTestValidator(t, JSONCodec{})

	m, err := v.Inbound([]byte(`{"type":"ack","transactionId":"t1","server":"eu-1"}`))
	require.NoError(t, err)
	assert.Equal(t, Ack{TransactionID: "t1"}, m)
}

func TestValidator_InboundRejects(t *testing.T) {
	v := newTestValidator(t, JSONCodec{})

	tests := []struct {
		name  string
		raw   string
		code  string
		field string
	}{
		{"not json", `not json`, ErrMalformedFrame, ""},
		{"array frame", `[1,2]`, ErrMalformedFrame, ""},
		{"null frame", `null`, ErrMalformedFrame, ""},
		{"missing type", `{"id":"1"}`, ErrMissingKind, "type"},
		{"numeric type", `{"type":7}`, ErrMissingKind, "type"},
		{"unknown kind", `{"type":"unknown"}`, ErrUnknownKind, "type"},
		{"request without id", `{"type":"request","method":"m","args":[]}`, ErrMissingField, "id"},
		{"request without args", `{"type":"request","id":"1","method":"m"}`, ErrMissingField, "args"},
		{"response without id", `{"type":"response","result":1}`, ErrMissingField, "id"},
		{"response-error without error", `{"type":"response-error","id":"1"}`, ErrMissingField, "error"},
		{"sync without data", `{"type":"sync"}`, ErrMissingField, "data"},
		{"insert without data", `{"type":"insert"}`, ErrMissingField, "data"},
		{"transaction without mutations", `{"type":"transaction","transactionId":"t1"}`, ErrMissingField, "mutations"},
		{"ack without transactionId", `{"type":"ack"}`, ErrMissingField, "transactionId"},
		{"numeric id", `{"type":"response","id":5}`, ErrContractViolation, ""},
		{"empty id", `{"type":"ack","transactionId":""}`, ErrContractViolation, ""},
		{"empty method", `{"type":"request","id":"1","method":"","args":[]}`, ErrContractViolation, ""},
		{"args not a list", `{"type":"request","id":"1","method":"m","args":{}}`, ErrContractViolation, ""},
		{"sync data not a list", `{"type":"sync","data":{"id":"a"}}`, ErrContractViolation, ""},
		{"bad mutation type", `{"type":"transaction","transactionId":"t1","mutations":[{"type":"upsert"}]}`, ErrContractViolation, ""},
		{"error not a string", `{"type":"response-error","id":"1","error":{"msg":"x"}}`, ErrContractViolation, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := v.Inbound([]byte(tt.raw))
			assert.Nil(t, m)
			ve := requireValidationCode(t, err, tt.code)
			assert.Equal(t, Inbound, ve.Direction)
			if tt.field != "" {
				assert.Equal(t, tt.field, ve.Field)
			}
		})
	}
}

func TestValidator_OutboundRejects(t *testing.T) {
	v := newTestValidator(t, JSONCodec{})

	tests := []struct {
		name string
		msg  Message
		code string
	}{
		{"nil message", nil, ErrMissingKind},
		{"request without id", Request{Method: "ping"}, ErrContractViolation},
		{"request without method", Request{ID: "1"}, ErrContractViolation},
		{"ack without transaction id", Ack{}, ErrContractViolation},
		{"push with invalid op", Push{Op: "upsert", Data: map[string]any{}}, ErrUnknownKind},
		{"mutation with invalid op", Transaction{TransactionID: "t", Mutations: []Mutation{{Type: "merge"}}}, ErrContractViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := v.Outbound(tt.msg)
			assert.Nil(t, raw)
			ve := requireValidationCode(t, err, tt.code)
			assert.Equal(t, Outbound, ve.Direction)
		})
	}
}

func TestValidator_ErrorString(t *testing.T) {
	v := newTestValidator(t, JSONCodec{})

	_, err := v.Inbound([]byte(`{"type":"unknown"}`))
	require.Error(t, err)
	assert.Equal(t, `[E202] inbound unknown.type: unknown kind "unknown"`, err.Error())
}

func TestValidator_WithStricterContract(t *testing.T) {
	strict := Contract() + "\n#Request: method: =~\"^[a-z]+$\"\n"
	v := newTestValidator(t, JSONCodec{}, WithContract(strict))

	_, err := v.Outbound(Request{ID: "1", Method: "ping"})
	require.NoError(t, err)

	_, err = v.Outbound(Request{ID: "1", Method: "Ping"})
	requireValidationCode(t, err, ErrContractViolation)

	_, err = v.Inbound([]byte(`{"type":"request","id":"1","method":"DROP","args":[]}`))
	requireValidationCode(t, err, ErrContractViolation)
}

func TestNewValidator_InvalidContract(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"syntax error", "#Envelope: {"},
		{"missing envelope", "#Request: {}"},
		{"missing variant", "#Envelope: _\n#Request: _\n#Response: _\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewValidator(JSONCodec{}, WithContract(tt.source))
			assert.Nil(t, v)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, ErrInvalidContract, ve.Code)
		})
	}
}

func TestValidator_CheckEnvelope(t *testing.T) {
	v := newTestValidator(t, JSONCodec{})

	assert.NoError(t, v.CheckEnvelope(map[string]any{"type": "ack", "transactionId": "t1"}))
	assert.NoError(t, v.CheckEnvelope(map[string]any{"type": "delete", "data": map[string]any{"id": "a"}}))
	assert.Error(t, v.CheckEnvelope(map[string]any{"type": "request", "method": "m", "args": []any{}}))
	assert.Error(t, v.CheckEnvelope(map[string]any{"type": "unknown"}))
}

func TestValidator_DefaultCodec(t *testing.T) {
	v := newTestValidator(t, nil)
	assert.Equal(t, "json", v.Codec().Name())
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = CodecByName("msgpack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}
