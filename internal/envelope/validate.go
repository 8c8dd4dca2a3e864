package envelope

import (
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/tether/internal/metrics"
	"github.com/roach88/tether/internal/protoerr"
)

//go:embed contract.cue
var contractCUE string

// Contract returns the embedded CUE source of the default wire contract.
func Contract() string {
	return contractCUE
}

// Validation error codes (E200-E299)
const (
	ErrMalformedFrame    = "E200" // frame could not be decoded into a document
	ErrMissingKind       = "E201" // no string "type" discriminator
	ErrUnknownKind       = "E202" // discriminator is not a known variant
	ErrMissingField      = "E203" // a required field of the variant is absent
	ErrContractViolation = "E204" // document does not satisfy the CUE contract
	ErrEncodeFailed      = "E205" // valid document could not be encoded
	ErrInvalidContract   = "E210" // contract source does not compile or lacks a variant
)

// Direction records which way a frame was travelling when validated.
type Direction string

const (
	Inbound  Direction = Direction(metrics.DirectionInbound)
	Outbound Direction = Direction(metrics.DirectionOutbound)
)

// ValidationError reports a frame that violates the wire contract.
type ValidationError struct {
	Direction Direction `json:"direction"`
	Kind      string    `json:"kind,omitempty"`
	Field     string    `json:"field,omitempty"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	loc := e.Kind
	if e.Field != "" {
		if loc != "" {
			loc += "."
		}
		loc += e.Field
	}
	if loc == "" {
		return fmt.Sprintf("[%s] %s %s", e.Code, e.Direction, e.Message)
	}
	return fmt.Sprintf("[%s] %s %s: %s", e.Code, e.Direction, loc, e.Message)
}

// Is makes every ValidationError match protoerr.ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == protoerr.ErrValidation
}

// variantDefs maps each kind to the contract definition it must satisfy.
var variantDefs = map[Kind]string{
	KindRequest:       "#Request",
	KindResponse:      "#Response",
	KindResponseError: "#ResponseError",
	KindSync:          "#Sync",
	KindInsert:        "#Push",
	KindUpdate:        "#Push",
	KindDelete:        "#Push",
	KindTransaction:   "#Transaction",
	KindAck:           "#Ack",
}

// Validator checks frames against the CUE contract and converts between
// wire bytes and Messages.
//
// Outbound failures are programmer errors in the caller and are returned
// synchronously. Inbound failures are returned as *ValidationError for the
// caller to report; Inbound never panics on untrusted input.
//
// Thread-safety: a cue.Context is not safe for concurrent use, so contract
// checks are serialized by an internal mutex.
type Validator struct {
	codec  Codec
	logger *slog.Logger

	mu       sync.Mutex
	ctx      *cue.Context
	envelope cue.Value
	variants map[string]cue.Value
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*validatorConfig)

type validatorConfig struct {
	source string
	logger *slog.Logger
}

// WithContract replaces the embedded contract. The source must define
// #Envelope and every variant definition (#Request, #Response,
// #ResponseError, #Sync, #Push, #Transaction, #Ack).
func WithContract(source string) ValidatorOption {
	return func(c *validatorConfig) { c.source = source }
}

// WithValidatorLogger sets the logger (default slog.Default()).
func WithValidatorLogger(l *slog.Logger) ValidatorOption {
	return func(c *validatorConfig) { c.logger = l }
}

// NewValidator compiles the contract and returns a Validator using codec
// for the wire encoding.
func NewValidator(codec Codec, opts ...ValidatorOption) (*Validator, error) {
	cfg := validatorConfig{source: contractCUE, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if codec == nil {
		codec = JSONCodec{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(cfg.source, cue.Filename("contract.cue"))
	if err := schema.Err(); err != nil {
		return nil, &ValidationError{Code: ErrInvalidContract, Message: cueMessage(err)}
	}

	env := schema.LookupPath(cue.ParsePath("#Envelope"))
	if !env.Exists() {
		return nil, &ValidationError{Code: ErrInvalidContract, Message: "contract does not define #Envelope"}
	}

	variants := make(map[string]cue.Value)
	for _, def := range variantDefs {
		if _, ok := variants[def]; ok {
			continue
		}
		v := schema.LookupPath(cue.ParsePath(def))
		if !v.Exists() {
			return nil, &ValidationError{Code: ErrInvalidContract, Message: fmt.Sprintf("contract does not define %s", def)}
		}
		variants[def] = v
	}

	return &Validator{
		codec:    codec,
		logger:   cfg.logger,
		ctx:      ctx,
		envelope: env,
		variants: variants,
	}, nil
}

// Codec returns the wire codec.
func (v *Validator) Codec() Codec {
	return v.codec
}

// Outbound validates m and encodes it for the wire.
func (v *Validator) Outbound(m Message) ([]byte, error) {
	if m == nil {
		return nil, v.fail(&ValidationError{Direction: Outbound, Code: ErrMissingKind, Message: "nil message"})
	}
	doc := ToDoc(m)
	if _, err := v.check(Outbound, doc); err != nil {
		return nil, v.fail(err)
	}
	data, err := v.codec.Marshal(doc)
	if err != nil {
		return nil, v.fail(&ValidationError{
			Direction: Outbound,
			Kind:      string(m.Kind()),
			Code:      ErrEncodeFailed,
			Message:   fmt.Sprintf("%s encode: %v", v.codec.Name(), err),
		})
	}
	metrics.FramesTotal.WithLabelValues(string(Outbound), string(m.Kind())).Inc()
	return data, nil
}

// Inbound decodes raw and validates it, returning the typed Message.
func (v *Validator) Inbound(raw []byte) (Message, error) {
	doc, err := v.codec.Unmarshal(raw)
	if err != nil || doc == nil {
		msg := "frame is not an object"
		if err != nil {
			msg = fmt.Sprintf("%s decode: %v", v.codec.Name(), err)
		}
		return nil, v.fail(&ValidationError{Direction: Inbound, Code: ErrMalformedFrame, Message: msg})
	}
	return v.InboundDoc(doc)
}

// InboundDoc validates an already decoded document.
func (v *Validator) InboundDoc(doc map[string]any) (Message, error) {
	kind, verr := v.check(Inbound, doc)
	if verr != nil {
		return nil, v.fail(verr)
	}
	m, err := fromDoc(kind, doc)
	if err != nil {
		return nil, v.fail(&ValidationError{Direction: Inbound, Kind: string(kind), Code: ErrContractViolation, Message: err.Error()})
	}
	metrics.FramesTotal.WithLabelValues(string(Inbound), string(kind)).Inc()
	return m, nil
}

// CheckEnvelope validates doc against the #Envelope disjunction as a whole.
// It accepts exactly the documents Inbound accepts, but reports less precise
// errors; it exists for tooling that checks arbitrary frames.
func (v *Validator) CheckEnvelope(doc map[string]any) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	val := v.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return &ValidationError{Code: ErrContractViolation, Message: cueMessage(err)}
	}
	if err := v.envelope.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Code: ErrContractViolation, Message: cueMessage(err)}
	}
	return nil
}

// check runs the discriminator, presence and contract checks on doc.
func (v *Validator) check(dir Direction, doc map[string]any) (Kind, *ValidationError) {
	rawKind, ok := doc[fieldType].(string)
	if !ok || rawKind == "" {
		return "", &ValidationError{Direction: dir, Field: fieldType, Code: ErrMissingKind, Message: "missing string discriminator"}
	}
	kind := Kind(rawKind)
	def, ok := variantDefs[kind]
	if !ok {
		return "", &ValidationError{Direction: dir, Kind: rawKind, Field: fieldType, Code: ErrUnknownKind, Message: fmt.Sprintf("unknown kind %q", rawKind)}
	}

	for _, f := range requiredFields[kind] {
		if _, present := doc[f]; !present {
			return "", &ValidationError{Direction: dir, Kind: rawKind, Field: f, Code: ErrMissingField, Message: "required field is missing"}
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	val := v.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return "", &ValidationError{Direction: dir, Kind: rawKind, Code: ErrContractViolation, Message: cueMessage(err)}
	}
	if err := v.variants[def].Unify(val).Validate(cue.Concrete(true)); err != nil {
		return "", &ValidationError{
			Direction: dir,
			Kind:      rawKind,
			Field:     cuePath(err),
			Code:      ErrContractViolation,
			Message:   cueMessage(err),
		}
	}
	return kind, nil
}

func (v *Validator) fail(err *ValidationError) error {
	metrics.ValidationFailures.WithLabelValues(string(err.Direction)).Inc()
	if err.Direction == Outbound {
		v.logger.Error("outbound envelope rejected", "code", err.Code, "kind", err.Kind, "error", err.Message)
	} else {
		v.logger.Warn("inbound envelope rejected", "code", err.Code, "kind", err.Kind, "error", err.Message)
	}
	return err
}

// cuePath returns the dotted path of the first CUE error.
func cuePath(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return ""
	}
	return strings.Join(errs[0].Path(), ".")
}

// cueMessage returns the message of the first CUE error without position.
func cueMessage(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	format, args := errs[0].Msg()
	return fmt.Sprintf(format, args...)
}
