// Package envelope defines the tether wire contract: a closed set of
// message variants tagged by a "type" discriminator, the codecs that put
// them on the wire, and the Validator that checks every frame against the
// CUE contract in both directions.
//
// # Variants
//
//	request         {type, id, method, args}
//	response        {type, id, result}
//	response-error  {type, id, error}
//	sync            {type, data: [...]}
//	insert|update|delete  {type, data}
//	transaction     {type, transactionId, mutations: [{type, id?, data?}]}
//	ack             {type, transactionId}
//
// Message is a sealed interface: only the variant types in this package
// implement it, and Visit dispatches over all of them. Adding a variant
// means adding a Visitor method, so every dispatcher stops compiling until
// it handles the new kind.
package envelope

import "fmt"

// Kind is the wire discriminator.
type Kind string

const (
	KindRequest       Kind = "request"
	KindResponse      Kind = "response"
	KindResponseError Kind = "response-error"
	KindSync          Kind = "sync"
	KindInsert        Kind = "insert"
	KindUpdate        Kind = "update"
	KindDelete        Kind = "delete"
	KindTransaction   Kind = "transaction"
	KindAck           Kind = "ack"
)

// Kinds lists every valid discriminator in declaration order.
var Kinds = []Kind{
	KindRequest, KindResponse, KindResponseError, KindSync,
	KindInsert, KindUpdate, KindDelete, KindTransaction, KindAck,
}

// Op is a record-level mutation type.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether o is one of insert, update or delete.
func (o Op) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Message is one envelope. Implemented only by the variant types below.
type Message interface {
	Kind() Kind
	message()
}

// Request asks the remote peer to run a method.
type Request struct {
	ID     string
	Method string
	Args   []any
}

// Response carries a successful result for a Request.
type Response struct {
	ID     string
	Result any
}

// ResponseError carries a failure for a Request or a Transaction.
// For a transaction, ID is the transaction id.
type ResponseError struct {
	ID    string
	Error string
}

// Sync is a full snapshot of the remote collection.
type Sync struct {
	Data []any
}

// Push is a single unwrapped mutation. Pushes are fire-and-forget: the
// receiver applies them but never acknowledges them.
type Push struct {
	Op   Op
	Data any
}

// Mutation is one record-level operation inside a Transaction.
type Mutation struct {
	Type Op
	ID   string
	Data any
}

// Key returns the record identity for the mutation: the explicit ID when
// set, otherwise the id field of Data.
func (m Mutation) Key() (string, bool) {
	if m.ID != "" {
		return normalizeKey(m.ID), true
	}
	return RecordKey(m.Data)
}

// Transaction is an ordered batch applied atomically by the receiver.
type Transaction struct {
	TransactionID string
	Mutations     []Mutation
}

// Ack confirms a Transaction was applied.
type Ack struct {
	TransactionID string
}

func (Request) Kind() Kind       { return KindRequest }
func (Response) Kind() Kind      { return KindResponse }
func (ResponseError) Kind() Kind { return KindResponseError }
func (Sync) Kind() Kind          { return KindSync }
func (p Push) Kind() Kind        { return Kind(p.Op) }
func (Transaction) Kind() Kind   { return KindTransaction }
func (Ack) Kind() Kind           { return KindAck }

func (Request) message()       {}
func (Response) message()      {}
func (ResponseError) message() {}
func (Sync) message()          {}
func (Push) message()          {}
func (Transaction) message()   {}
func (Ack) message()           {}

// Visitor handles every variant.
type Visitor interface {
	VisitRequest(Request) error
	VisitResponse(Response) error
	VisitResponseError(ResponseError) error
	VisitSync(Sync) error
	VisitPush(Push) error
	VisitTransaction(Transaction) error
	VisitAck(Ack) error
}

// Visit dispatches m to the matching Visitor method.
func Visit(m Message, v Visitor) error {
	switch m := m.(type) {
	case Request:
		return v.VisitRequest(m)
	case Response:
		return v.VisitResponse(m)
	case ResponseError:
		return v.VisitResponseError(m)
	case Sync:
		return v.VisitSync(m)
	case Push:
		return v.VisitPush(m)
	case Transaction:
		return v.VisitTransaction(m)
	case Ack:
		return v.VisitAck(m)
	default:
		// Unreachable while Message stays sealed.
		return fmt.Errorf("envelope: unhandled message type %T", m)
	}
}

// CorrelationID returns the id a message settles, if it settles one:
// the request id for responses and the transaction id for acks.
func CorrelationID(m Message) (string, bool) {
	switch m := m.(type) {
	case Response:
		return m.ID, true
	case ResponseError:
		return m.ID, true
	case Ack:
		return m.TransactionID, true
	}
	return "", false
}
