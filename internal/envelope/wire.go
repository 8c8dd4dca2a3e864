package envelope

import "fmt"

// Wire field names.
const (
	fieldType          = "type"
	fieldID            = "id"
	fieldMethod        = "method"
	fieldArgs          = "args"
	fieldResult        = "result"
	fieldError         = "error"
	fieldData          = "data"
	fieldTransactionID = "transactionId"
	fieldMutations     = "mutations"
)

// requiredFields lists the fields each kind must carry.
// Presence is checked before the contract so a missing field yields a
// precise error instead of an incomplete-value report.
var requiredFields = map[Kind][]string{
	KindRequest:       {fieldID, fieldMethod, fieldArgs},
	KindResponse:      {fieldID},
	KindResponseError: {fieldID, fieldError},
	KindSync:          {fieldData},
	KindInsert:        {fieldData},
	KindUpdate:        {fieldData},
	KindDelete:        {fieldData},
	KindTransaction:   {fieldTransactionID, fieldMutations},
	KindAck:           {fieldTransactionID},
}

// ToDoc converts a Message into its wire document.
func ToDoc(m Message) map[string]any {
	switch m := m.(type) {
	case Request:
		args := m.Args
		if args == nil {
			args = []any{}
		}
		return map[string]any{fieldType: string(KindRequest), fieldID: m.ID, fieldMethod: m.Method, fieldArgs: args}
	case Response:
		return map[string]any{fieldType: string(KindResponse), fieldID: m.ID, fieldResult: m.Result}
	case ResponseError:
		return map[string]any{fieldType: string(KindResponseError), fieldID: m.ID, fieldError: m.Error}
	case Sync:
		data := m.Data
		if data == nil {
			data = []any{}
		}
		return map[string]any{fieldType: string(KindSync), fieldData: data}
	case Push:
		return map[string]any{fieldType: string(m.Op), fieldData: m.Data}
	case Transaction:
		muts := make([]any, len(m.Mutations))
		for i, mut := range m.Mutations {
			doc := map[string]any{fieldType: string(mut.Type)}
			if mut.ID != "" {
				doc[fieldID] = mut.ID
			}
			if mut.Data != nil {
				doc[fieldData] = mut.Data
			}
			muts[i] = doc
		}
		return map[string]any{fieldType: string(KindTransaction), fieldTransactionID: m.TransactionID, fieldMutations: muts}
	case Ack:
		return map[string]any{fieldType: string(KindAck), fieldTransactionID: m.TransactionID}
	default:
		return map[string]any{fieldType: fmt.Sprintf("%T", m)}
	}
}

// fromDoc converts a contract-valid document into a Message.
func fromDoc(kind Kind, doc map[string]any) (Message, error) {
	str := func(k string) string {
		s, _ := doc[k].(string)
		return s
	}

	switch kind {
	case KindRequest:
		args, _ := doc[fieldArgs].([]any)
		return Request{ID: str(fieldID), Method: str(fieldMethod), Args: args}, nil
	case KindResponse:
		return Response{ID: str(fieldID), Result: doc[fieldResult]}, nil
	case KindResponseError:
		return ResponseError{ID: str(fieldID), Error: str(fieldError)}, nil
	case KindSync:
		data, _ := doc[fieldData].([]any)
		return Sync{Data: data}, nil
	case KindInsert, KindUpdate, KindDelete:
		return Push{Op: Op(kind), Data: doc[fieldData]}, nil
	case KindTransaction:
		raw, _ := doc[fieldMutations].([]any)
		muts := make([]Mutation, 0, len(raw))
		for i, r := range raw {
			md, ok := r.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("mutations[%d]: not an object", i)
			}
			typ, _ := md[fieldType].(string)
			id, _ := md[fieldID].(string)
			muts = append(muts, Mutation{Type: Op(typ), ID: id, Data: md[fieldData]})
		}
		return Transaction{TransactionID: str(fieldTransactionID), Mutations: muts}, nil
	case KindAck:
		return Ack{TransactionID: str(fieldTransactionID)}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}
