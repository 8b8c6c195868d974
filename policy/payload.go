package policy

// Payload is the marker interface for a message's decoded body. Concrete
// payload types are user-defined structs: the policy layer
// only needs to move them around and hand them to a PayloadMeta for wire
// encoding.
type Payload interface{}

// PayloadMeta is the per-message-type payload codec. Community authors
// supply one alongside the rest of a meta message's policies.
type PayloadMeta interface {
	Encode(p Payload) ([]byte, error)
	Decode(b []byte) (Payload, error)
}
