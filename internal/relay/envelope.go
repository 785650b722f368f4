package relay

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

// Kind tags an envelope on the peer <-> authority link.
type Kind uint8

const (
	KindWelcome Kind = 1 // authority -> peer: assigned identity
	KindFrame   Kind = 2 // peer -> authority: frame to fan out
	KindRelayed Kind = 3 // authority -> peer: frame from another peer
	KindHello   Kind = 4 // peer -> authority: join / keepalive on datagram-style transports
)

func (k Kind) String() string {
	switch k {
	case KindWelcome:
		return "welcome"
	case KindFrame:
		return "frame"
	case KindRelayed:
		return "relayed"
	case KindHello:
		return "hello"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const (
	fieldKind    protowire.Number = 1
	fieldPeer    protowire.Number = 2
	fieldPayload protowire.Number = 3
)

// ErrBadEnvelope wraps every envelope decode failure.
var ErrBadEnvelope = errors.New("malformed relay envelope")

// Envelope is the unit exchanged between peers and the authority.
type Envelope struct {
	Kind    Kind
	Peer    types.PeerID
	Payload []byte
}

// Marshal encodes the envelope in protobuf wire format.
func (e Envelope) Marshal() []byte {
	b := make([]byte, 0, len(e.Payload)+16)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	if e.Peer != 0 {
		b = protowire.AppendTag(b, fieldPeer, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Peer))
	}
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	return b
}

// UnmarshalEnvelope decodes b. The payload aliases b. Unknown fields are skipped.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: tag: %v", ErrBadEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: kind: %v", ErrBadEnvelope, protowire.ParseError(n))
			}
			e.Kind = Kind(v)
			b = b[n:]
		case num == fieldPeer && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: peer: %v", ErrBadEnvelope, protowire.ParseError(n))
			}
			e.Peer = types.PeerID(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: payload: %v", ErrBadEnvelope, protowire.ParseError(n))
			}
			e.Payload = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d: %v", ErrBadEnvelope, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if e.Kind == 0 {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrBadEnvelope)
	}
	return e, nil
}
