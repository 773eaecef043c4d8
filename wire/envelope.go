// Package wire defines the gossip envelope that carries one CGGMP21 round
// message, and its self-describing binary encoding.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ExecutionIdSize is the fixed byte length of an envelope's execution id.
const ExecutionIdSize = 32

const (
	fieldExecutionId  protowire.Number = 1
	fieldSenderIndex  protowire.Number = 2
	fieldBroadcast    protowire.Number = 3
	fieldRecipientTo  protowire.Number = 4
	fieldRoundPayload protowire.Number = 5
	fieldSignature    protowire.Number = 6
)

// Recipient is either a broadcast to the whole committee or a single
// addressed party index.
type Recipient struct {
	Broadcast bool
	To        uint16 // meaningful only when Broadcast is false
}

// Envelope is one message exchanged over the gossip transport, tagged with
// the ceremony it belongs to and signed by its sender.
type Envelope struct {
	ExecutionId  [ExecutionIdSize]byte
	SenderIndex  uint16
	Recipient    Recipient
	RoundPayload []byte
	Signature    []byte
}

// SignedBytes returns the canonical byte sequence over which Signature is
// computed: execution_id ‖ sender_index ‖ recipient ‖ round_payload.
func (e *Envelope) SignedBytes() []byte {
	buf := make([]byte, 0, ExecutionIdSize+2+3+len(e.RoundPayload))
	buf = append(buf, e.ExecutionId[:]...)
	buf = append(buf, byte(e.SenderIndex>>8), byte(e.SenderIndex))
	if e.Recipient.Broadcast {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1, byte(e.Recipient.To>>8), byte(e.Recipient.To))
	}
	buf = append(buf, e.RoundPayload...)
	return buf
}

// Marshal encodes the envelope using length-delimited, tagged fields so the
// format is self-describing and forward-extensible without requiring a
// shared schema at decode time.
func (e *Envelope) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldExecutionId, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.ExecutionId[:])

	buf = protowire.AppendTag(buf, fieldSenderIndex, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.SenderIndex))

	buf = protowire.AppendTag(buf, fieldBroadcast, protowire.VarintType)
	if e.Recipient.Broadcast {
		buf = protowire.AppendVarint(buf, 1)
	} else {
		buf = protowire.AppendVarint(buf, 0)
		buf = protowire.AppendTag(buf, fieldRecipientTo, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(e.Recipient.To))
	}

	buf = protowire.AppendTag(buf, fieldRoundPayload, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.RoundPayload)

	buf = protowire.AppendTag(buf, fieldSignature, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.Signature)

	return buf
}

// Unmarshal decodes an Envelope previously produced by Marshal.
func Unmarshal(data []byte) (*Envelope, error) {
	e := &Envelope{Recipient: Recipient{Broadcast: true}}
	sawExecutionId := false
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldExecutionId:
			bz, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("wire: malformed execution_id: %w", protowire.ParseError(m))
			}
			if len(bz) != ExecutionIdSize {
				return nil, fmt.Errorf("wire: execution_id must be %d bytes, got %d", ExecutionIdSize, len(bz))
			}
			copy(e.ExecutionId[:], bz)
			sawExecutionId = true
			data = data[m:]
		case fieldSenderIndex:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("wire: malformed sender_index: %w", protowire.ParseError(m))
			}
			e.SenderIndex = uint16(v)
			data = data[m:]
		case fieldBroadcast:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("wire: malformed broadcast flag: %w", protowire.ParseError(m))
			}
			e.Recipient.Broadcast = v == 1
			data = data[m:]
		case fieldRecipientTo:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("wire: malformed recipient: %w", protowire.ParseError(m))
			}
			e.Recipient.To = uint16(v)
			data = data[m:]
		case fieldRoundPayload:
			bz, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("wire: malformed round_payload: %w", protowire.ParseError(m))
			}
			e.RoundPayload = append([]byte(nil), bz...)
			data = data[m:]
		case fieldSignature:
			bz, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("wire: malformed signature: %w", protowire.ParseError(m))
			}
			e.Signature = append([]byte(nil), bz...)
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, fmt.Errorf("wire: malformed unknown field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	if !sawExecutionId {
		return nil, fmt.Errorf("wire: envelope missing execution_id")
	}
	return e, nil
}
