package messages

import (
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
)

// Envelope table layout. Slot n lives at vtable offset 4+2n.
const (
	envelopeSlotEvent   = 0
	envelopeSlotGameID  = 1
	envelopeSlotPayload = 2
	envelopeNumFields   = 3
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func initCodec() {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	})
}

// SerializeEnvelope encodes an envelope as a zstd compressed flatbuffer.
func SerializeEnvelope(e *Envelope) ([]byte, error) {
	initCodec()
	if codecErr != nil {
		return nil, fmt.Errorf("failed to initialize zstd codec: %v", codecErr)
	}

	b := SerializeEnvelopeFlatbuffer(e)
	return encoder.EncodeAll(b, make([]byte, 0, len(b))), nil
}

// DeserializeEnvelope decodes a frame produced by SerializeEnvelope.
func DeserializeEnvelope(data []byte) (*Envelope, error) {
	initCodec()
	if codecErr != nil {
		return nil, fmt.Errorf("failed to initialize zstd codec: %v", codecErr)
	}

	b, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress frame: %v", err)
	}

	envelope, err := DeserializeEnvelopeFlatbuffer(b)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize envelope: %v", err)
	}

	return envelope, nil
}

func SerializeEnvelopeFlatbuffer(e *Envelope) []byte {
	builder := flatbuffers.NewBuilder(len(e.Payload) + len(e.Event) + 64)

	event := builder.CreateString(e.Event)
	payload := builder.CreateByteVector(e.Payload)

	builder.StartObject(envelopeNumFields)
	builder.PrependUOffsetTSlot(envelopeSlotEvent, event, 0)
	builder.PrependInt64Slot(envelopeSlotGameID, e.GameID, 0)
	builder.PrependUOffsetTSlot(envelopeSlotPayload, payload, 0)
	envelope := builder.EndObject()
	builder.Finish(envelope)

	return builder.FinishedBytes()
}

func DeserializeEnvelopeFlatbuffer(b []byte) (envelope *Envelope, err error) {
	if len(b) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("buffer too short: %d bytes", len(b))
	}
	// malformed offsets make the table accessors index out of range
	defer func() {
		if r := recover(); r != nil {
			envelope = nil
			err = fmt.Errorf("malformed envelope: %v", r)
		}
	}()

	table := &flatbuffers.Table{
		Bytes: b,
		Pos:   flatbuffers.GetUOffsetT(b),
	}

	envelope = &Envelope{}
	if o := flatbuffers.UOffsetT(table.Offset(slotOffset(envelopeSlotEvent))); o != 0 {
		envelope.Event = string(table.ByteVector(o + table.Pos))
	}
	if o := flatbuffers.UOffsetT(table.Offset(slotOffset(envelopeSlotGameID))); o != 0 {
		envelope.GameID = table.GetInt64(o + table.Pos)
	}
	if o := flatbuffers.UOffsetT(table.Offset(slotOffset(envelopeSlotPayload))); o != 0 {
		payload := table.ByteVector(o + table.Pos)
		envelope.Payload = append([]byte(nil), payload...)
	}

	if envelope.Event == "" {
		return nil, fmt.Errorf("envelope has no event name")
	}

	return envelope, nil
}

func slotOffset(slot int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*slot)
}
