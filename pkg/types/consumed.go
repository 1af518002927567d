package types

import (
	"fmt"
	"time"
)

// Offset identifies one record position on the source broker.
type Offset struct {
	Topic     string
	Partition int32
	Offset    int64
}

// String renders the offset as topic/partition/offset.
func (o Offset) String() string {
	return fmt.Sprintf("%s/%d/%d", o.Topic, o.Partition, o.Offset)
}

// ConsumedMessage is one OTLP bundle read from the source broker.
type ConsumedMessage struct {
	// ID is topic/partition/offset and is unique per record.
	ID string
	// Position locates the record on the broker for commits and rewinds.
	Position Offset
	Key      []byte
	// Payload is the raw OTLP JSON document.
	Payload []byte
	// PublishTime is the broker timestamp of the record.
	PublishTime time.Time
	// Ack reports that every row produced from this message is durably handled.
	Ack func()
	// Nack reports that at least one row could not be delivered or backed up.
	Nack func()
}

// BatchedMessage pairs one transformed payload with the message it came from,
// so the stage that finally persists the payload can settle the original.
type BatchedMessage[T any] struct {
	OriginalMessage ConsumedMessage
	Payload         *T
}
