package kafka

import "time"

// IncomingMessage is a raw message pulled off the entity topic. The body is
// decoded downstream by the envelope decoder.
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string
}
