package tardis

import (
	"encoding/json"
	"time"

	"github.com/tardis-dev/tardis-client-go/internal/pipeline"
)

// Record is one time-stamped tick message delivered by a replay.
type Record struct {
	// LocalTimestamp is the UTC instant the exchange attached to the
	// message when it was received.
	LocalTimestamp time.Time

	// Message is the opaque JSON payload that followed the timestamp.
	Message json.RawMessage
}

func recordFromInternal(r pipeline.Record) Record {
	return Record{LocalTimestamp: r.LocalTimestamp, Message: r.Message}
}
