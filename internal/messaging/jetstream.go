package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const dispatchStream = "DISPATCH"

// EnsureStreams creates (or validates) the dispatch stream the gateway
// consumes from: app.dispatch.>
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(dispatchStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      dispatchStream,
				Subjects:  []string{"app.dispatch.>"},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}
	return nil
}
