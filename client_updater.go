package picodaq

// Contains the client updater, which publishes JSON-encoded messages
// giving the latest acquisition state to any monitoring clients.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries one message to be published on the status port.
type ClientUpdate struct {
	Tag   string
	State interface{}
}

// StateUpdate is the payload of lifecycle messages.
type StateUpdate struct {
	State      string  `json:"state,omitempty"`
	CaptureID  string  `json:"captureID,omitempty"`
	SampleRate float64 `json:"sampleRate,omitempty"`
	Mode       string  `json:"mode,omitempty"`
}

// RunClientUpdater forwards any message from its input channel to a ZMQ PUB
// socket, so clients can follow lifecycle transitions, watchdog trips and
// buffer losses. It returns when abort is closed.
func RunClientUpdater(messages <-chan ClientUpdate, abort <-chan struct{}, portstatus int) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	if err := pubSocket.Bind(fmt.Sprintf("tcp://*:%d", portstatus)); err != nil {
		return err
	}

	for {
		select {
		case <-abort:
			return nil
		case update := <-messages:
			body, err := json.Marshal(update.State)
			if err != nil {
				ProblemLogger.Printf("cannot marshal %q update: %v", update.Tag, err)
				continue
			}
			if _, err := pubSocket.SendMessage(update.Tag, body); err != nil {
				ProblemLogger.Printf("cannot publish %q update: %v", update.Tag, err)
			}
		}
	}
}
