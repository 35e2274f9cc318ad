package debugws

import "github.com/sitepulse/pulse/internal/debuglog"

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
)

type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

type SnapshotPayload struct {
	Entries []debuglog.Entry `json:"entries"`
}

type DeltaPayload struct {
	Entries []debuglog.Entry `json:"entries"`
}
