package sip

import (
	"fmt"
	"time"

	sipmsg "github.com/emiago/sipgo/sip"
)

// DialogState is the lifecycle position of one call dialog.
type DialogState string

const (
	DialogTrying     DialogState = "trying"
	DialogRinging    DialogState = "ringing"
	DialogAnswered   DialogState = "answered"
	DialogTerminated DialogState = "terminated"
)

// validTransitions encodes the dialog lifecycle. A call may die from any
// live state, and may be answered without a ringing phase.
var validTransitions = map[DialogState][]DialogState{
	DialogTrying:     {DialogRinging, DialogAnswered, DialogTerminated},
	DialogRinging:    {DialogAnswered, DialogTerminated},
	DialogAnswered:   {DialogTerminated},
	DialogTerminated: {},
}

func (s DialogState) canTransition(to DialogState) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the dialog can never change state again.
func (s DialogState) Terminal() bool { return s == DialogTerminated }

// Dialog tracks one SIP call leg. All fields are owned by the engine's
// command loop; callers only ever see copies via DialogInfo.
type Dialog struct {
	CallID    string
	State     DialogState
	LocalTag  string
	RemoteTag string
	RemoteURI sipmsg.Uri

	CreatedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time

	// Kept for in-dialog requests (ACK, BYE) after the call is answered.
	invite   *sipmsg.Request
	inviteOK *sipmsg.Response

	// RemoteMediaAddr is the far-end RTP endpoint from the SDP answer.
	RemoteMediaAddr string
	PayloadType     uint8
}

func (d *Dialog) transition(to DialogState) error {
	if !d.State.canTransition(to) {
		return fmt.Errorf("invalid dialog transition %s -> %s for call %s", d.State, to, d.CallID)
	}
	d.State = to
	switch to {
	case DialogAnswered:
		d.AnsweredAt = time.Now()
	case DialogTerminated:
		d.EndedAt = time.Now()
	}
	return nil
}

// DialogInfo is the caller-visible snapshot of a dialog.
type DialogInfo struct {
	CallID          string
	State           DialogState
	RemoteMediaAddr string
	PayloadType     uint8
	CreatedAt       time.Time
	AnsweredAt      time.Time
}

func (d *Dialog) info() DialogInfo {
	return DialogInfo{
		CallID:          d.CallID,
		State:           d.State,
		RemoteMediaAddr: d.RemoteMediaAddr,
		PayloadType:     d.PayloadType,
		CreatedAt:       d.CreatedAt,
		AnsweredAt:      d.AnsweredAt,
	}
}
