package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holmbr/norq/nostr"
)

// Frame labels used by the relay protocol. Requests and closes flow to the
// relay, the rest flows back.
const (
	labelReq    = "REQ"
	labelClose  = "CLOSE"
	labelEvent  = "EVENT"
	labelEOSE   = "EOSE"
	labelNotice = "NOTICE"
	labelClosed = "CLOSED"
)

func encodeReq(id string, filters []nostr.Filter) ([]byte, error) {
	parts := make([]interface{}, 0, len(filters)+2)
	parts = append(parts, labelReq, id)
	for _, f := range filters {
		parts = append(parts, f)
	}
	return json.Marshal(parts)
}

func encodeClose(id string) ([]byte, error) {
	return json.Marshal([]interface{}{labelClose, id})
}

// frame is one decoded relay message. Only the fields relevant for the
// label are populated.
type frame struct {
	label string
	sub   string
	event *nostr.Event
	text  string
}

func decodeFrame(raw []byte) (frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if len(parts) == 0 {
		return frame{}, errors.New("frame is empty")
	}
	var f frame
	if err := json.Unmarshal(parts[0], &f.label); err != nil {
		return frame{}, fmt.Errorf("decode frame label: %w", err)
	}
	switch f.label {
	case labelEvent:
		if len(parts) < 3 {
			return frame{}, fmt.Errorf("%s frame has %d elements, need 3", f.label, len(parts))
		}
		if err := json.Unmarshal(parts[1], &f.sub); err != nil {
			return frame{}, fmt.Errorf("decode %s subscription id: %w", f.label, err)
		}
		var ev nostr.Event
		if err := json.Unmarshal(parts[2], &ev); err != nil {
			return frame{}, fmt.Errorf("decode %s payload: %w", f.label, err)
		}
		f.event = &ev
	case labelEOSE:
		if len(parts) < 2 {
			return frame{}, fmt.Errorf("%s frame has %d elements, need 2", f.label, len(parts))
		}
		if err := json.Unmarshal(parts[1], &f.sub); err != nil {
			return frame{}, fmt.Errorf("decode %s subscription id: %w", f.label, err)
		}
	case labelNotice:
		if len(parts) >= 2 {
			_ = json.Unmarshal(parts[1], &f.text)
		}
	case labelClosed:
		if len(parts) < 2 {
			return frame{}, fmt.Errorf("%s frame has %d elements, need 2", f.label, len(parts))
		}
		if err := json.Unmarshal(parts[1], &f.sub); err != nil {
			return frame{}, fmt.Errorf("decode %s subscription id: %w", f.label, err)
		}
		if len(parts) >= 3 {
			_ = json.Unmarshal(parts[2], &f.text)
		}
	}
	return f, nil
}
