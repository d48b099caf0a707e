// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package nostr

import (
	"encoding/json"
	"errors"
)

// Relay protocol frames are JSON arrays whose first element is a label.
const (
	labelEvent  = "EVENT"
	labelReq    = "REQ"
	labelClose  = "CLOSE"
	labelOK     = "OK"
	labelEOSE   = "EOSE"
	labelNotice = "NOTICE"
	labelClosed = "CLOSED"
)

var errBadFrame = errors.New("nostr: malformed relay frame")

func eventFrame(e *Event) interface{} {
	return []interface{}{labelEvent, e}
}

func reqFrame(subID string, f *Filter) interface{} {
	return []interface{}{labelReq, subID, f}
}

func closeFrame(subID string) interface{} {
	return []interface{}{labelClose, subID}
}

// frame is a partially decoded inbound relay message.
type frame struct {
	label string
	args  []json.RawMessage
}

func parseFrame(data []byte) (*frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, errBadFrame
	}
	if len(parts) == 0 {
		return nil, errBadFrame
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return nil, errBadFrame
	}
	return &frame{label: label, args: parts[1:]}, nil
}

func (f *frame) str(i int) string {
	if i >= len(f.args) {
		return ""
	}
	var s string
	if json.Unmarshal(f.args[i], &s) != nil {
		return ""
	}
	return s
}

func (f *frame) boolean(i int) bool {
	if i >= len(f.args) {
		return false
	}
	var b bool
	if json.Unmarshal(f.args[i], &b) != nil {
		return false
	}
	return b
}

func (f *frame) event(i int) (*Event, error) {
	if i >= len(f.args) {
		return nil, errBadFrame
	}
	e := new(Event)
	if err := json.Unmarshal(f.args[i], e); err != nil {
		return nil, errBadFrame
	}
	return e, nil
}
