package event

import (
	"strconv"
	"strings"
)

// Frame is one raw block from the channel stream: an optional "id:" line
// and a "data:" line. It is ephemeral: built from bytes, consumed by the
// router, then discarded.
type Frame struct {
	// ID is the stream event identifier. Nil when the block carried no
	// "id:" line.
	ID *uint64

	// Data is the raw JSON payload from the "data:" line. Empty when
	// the block carried none; such frames are dropped by the router.
	Data string
}

// HasData reports whether the frame carries a payload to decode.
func (f Frame) HasData() bool { return f.Data != "" }

// ParseFrame extracts the id and data fields from one delimiter-separated
// block. Lines with any other field name, comment lines and malformed id
// values are ignored. Multi-line data fields are concatenated in order,
// per the event-stream format.
func ParseFrame(block string) Frame {
	var frame Frame
	var data []string
	for _, line := range strings.Split(block, "\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch name {
		case "id":
			if id, err := strconv.ParseUint(value, 10, 64); err == nil {
				frame.ID = &id
			}
		case "data":
			data = append(data, value)
		}
	}
	frame.Data = strings.Join(data, "\n")
	return frame
}
