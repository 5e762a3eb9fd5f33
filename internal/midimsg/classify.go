// Package midimsg decodes raw MIDI byte streams into the routing taxonomy
// and renders the stable log detail strings.
package midimsg

import "github.com/g960059/midiroute/internal/model"

// Classification is the stateless decode of one whole MIDI message.
type Classification struct {
	Type    model.MessageType
	Channel int // 0 for non-channel messages, else 1..16
	Length  int // expected message length in bytes, 0 when variable/empty
}

// Classify inspects the status byte of a complete MIDI message. Running
// status is not handled here; the provider delivers whole messages.
func Classify(data []byte) Classification {
	if len(data) == 0 {
		return Classification{Type: model.TypeUnknown}
	}
	status := data[0]
	switch status & 0xF0 {
	case 0x80:
		return Classification{Type: model.TypeNoteOff, Channel: channelOf(status), Length: 3}
	case 0x90:
		return Classification{Type: model.TypeNoteOn, Channel: channelOf(status), Length: 3}
	case 0xA0:
		// Polyphonic aftertouch passes through opaque.
		return Classification{Type: model.TypeUnknown, Channel: channelOf(status), Length: 3}
	case 0xB0:
		return Classification{Type: model.TypeControlChange, Channel: channelOf(status), Length: 3}
	case 0xC0:
		return Classification{Type: model.TypeProgramChange, Channel: channelOf(status), Length: 2}
	case 0xD0:
		// Channel pressure passes through opaque.
		return Classification{Type: model.TypeUnknown, Channel: channelOf(status), Length: 2}
	case 0xE0:
		return Classification{Type: model.TypePitchBend, Channel: channelOf(status), Length: 3}
	}
	switch status {
	case 0xF0, 0xF7:
		return Classification{Type: model.TypeSysEx}
	case 0xF8, 0xFA, 0xFB, 0xFC:
		return Classification{Type: model.TypeClock, Length: 1}
	default:
		return Classification{Type: model.TypeUnknown, Length: 1}
	}
}

func channelOf(status byte) int {
	return int(status&0x0F) + 1
}
