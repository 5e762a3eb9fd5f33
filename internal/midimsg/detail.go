package midimsg

import (
	"fmt"

	"github.com/g960059/midiroute/internal/model"
)

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// NoteName renders a MIDI note number as pitch class plus octave, where
// middle C (60) is C4.
func NoteName(note byte) string {
	return fmt.Sprintf("%s%d", noteNames[note%12], int(note)/12-1)
}

// FormatDetail renders the log detail for one packet. The output is part of
// the operator contract; changing it breaks log consumers.
func FormatDetail(p model.Packet) string {
	if len(p.Data) == 0 {
		return "Empty"
	}
	switch p.Type {
	case model.TypeNoteOn, model.TypeNoteOff:
		if len(p.Data) >= 3 {
			return fmt.Sprintf("%s %s Vel:%d", p.Type.Display(), NoteName(p.Data[1]), p.Data[2])
		}
	case model.TypeControlChange:
		if len(p.Data) >= 3 {
			return fmt.Sprintf("CC#%d Val:%d", p.Data[1], p.Data[2])
		}
	case model.TypeProgramChange:
		if len(p.Data) >= 2 {
			return fmt.Sprintf("Program %d", p.Data[1])
		}
	case model.TypePitchBend:
		if len(p.Data) >= 3 {
			return fmt.Sprintf("Pitch %d", (int(p.Data[1])|int(p.Data[2])<<7)-8192)
		}
	case model.TypeSysEx:
		return fmt.Sprintf("SysEx %d bytes", len(p.Data))
	case model.TypeClock:
		return fmt.Sprintf("Clock %02X", p.Data[0])
	}
	return fmt.Sprintf("%s [% X]", p.Type.Display(), p.Data)
}
