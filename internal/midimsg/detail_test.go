package midimsg

import (
	"testing"

	"github.com/g960059/midiroute/internal/model"
)

func packetFor(data []byte) model.Packet {
	c := Classify(data)
	return model.Packet{Data: data, Channel: c.Channel, Type: c.Type}
}

func TestFormatDetail(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"note on middle c", []byte{0x90, 60, 92}, "NoteOn C4 Vel:92"},
		{"note off a0", []byte{0x80, 21, 0}, "NoteOff A0 Vel:0"},
		{"note on c sharp", []byte{0x90, 61, 64}, "NoteOn C#4 Vel:64"},
		{"control change", []byte{0xB0, 7, 127}, "CC#7 Val:127"},
		{"program change", []byte{0xC0, 12}, "Program 12"},
		{"pitch bend centered", []byte{0xE0, 0x00, 0x40}, "Pitch 0"},
		{"pitch bend min", []byte{0xE0, 0x00, 0x00}, "Pitch -8192"},
		{"pitch bend max", []byte{0xE0, 0x7F, 0x7F}, "Pitch 8191"},
		{"sysex", []byte{0xF0, 0x7E, 0x01, 0xF7}, "SysEx 4 bytes"},
		{"clock", []byte{0xF8}, "Clock F8"},
		{"unknown bytes", []byte{0xF2, 0x01, 0x02}, "Unknown [F2 01 02]"},
		{"empty", nil, "Empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FormatDetail(packetFor(tc.data))
			if got != tc.want {
				t.Fatalf("detail = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormatDetailTruncatedFallsBack(t *testing.T) {
	got := FormatDetail(packetFor([]byte{0x90, 60}))
	if got != "NoteOn [90 3C]" {
		t.Fatalf("truncated note detail = %q", got)
	}
}

func TestNoteName(t *testing.T) {
	cases := map[byte]string{0: "C-1", 21: "A0", 60: "C4", 69: "A4", 127: "G9"}
	for note, want := range cases {
		if got := NoteName(note); got != want {
			t.Fatalf("NoteName(%d) = %q, want %q", note, got, want)
		}
	}
}
