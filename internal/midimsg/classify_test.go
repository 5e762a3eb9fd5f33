package midimsg

import (
	"testing"

	"github.com/g960059/midiroute/internal/model"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		data    []byte
		want    model.MessageType
		channel int
		length  int
	}{
		{"note off ch1", []byte{0x80, 60, 0}, model.TypeNoteOff, 1, 3},
		{"note on ch1", []byte{0x90, 60, 100}, model.TypeNoteOn, 1, 3},
		{"note on ch16", []byte{0x9F, 60, 100}, model.TypeNoteOn, 16, 3},
		{"poly aftertouch opaque", []byte{0xA3, 60, 40}, model.TypeUnknown, 4, 3},
		{"control change", []byte{0xB2, 7, 127}, model.TypeControlChange, 3, 3},
		{"program change", []byte{0xC0, 5}, model.TypeProgramChange, 1, 2},
		{"channel pressure opaque", []byte{0xD9, 33}, model.TypeUnknown, 10, 2},
		{"pitch bend", []byte{0xE1, 0x00, 0x40}, model.TypePitchBend, 2, 3},
		{"sysex start", []byte{0xF0, 0x7E, 0xF7}, model.TypeSysEx, 0, 0},
		{"sysex continuation", []byte{0xF7}, model.TypeSysEx, 0, 0},
		{"clock tick", []byte{0xF8}, model.TypeClock, 0, 1},
		{"clock start", []byte{0xFA}, model.TypeClock, 0, 1},
		{"clock continue", []byte{0xFB}, model.TypeClock, 0, 1},
		{"clock stop", []byte{0xFC}, model.TypeClock, 0, 1},
		{"song position unknown", []byte{0xF2, 0, 0}, model.TypeUnknown, 0, 1},
		{"active sense unknown", []byte{0xFE}, model.TypeUnknown, 0, 1},
		{"data byte unknown", []byte{0x40}, model.TypeUnknown, 0, 1},
		{"empty", nil, model.TypeUnknown, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.data)
			if got.Type != tc.want {
				t.Fatalf("type = %s, want %s", got.Type, tc.want)
			}
			if got.Channel != tc.channel {
				t.Fatalf("channel = %d, want %d", got.Channel, tc.channel)
			}
			if got.Length != tc.length {
				t.Fatalf("length = %d, want %d", got.Length, tc.length)
			}
		})
	}
}

func TestClassifyAllChannels(t *testing.T) {
	for ch := 0; ch < 16; ch++ {
		got := Classify([]byte{byte(0x90 | ch), 60, 1})
		if got.Channel != ch+1 {
			t.Fatalf("status %02X: channel = %d, want %d", 0x90|ch, got.Channel, ch+1)
		}
	}
}
