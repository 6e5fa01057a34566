package energy

import (
	"encoding/binary"
	"testing"
)

func pcmWindow(amplitude int16, samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func TestDetectorRequiresConsecutiveSpeechWindows(t *testing.T) {
	d := New(Config{SpeechWindows: 3, SilenceWindows: 2})
	loud := pcmWindow(8000, 512)

	for i := 0; i < 2; i++ {
		dec, err := d.Process(loud)
		if err != nil {
			t.Fatalf("process error: %v", err)
		}
		if dec.Speech {
			t.Fatalf("should not flip to speech after %d windows", i+1)
		}
	}
	dec, err := d.Process(loud)
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if !dec.Speech {
		t.Fatalf("expected speech after three loud windows")
	}
}

func TestDetectorHysteresisOnSilence(t *testing.T) {
	d := New(Config{SpeechWindows: 1, SilenceWindows: 3})
	loud := pcmWindow(8000, 512)
	quiet := pcmWindow(0, 512)

	if dec, _ := d.Process(loud); !dec.Speech {
		t.Fatalf("expected speech")
	}
	for i := 0; i < 2; i++ {
		if dec, _ := d.Process(quiet); !dec.Speech {
			t.Fatalf("should hold speech through %d quiet windows", i+1)
		}
	}
	if dec, _ := d.Process(quiet); dec.Speech {
		t.Fatalf("expected silence after hysteresis window")
	}
}

func TestDetectorReset(t *testing.T) {
	d := New(Config{SpeechWindows: 1, SilenceWindows: 1})
	if dec, _ := d.Process(pcmWindow(8000, 512)); !dec.Speech {
		t.Fatalf("expected speech")
	}
	d.Reset()
	if dec, _ := d.Process(pcmWindow(0, 512)); dec.Speech {
		t.Fatalf("reset should clear speech state")
	}
}
