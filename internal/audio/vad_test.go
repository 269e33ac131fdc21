package audio

import (
	"testing"
	"time"
)

func constantPCM(samples int, amplitude int16) []byte {
	s := make([]int16, samples)
	for i := range s {
		s[i] = amplitude
	}
	return SamplesToBytes(s)
}

func testVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,
		FrameDuration:   20 * time.Millisecond,
	}
}

func TestVADDetector_Speech(t *testing.T) {
	vad := NewVADDetector(testVADConfig(), 16000)

	for i := 0; i < 5; i++ {
		events := vad.Write(constantPCM(320, 5000))
		if i == 0 && (len(events) != 1 || events[0] != SpeechStarted) {
			t.Errorf("Expected speech to start on first frame, got %v", events)
		}
		if i > 0 && len(events) != 0 {
			t.Errorf("Unexpected events on frame %d: %v", i, events)
		}
	}
}

func TestVADDetector_Silence(t *testing.T) {
	vad := NewVADDetector(testVADConfig(), 16000)

	for i := 0; i < 15; i++ {
		if events := vad.Write(constantPCM(320, 10)); len(events) != 0 {
			t.Errorf("Expected no events on silent frame %d, got %v", i, events)
		}
	}
}

func TestVADDetector_Write_RegroupsFrames(t *testing.T) {
	vad := NewVADDetector(testVADConfig(), 16000)

	// 20ms at 16kHz is 320 samples; split one loud window across two writes
	loud := constantPCM(320, 5000)
	if events := vad.Write(loud[:300]); len(events) != 0 {
		t.Fatalf("Expected no events for a partial window, got %v", events)
	}
	events := vad.Write(loud[300:])
	if len(events) != 1 || events[0] != SpeechStarted {
		t.Fatalf("Expected [speech_started], got %v", events)
	}

	// Nine silent windows keep the segment open, the tenth closes it
	if events := vad.Write(constantPCM(320*9, 10)); len(events) != 0 {
		t.Fatalf("Expected segment to stay open, got %v", events)
	}
	events = vad.Write(constantPCM(320, 10))
	if len(events) != 1 || events[0] != SpeechEnded {
		t.Fatalf("Expected [speech_ended], got %v", events)
	}
	if events := vad.Write(constantPCM(320, 10)); len(events) != 0 {
		t.Errorf("Expected idle detector to stay quiet, got %v", events)
	}
}

func TestVADDetector_Write_OneCallManyTransitions(t *testing.T) {
	vad := NewVADDetector(testVADConfig(), 8000)

	// 160 samples per window at 8kHz
	var pcm []byte
	pcm = append(pcm, constantPCM(160, 5000)...)
	pcm = append(pcm, constantPCM(160*10, 0)...)
	pcm = append(pcm, constantPCM(160, 5000)...)

	events := vad.Write(pcm)
	want := []SpeechEvent{SpeechStarted, SpeechEnded, SpeechStarted}
	if len(events) != len(want) {
		t.Fatalf("Expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], events[i])
		}
	}
}
