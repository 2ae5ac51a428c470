package session

import (
	"fmt"
	"testing"

	"wishbridge/internal/protocol"
)

func makeFrame(id int) protocol.Frame {
	return protocol.Frame{
		Kind: protocol.KindClick,
		Key:  fmt.Sprintf(".r%d", id),
	}
}

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := NewRingBuffer(10)
	frames := rb.ReadAll()
	if len(frames) != 0 {
		t.Errorf("expected empty buffer, got %d frames", len(frames))
	}
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		rb.Write(makeFrame(i))
	}

	frames := rb.ReadAll()
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(frames))
	}

	for i, f := range frames {
		expected := fmt.Sprintf(".r%d", i)
		if f.Key != expected {
			t.Errorf("frame %d: expected %s, got %s", i, expected, f.Key)
		}
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 0; i < 8; i++ {
		rb.Write(makeFrame(i))
	}

	frames := rb.ReadAll()
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(frames))
	}

	// Should have frames 3,4,5,6,7 (oldest dropped).
	for i, f := range frames {
		expected := fmt.Sprintf(".r%d", i+3)
		if f.Key != expected {
			t.Errorf("frame %d: expected %s, got %s", i, expected, f.Key)
		}
	}
}

func TestRingBuffer_ZeroCapacity(t *testing.T) {
	rb := NewRingBuffer(0)
	rb.Write(makeFrame(1))
	rb.Write(makeFrame(2))

	frames := rb.ReadAll()
	if len(frames) != 1 || frames[0].Key != ".r2" {
		t.Errorf("expected only the latest frame, got %+v", frames)
	}
}
