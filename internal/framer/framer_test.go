package framer

import (
	"reflect"
	"testing"
)

func TestFramer_SplitAcrossFeeds(t *testing.T) {
	f := New()

	f.Feed([]byte("G0 X1\n"))
	f.Feed([]byte("G1"))
	lines := f.Extract()
	if !reflect.DeepEqual(lines, []string{"G0 X1"}) {
		t.Fatalf("Expected [G0 X1], got %v", lines)
	}

	f.Feed([]byte(" Y2\n"))
	lines = f.Extract()
	if !reflect.DeepEqual(lines, []string{"G1 Y2"}) {
		t.Fatalf("Expected [G1 Y2], got %v", lines)
	}

	if f.Buffered() != 0 {
		t.Errorf("Expected empty accumulator, got %d bytes", f.Buffered())
	}
}

func TestFramer_MultipleLinesOneFeed(t *testing.T) {
	f := New()
	f.Feed([]byte("ok\nerror:9\n$X\n"))

	lines := f.Extract()
	want := []string{"ok", "error:9", "$X"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("Expected %v, got %v", want, lines)
	}
}

func TestFramer_EmptyLinesFiltered(t *testing.T) {
	f := New()
	f.Feed([]byte("ok\n\n\nok\n"))

	lines := f.Extract()
	want := []string{"ok", "ok"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("Expected %v, got %v", want, lines)
	}
}

func TestFramer_StripsCarriageReturn(t *testing.T) {
	f := New()
	f.Feed([]byte("ok\r\nGrbl 1.1h ['$' for help]\r\n\r\n"))

	lines := f.Extract()
	want := []string{"ok", "Grbl 1.1h ['$' for help]"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("Expected %v, got %v", want, lines)
	}
}

func TestFramer_UnterminatedTailRetained(t *testing.T) {
	f := New()
	f.Feed([]byte("<Idle|MPos:0.000"))

	if lines := f.Extract(); lines != nil {
		t.Fatalf("Expected no lines, got %v", lines)
	}
	if f.Buffered() == 0 {
		t.Fatal("Partial line should stay buffered")
	}

	f.Feed([]byte(",0.000,0.000>\n"))
	lines := f.Extract()
	want := []string{"<Idle|MPos:0.000,0.000,0.000>"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("Expected %v, got %v", want, lines)
	}
}

func TestFramer_ResetDropsPartial(t *testing.T) {
	f := New()
	f.Feed([]byte("G0 X"))
	f.Reset()

	// Output from a fresh connection must not merge with the stale tail.
	f.Feed([]byte("ok\n"))
	lines := f.Extract()
	if !reflect.DeepEqual(lines, []string{"ok"}) {
		t.Fatalf("Expected [ok], got %v", lines)
	}
}
