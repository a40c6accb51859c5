package decimal

import "testing"

func TestAddSub(t *testing.T) {
	a := FromFloat(0.24001, 5)
	b := FromFloat(0.00001, 5)
	got := a.Sub(b)
	want := FromFloat(0.24000, 5)
	if got.Cmp(want) != 0 {
		t.Fatalf("Sub: got %s want %s", got, want)
	}
}

func TestRoundDownToStep(t *testing.T) {
	step := New(1, 0) // integer step
	got := FromFloat(123.7, 1).RoundDownToStep(step)
	if got.Float64() != 123 {
		t.Fatalf("RoundDownToStep: got %v want 123", got.Float64())
	}
}

func TestRoundUpToStep(t *testing.T) {
	step := New(1, 0)
	got := FromFloat(123.1, 1).RoundUpToStep(step)
	if got.Float64() != 124 {
		t.Fatalf("RoundUpToStep: got %v want 124", got.Float64())
	}
}

func TestCmp(t *testing.T) {
	a := FromFloat(1.0001, 4)
	b := FromFloat(1.0002, 4)
	if a.GT(b) || !a.LT(b) {
		t.Fatalf("Cmp ordering wrong: a=%s b=%s", a, b)
	}
}

func TestNegAbs(t *testing.T) {
	a := FromFloat(-5.5, 2)
	if !a.IsNeg() {
		t.Fatalf("expected negative")
	}
	if a.Abs().IsNeg() {
		t.Fatalf("Abs should not be negative")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a := FromFloat(0.24001, 5)
	b, err := a.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Decimal
	got.scale = 5
	if err := got.UnmarshalJSON(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Cmp(a) != 0 {
		t.Fatalf("round trip mismatch: got %s want %s", got, a)
	}
}
