package canonical

import (
	"math"
	"testing"
)

func mustEncode(t *testing.T, v Value) string {
	t.Helper()
	s, err := Encode(v)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return s
}

func TestEncode_Scalars(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want string
	}{
		{"null", Null{}, "null"},
		{"nil interface", nil, "null"},
		{"true", Bool(true), "true"},
		{"false", Bool(false), "false"},
		{"int", Number("5"), "5"},
		{"decimal literal preserved", Number("1.50"), "1.50"},
		{"exponent literal preserved", Number("1e3"), "1e3"},
		{"string", String("order.filled"), `"order.filled"`},
		{"string escaping", String(`a"b`), `"a\"b"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustEncode(t, tt.in); got != tt.want {
				t.Errorf("Encode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncode_ArrayPreservesOrder(t *testing.T) {
	a := Array{Number("1"), Number("2"), Number("3")}
	b := Array{Number("3"), Number("2"), Number("1")}

	if mustEncode(t, a) == mustEncode(t, b) {
		t.Error("arrays with different element order should encode differently")
	}
	if got, want := mustEncode(t, a), "[1,2,3]"; got != want {
		t.Errorf("Encode = %q, want %q", got, want)
	}
}

func TestEncode_ObjectKeyOrderIndependent(t *testing.T) {
	// Build the same logical object from JSON with opposite key order.
	// The parsed maps are distinct allocations with different insertion
	// histories; the canonical form must be identical.
	v1, err := FromJSON([]byte(`{"orderId":"A1","qty":5,"venue":{"name":"NYSE","mic":"XNYS"}}`))
	if err != nil {
		t.Fatal(err)
	}
	v2, err := FromJSON([]byte(`{"venue":{"mic":"XNYS","name":"NYSE"},"qty":5,"orderId":"A1"}`))
	if err != nil {
		t.Fatal(err)
	}

	e1, e2 := mustEncode(t, v1), mustEncode(t, v2)
	if e1 != e2 {
		t.Errorf("same object encoded differently:\n  %s\n  %s", e1, e2)
	}
	want := `{"orderId":"A1","qty":5,"venue":{"mic":"XNYS","name":"NYSE"}}`
	if e1 != want {
		t.Errorf("Encode = %q, want %q", e1, want)
	}
}

func TestEncode_DistinctPayloadsDiffer(t *testing.T) {
	base := Object{"orderId": String("A1"), "qty": Number("5")}

	variants := []Object{
		{"orderId": String("A2"), "qty": Number("5")},
		{"orderId": String("A1"), "qty": Number("6")},
		{"orderId": String("A1")},
		{"orderId": String("A1"), "qty": Number("5"), "side": String("buy")},
	}

	baseEnc := mustEncode(t, base)
	for i, v := range variants {
		if mustEncode(t, v) == baseEnc {
			t.Errorf("variant %d should encode differently from base", i)
		}
	}
}

func TestEncode_RoundTripStable(t *testing.T) {
	// Encoding, parsing, and re-encoding must be byte-stable or stored
	// entries could never be re-verified.
	in := `{"amounts":[10.25,"0.0001",null,true],"note":"Δ reconciliation","ref":{"id":7}}`
	v, err := FromJSON([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	first := mustEncode(t, v)

	again, err := FromJSON([]byte(first))
	if err != nil {
		t.Fatalf("re-parsing canonical output: %v", err)
	}
	if second := mustEncode(t, again); second != first {
		t.Errorf("round trip unstable:\n  %s\n  %s", first, second)
	}
}

func TestEncode_InvalidNumberLiteral(t *testing.T) {
	if _, err := Encode(Number("not-a-number")); err == nil {
		t.Error("expected error for malformed number literal")
	}
	if _, err := Encode(Number("")); err == nil {
		t.Error("expected error for empty number literal")
	}
}

func TestFromJSON_RejectsTrailingData(t *testing.T) {
	if _, err := FromJSON([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Error("expected error for trailing data")
	}
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{"orderId": "A1", "qty": 5})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := mustEncode(t, v), `{"orderId":"A1","qty":5}`; got != want {
		t.Errorf("Encode = %q, want %q", got, want)
	}

	// Structs go through the json.Marshal round-trip.
	type fill struct {
		OrderID string  `json:"orderId"`
		Px      float64 `json:"px"`
	}
	v, err = FromAny(fill{OrderID: "A1", Px: 101.5})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := mustEncode(t, v), `{"orderId":"A1","px":101.5}`; got != want {
		t.Errorf("Encode = %q, want %q", got, want)
	}
}

func TestFromAny_UnencodableFailsFast(t *testing.T) {
	if _, err := FromAny(math.NaN()); err == nil {
		t.Error("NaN should fail fast, not silently coerce")
	}
	if _, err := FromAny(make(chan int)); err == nil {
		t.Error("channel should fail fast")
	}
}
