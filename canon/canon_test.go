package canon

import "testing"

func TestJSON_SortsKeysRecursively(t *testing.T) {
	in := map[string]any{
		"b": 1,
		"a": map[string]any{"z": 1, "y": 2},
	}
	got, err := JSON(in)
	if err != nil {
		t.Fatalf("JSON() error: %v", err)
	}
	want := `{"a":{"y":2,"z":1},"b":1}`
	if string(got) != want {
		t.Errorf("JSON() = %s, want %s", got, want)
	}
}

func TestJSON_PreservesArrayOrder(t *testing.T) {
	in := []any{3, 1, 2}
	got, err := JSON(in)
	if err != nil {
		t.Fatalf("JSON() error: %v", err)
	}
	if string(got) != "[3,1,2]" {
		t.Errorf("JSON() = %s, want [3,1,2]", got)
	}
}

func TestJSON_NoInsignificantWhitespace(t *testing.T) {
	in := map[string]any{"a": 1, "b": []any{1, 2}}
	got, err := JSON(in)
	if err != nil {
		t.Fatalf("JSON() error: %v", err)
	}
	for _, c := range got {
		if c == ' ' || c == '\n' || c == '\t' {
			t.Fatalf("JSON() contains whitespace: %s", got)
		}
	}
}

func TestJSON_Deterministic(t *testing.T) {
	in := map[string]any{"a": 1, "b": 2, "c": map[string]any{"x": 1}}
	a, err := JSON(in)
	if err != nil {
		t.Fatalf("JSON() error: %v", err)
	}
	b, err := JSON(in)
	if err != nil {
		t.Fatalf("JSON() error: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("JSON() not deterministic: %s != %s", a, b)
	}
}

func TestHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	h2, err := Hash(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	if h1 != h2 {
		t.Errorf("Hash() not stable across map key order: %s != %s", h1, h2)
	}
}

func TestHash_Format(t *testing.T) {
	h, err := Hash(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	if len(h) != len("sha256:")+64 {
		t.Errorf("Hash() = %q, wrong length", h)
	}
}

func TestJSON_LargeIntegerPrecisionPreserved(t *testing.T) {
	in := map[string]any{"n": int64(9223372036854775807)}
	got, err := JSON(in)
	if err != nil {
		t.Fatalf("JSON() error: %v", err)
	}
	want := `{"n":9223372036854775807}`
	if string(got) != want {
		t.Errorf("JSON() = %s, want %s", got, want)
	}
}
