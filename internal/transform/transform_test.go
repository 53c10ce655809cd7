package transform

import "testing"

func TestChain(t *testing.T) {
	tests := []struct {
		name  string
		specs []Spec
		in    string
		want  string
	}{
		{
			name: "empty chain is identity",
			in:   "  hello  ",
			want: "  hello  ",
		},
		{
			name:  "cleanup whitespace",
			specs: []Spec{{Name: "cleanup_whitespace"}},
			in:    "  hello \t world \n",
			want:  "hello world",
		},
		{
			name: "prefix and suffix in order",
			specs: []Spec{
				{Name: "prepend_prefix", Args: map[string]string{"prefix": "> "}},
				{Name: "append_suffix", Args: map[string]string{"suffix": " <"}},
			},
			in:   "hi",
			want: "> hi <",
		},
		{
			name: "cleanup runs before prefix",
			specs: []Spec{
				{Name: "cleanup_whitespace"},
				{Name: "prepend_prefix", Args: map[string]string{"prefix": "User: "}},
			},
			in:   "  a   b  ",
			want: "User: a b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := Chain(tt.specs)
			if err != nil {
				t.Fatalf("Chain() error: %v", err)
			}
			if got := fn(tt.in); got != tt.want {
				t.Errorf("chain(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestChainUnknownName(t *testing.T) {
	if _, err := Chain([]Spec{{Name: "rot13"}}); err == nil {
		t.Fatal("Chain() accepted an unknown transformer")
	}
}
