package jsmn

import (
	"errors"
	"testing"
)

func parse(t *testing.T, js string, capacity int) ([]Token, error) {
	t.Helper()
	toks := make([]Token, capacity)
	var p Parser
	n, err := p.Parse([]byte(js), toks)
	if err != nil {
		return nil, err
	}
	return toks[:n], nil
}

func TestParseObject(t *testing.T) {
	js := `{"id":"c1","cmd":["sh","-c"],"tty":3}`
	toks, err := parse(t, js, 16)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	want := []struct {
		typ  Type
		text string
		size int
	}{
		{Object, js, 3},
		{String, "id", 1},
		{String, "c1", 0},
		{String, "cmd", 1},
		{Array, `["sh","-c"]`, 2},
		{String, "sh", 0},
		{String, "-c", 0},
		{String, "tty", 1},
		{Primitive, "3", 0},
	}

	if len(toks) != len(want) {
		t.Fatalf("got %d tokens, want %d", len(toks), len(want))
	}
	for i, w := range want {
		tok := toks[i]
		if tok.Type != w.typ {
			t.Errorf("token %d: type = %v, want %v", i, tok.Type, w.typ)
		}
		if got := js[tok.Start:tok.End]; got != w.text {
			t.Errorf("token %d: text = %q, want %q", i, got, w.text)
		}
		if tok.Size != w.size {
			t.Errorf("token %d: size = %d, want %d", i, tok.Size, w.size)
		}
	}
}

func TestParseNested(t *testing.T) {
	js := `{"containers":[{"volumes":[{"device":"sda"}]},{}],"dns":[]}`
	toks, err := parse(t, js, 32)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if toks[0].Size != 2 {
		t.Errorf("root size = %d, want 2", toks[0].Size)
	}
	if toks[2].Type != Array || toks[2].Size != 2 {
		t.Errorf("containers = %v size %d, want array size 2", toks[2].Type, toks[2].Size)
	}
	last := toks[len(toks)-1]
	if last.Type != Array || last.Size != 0 {
		t.Errorf("dns = %v size %d, want empty array", last.Type, last.Size)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		js   string
		want error
	}{
		{"empty", ``, ErrPartial},
		{"unterminated object", `{"a":1`, ErrPartial},
		{"unterminated string", `{"a":"b`, ErrPartial},
		{"missing value", `{"a":}`, ErrInvalid},
		{"trailing comma", `[1,]`, ErrInvalid},
		{"bare word", `{"a":yes}`, ErrInvalid},
		{"non-string key", `{1:2}`, ErrInvalid},
		{"missing colon", `{"a" 1}`, ErrInvalid},
		{"mismatched bracket", `{"a":[1}`, ErrInvalid},
		{"bad escape", `["\x"]`, ErrInvalid},
		{"short unicode escape", `["\u12"]`, ErrInvalid},
		{"trailing garbage", `{"a":1} x`, ErrInvalid},
		{"two documents", `{} {}`, ErrInvalid},
		{"leading zero", `[01]`, ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.js, 16)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse(%q) error = %v, want %v", tt.js, err, tt.want)
			}
		})
	}
}

func TestParseNoMem(t *testing.T) {
	js := `{"a":[1,2,3,4,5]}`
	if _, err := parse(t, js, 4); !errors.Is(err, ErrNoMem) {
		t.Fatalf("error = %v, want ErrNoMem", err)
	}
	toks, err := parse(t, js, 8)
	if err != nil {
		t.Fatalf("Parse with enough tokens failed: %v", err)
	}
	if len(toks) != 8 {
		t.Errorf("got %d tokens, want 8", len(toks))
	}
}

func TestParseStopsAtNUL(t *testing.T) {
	toks, err := parse(t, "{\"a\":true}\x00garbage", 8)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(toks) != 3 {
		t.Errorf("got %d tokens, want 3", len(toks))
	}
}

func TestParseFirst(t *testing.T) {
	js := `{"container":"c1","file":"/tmp/x"}hello {]`
	toks := make([]Token, 8)
	p := Parser{First: true}
	n, err := p.Parse([]byte(js), toks)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n != 5 {
		t.Fatalf("got %d tokens, want 5", n)
	}
	if got := js[toks[0].End:]; got != "hello {]" {
		t.Errorf("trailing bytes = %q, want %q", got, "hello {]")
	}
}

func TestNumbers(t *testing.T) {
	valid := []string{"0", "-0", "12", "-3.5", "1e9", "2E-3", "0.25e+2"}
	for _, s := range valid {
		if !isNumber([]byte(s)) {
			t.Errorf("isNumber(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "-", "01", "1.", ".5", "1e", "+1", "0x10", "1-2"}
	for _, s := range invalid {
		if isNumber([]byte(s)) {
			t.Errorf("isNumber(%q) = true, want false", s)
		}
	}
}
