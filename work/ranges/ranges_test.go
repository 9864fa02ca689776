package ranges

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		header string
		want   ByteRange
		ok     bool
	}{
		{"bytes=0-1023", ByteRange{0, 1023}, true},
		{"bytes=500-", ByteRange{500, -1}, true},
		{" bytes=10-20 ", ByteRange{10, 20}, true},
		{"", ByteRange{}, false},
		{"bytes=-500", ByteRange{}, false},
		{"bytes=0-99,200-299", ByteRange{}, false},
		{"items=0-10", ByteRange{}, false},
		{"bytes=abc-def", ByteRange{}, false},
	}
	for _, tt := range tests {
		got, ok := Parse(tt.header)
		if ok != tt.ok {
			t.Errorf("Parse(%q): ok=%v, want %v", tt.header, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.header, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		in     ByteRange
		length int64
		want   ByteRange
		err    error
	}{
		{"open end clamps", ByteRange{500, -1}, 1000, ByteRange{500, 999}, nil},
		{"overflowing end clamps", ByteRange{900, 2000}, 1000, ByteRange{900, 999}, nil},
		{"start past length", ByteRange{2000, 3000}, 1000, ByteRange{}, ErrNotSatisfiable},
		{"start past clamped end", ByteRange{999, 100}, 1000, ByteRange{}, ErrNotSatisfiable},
		{"exact fit", ByteRange{0, 999}, 1000, ByteRange{0, 999}, nil},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in, tt.length)
		if !errors.Is(err, tt.err) {
			t.Errorf("%s: err=%v, want %v", tt.name, err, tt.err)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestHeaders(t *testing.T) {
	r := ByteRange{500, 999}
	if h := r.Header(); h != "bytes=500-999" {
		t.Errorf("Header() = %q", h)
	}
	if cr := r.ContentRange(1000); cr != "bytes 500-999/1000" {
		t.Errorf("ContentRange() = %q", cr)
	}
	if cr := r.ContentRange(0); cr != "bytes 500-999/*" {
		t.Errorf("ContentRange(unknown) = %q", cr)
	}
	if cr := UnsatisfiableContentRange(1000); cr != "bytes */1000" {
		t.Errorf("UnsatisfiableContentRange() = %q", cr)
	}
	if n := r.Length(); n != 500 {
		t.Errorf("Length() = %d", n)
	}
}
