package codec

import (
	"errors"
	"testing"

	"github.com/shridhar2011/mixer/backend/internal/proxy"
)

func TestJSONCodec_RoundTrip(t *testing.T) {
	c := NewJSONCodec()
	in := proxy.New("materials", "Steel", map[string]any{"roughness": 0.5, "name": "Steel"}).WithSource("lib.blend")

	b, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out, err := c.Decode(b)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	id, err := proxy.ParsePath(out)
	if err != nil {
		t.Fatalf("ParsePath() error = %v", err)
	}
	if id.Collection != "materials" || id.Key != "Steel" {
		t.Fatalf("identity = %v, want materials[Steel]", id)
	}
	if out.UUID != in.UUID {
		t.Fatalf("UUID = %q, want %q", out.UUID, in.UUID)
	}
	if out.Source != "lib.blend" {
		t.Fatalf("Source = %q, want %q", out.Source, "lib.blend")
	}
	if out.Fields["roughness"] != 0.5 {
		t.Fatalf("Fields[roughness] = %v, want 0.5", out.Fields["roughness"])
	}
}

func TestJSONCodec_DecodeNullPath(t *testing.T) {
	c := NewJSONCodec()
	out, err := c.Decode([]byte(`{"path":null,"fields":{"a":1}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Path != nil {
		t.Fatalf("Path = %v, want nil", out.Path)
	}
}

func TestJSONCodec_DecodeFailure(t *testing.T) {
	c := NewJSONCodec()

	cases := []struct {
		name     string
		payload  string
		wantPath string
	}{
		{"empty", "", "<nil>"},
		{"garbage", "\x00\x01not json", "<nil>"},
		{"truncated", `{"path":["objects","Cube"],"fields":{"a":`, "<nil>"},
		{"bad fields", `{"path":["objects","Cube"],"fields":[1,2]}`, "[objects, Cube]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decode([]byte(tc.payload))
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("Decode() error = %v, want ErrDecode", err)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("Decode() error type = %T, want *DecodeError", err)
			}
			if got := de.Path.String(); got != tc.wantPath {
				t.Fatalf("DecodeError.Path = %s, want %s", got, tc.wantPath)
			}
		})
	}
}

func TestJSONCodec_EncodeNil(t *testing.T) {
	if _, err := NewJSONCodec().Encode(nil); !errors.Is(err, ErrEncode) {
		t.Fatalf("Encode(nil) error = %v, want ErrEncode", err)
	}
}
