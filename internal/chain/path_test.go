package chain

import (
	"reflect"
	"testing"
)

func TestParsePathRejectsMalformed(t *testing.T) {
	bad := []string{"a..b", "a[", "a[x]", "a[-1]", ".a"}
	for _, path := range bad {
		if _, err := parsePath(path); err == nil {
			t.Errorf("parsePath(%q) should fail", path)
		}
	}
	good := []string{"", "a", "a.b", "a[*]", "a[0].b", "items[*].url"}
	for _, path := range good {
		if _, err := parsePath(path); err != nil {
			t.Errorf("parsePath(%q) = %v", path, err)
		}
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		content string
		path    string
		want    []any
	}{
		{
			name:    "simple field",
			content: `{"id":"abc"}`,
			path:    "id",
			want:    []any{"abc"},
		},
		{
			name:    "nested field",
			content: `{"data":{"url":"u"}}`,
			path:    "data.url",
			want:    []any{"u"},
		},
		{
			name:    "wildcard fan out",
			content: `{"items":[{"u":"a"},{"u":"b"}]}`,
			path:    "items[*].u",
			want:    []any{"a", "b"},
		},
		{
			name:    "array index",
			content: `{"items":["a","b"]}`,
			path:    "items[1]",
			want:    []any{"b"},
		},
		{
			name:    "empty path returns raw content",
			content: "plain text, not json",
			path:    "",
			want:    []any{"plain text, not json"},
		},
		{
			name:    "missing field yields nothing",
			content: `{"id":"abc"}`,
			path:    "other",
			want:    nil,
		},
		{
			name:    "non json content yields nothing",
			content: "oops",
			path:    "id",
			want:    nil,
		},
		{
			name:    "index out of range yields nothing",
			content: `{"items":["a"]}`,
			path:    "items[3]",
			want:    nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extract(tt.content, tt.path)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("extract(%q, %q) = %#v, want %#v", tt.content, tt.path, got, tt.want)
			}
		})
	}
}
