package router

import (
	"testing"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		ok      bool
		want    map[string]string
	}{
		{"/healthz", "/healthz", true, map[string]string{}},
		{"/healthz", "/healthz/x", false, nil},
		{"/v1/profiles/{userId}", "/v1/profiles/42", true, map[string]string{"userId": "42"}},
		{"/v1/profiles/{userId}", "/v1/profiles/", false, nil},
		{"/v1/tree/{path...}", "/v1/tree/messages/c1/m1", true, map[string]string{"path": "messages/c1/m1"}},
		{"/v1/tree/{path...}", "/v1/tree", true, map[string]string{"path": ""}},
		{"/v1/tree/{path...}", "/v1/tree/a%20b", true, map[string]string{"path": "a b"}},
		{"/v1/tree/{path...}", "/v2/tree/a", false, nil},
	}
	for _, tt := range tests {
		got, ok := match(tt.path, parse(tt.pattern))
		if ok != tt.ok {
			t.Fatalf("match(%q, %q) ok = %v, want %v", tt.path, tt.pattern, ok, tt.ok)
		}
		if !ok {
			continue
		}
		if len(got) != len(tt.want) {
			t.Fatalf("match(%q, %q) = %v, want %v", tt.path, tt.pattern, got, tt.want)
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Fatalf("match(%q, %q)[%s] = %q, want %q", tt.path, tt.pattern, k, got[k], v)
			}
		}
	}
}
