package middleware

import "testing"

func TestEndpointKey(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/articles", "/articles"},
		{"/api/v1/articles/123/related", "/articles"},
		{"/api/v1/me", "/me"},
		{"/api/v1/webhooks/abc/test", "/webhooks"},
		{"/api/v1", "/"},
		{"/api/v1/", "/"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := EndpointKey(tt.path); got != tt.want {
				t.Errorf("EndpointKey(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
