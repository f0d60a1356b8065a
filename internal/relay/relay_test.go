package relay

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostOf(t *testing.T) {
	cases := map[string]string{
		"https://example.com/webhooks/task":      "example.com",
		"http://localhost:9090/cb":                "localhost:9090",
		"https://api.partner.io:8443/v1/callback": "api.partner.io:8443",
		"http://[::1/unterminated-bracket":        "http://[::1/unterminated-bracket",
	}
	for in, want := range cases {
		assert.Equal(t, want, hostOf(in), "input %q", in)
	}
}

func TestErrStatus_Error(t *testing.T) {
	err := errStatus(http.StatusInternalServerError)
	assert.Contains(t, err.Error(), "non-2xx")
	assert.Contains(t, err.Error(), http.StatusText(http.StatusInternalServerError))
}
