package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisallowedTarget(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.5.5", true},
		{"192.168.1.10", true},
		{"169.254.9.1", true},
		{"::1", true},
		{"fe80::1", true},
		{"0.0.0.0", true},
		{"", true},
		{"8.8.8.8", false},
		{"93.184.216.34", false},
		{"2001:4860:4860::8888", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, DisallowedTarget(context.Background(), tt.host))
		})
	}
}

func TestDisallowedTarget_Hostnames(t *testing.T) {
	// localhost resolves to loopback everywhere; reserved .invalid names
	// never resolve, and unresolvable targets are refused.
	assert.True(t, DisallowedTarget(context.Background(), "localhost"))
	assert.True(t, DisallowedTarget(context.Background(), "nowhere.invalid"))
}
