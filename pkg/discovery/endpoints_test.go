package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEndpoints(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  []string
		err   bool
	}{
		{name: "single", value: "10.0.0.1:9300", want: []string{"10.0.0.1:9300"}},
		{name: "comma list", value: "10.0.0.1:9300,10.0.0.2:9300", want: []string{"10.0.0.1:9300", "10.0.0.2:9300"}},
		{name: "whitespace list", value: " a.example.com:9300\tb.example.com:9301 ", want: []string{"a.example.com:9300", "b.example.com:9301"}},
		{name: "port range", value: "10.0.0.1:9300-9302", want: []string{"10.0.0.1:9300", "10.0.0.1:9301", "10.0.0.1:9302"}},
		{name: "ipv6", value: "[::1]:9300", want: []string{"[::1]:9300"}},
		{name: "empty", value: " , ", err: true},
		{name: "missing port", value: "10.0.0.1", err: true},
		{name: "missing host", value: ":9300", err: true},
		{name: "bad port", value: "10.0.0.1:http", err: true},
		{name: "port out of range", value: "10.0.0.1:70000", err: true},
		{name: "reversed range", value: "10.0.0.1:9302-9300", err: true},
		{name: "wide range", value: "10.0.0.1:1000-9000", err: true},
		{name: "bare ipv6", value: "::1:9300", err: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseEndpoints(tc.value)
			if tc.err {
				assert.ErrorIs(t, err, ErrInvalidEndpoint)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
