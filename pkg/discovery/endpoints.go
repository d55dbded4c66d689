package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"
)

// ErrInvalidEndpoint is wrapped by ParseEndpoints errors.
var ErrInvalidEndpoint = errors.New("discovery: invalid endpoint")

// maxPortRange bounds the ports a single host:lo-hi entry expands to.
const maxPortRange = 256

// ParseEndpoints parses a member value into host:port endpoints. Entries are
// separated by commas or whitespace and are either host:port or host:lo-hi.
// IPv6 hosts must be bracketed.
func ParseEndpoints(value string) ([]string, error) {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidEndpoint)
	}

	var out []string
	for _, f := range fields {
		host, ports, err := net.SplitHostPort(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
		if host == "" {
			return nil, fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, f)
		}

		lo, hi, err := parsePorts(ports)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, f, err)
		}
		for p := lo; p <= hi; p++ {
			out = append(out, net.JoinHostPort(host, strconv.Itoa(p)))
		}
	}
	return out, nil
}

func parsePorts(s string) (int, int, error) {
	loStr, hiStr, isRange := strings.Cut(s, "-")
	lo, err := parsePort(loStr)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return lo, lo, nil
	}

	hi, err := parsePort(hiStr)
	if err != nil {
		return 0, 0, err
	}
	if hi < lo {
		return 0, 0, fmt.Errorf("port range %d-%d is reversed", lo, hi)
	}
	if hi-lo >= maxPortRange {
		return 0, 0, fmt.Errorf("port range %d-%d is wider than %d ports", lo, hi, maxPortRange)
	}
	return lo, hi, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return p, nil
}
