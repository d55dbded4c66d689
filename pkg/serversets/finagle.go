package serversets

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"unicode/utf8"
)

// ErrDecode is wrapped by the errors of the deserializers in this package.
var ErrDecode = errors.New("serversets: unable to decode member data")

// String decodes member data as a UTF-8 string. This is the format written
// by Member: one or more host:port endpoints.
func String(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: invalid utf-8", ErrDecode)
	}
	return string(data), nil
}

// FinagleRecord is structure of the data in each member znode of a Finagle
// server set.
type FinagleRecord struct {
	ServiceEndpoint     endpoint            `json:"serviceEndpoint"`
	AdditionalEndpoints map[string]endpoint `json:"additionalEndpoints"`
	Shard               int64               `json:"shard"`
	Status              string              `json:"status"`
}

type endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// NewFinagleRecord creates an alive endpoint record from host and port.
func NewFinagleRecord(host string, port int) *FinagleRecord {
	return &FinagleRecord{
		ServiceEndpoint:     endpoint{host, port},
		AdditionalEndpoints: make(map[string]endpoint),
		Status:              statusAlive,
	}
}

// Marshal encodes the record in JSON format.
func (f *FinagleRecord) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Endpoint returns host:port.
func (f *FinagleRecord) Endpoint() string {
	return net.JoinHostPort(f.ServiceEndpoint.Host, strconv.Itoa(f.ServiceEndpoint.Port))
}

// IsAlive returns true if this endpoint is to be discovered by user.
func (f *FinagleRecord) IsAlive() bool {
	return f.Status == statusAlive
}

// Finagle decodes a Finagle server set record into its service endpoint.
// Records that are not ALIVE are reported as errors so they stay out of the
// peer list.
func Finagle(data []byte) (string, error) {
	f := &FinagleRecord{}
	if err := json.Unmarshal(data, f); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if !f.IsAlive() {
		return "", fmt.Errorf("%w: endpoint %s is %s", ErrDecode, f.Endpoint(), f.Status)
	}
	return f.Endpoint(), nil
}

// possible endpoint statuses. Currently only concerned with ALIVE.
const (
	statusDead  = "DEAD"
	statusAlive = "ALIVE"
)
