package natsx

import (
	"cmp"
	"os"

	"github.com/nats-io/nats.go"
)

// NewClient connects to the NATS server at url. An empty url falls back to the
// NATS_URL environment variable and then to nats.DefaultURL. Without explicit
// options the connection is named "hoot" and uses compression.
func NewClient(url string, opts ...nats.Option) (*nats.Conn, error) {
	if len(opts) == 0 {
		opts = append(opts, nats.Name("hoot"), nats.Compression(true))
	}
	return nats.Connect(cmp.Or(url, os.Getenv("NATS_URL"), nats.DefaultURL), opts...)
}
