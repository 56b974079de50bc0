package ccproxy_test

import (
	"context"
	"log/slog"

	"github.com/cc7173757/ccproxy"
)

func ExampleNew() {
	// Start from the default configuration and point it at the backend server
	// that sessions should be forwarded to.
	conf := ccproxy.DefaultConfig()
	conf.Proxy.Address = ":19132"
	conf.Upstream.Address = "127.0.0.1:19133"

	p := ccproxy.New(conf, slog.Default())

	// Run blocks until the context is cancelled or the listener fails. Closing
	// the context shuts every session down gracefully.
	if err := p.Run(context.Background()); err != nil {
		panic("error running proxy: " + err.Error())
	}
}

func ExampleProxy_SetSelector() {
	conf := ccproxy.DefaultConfig()
	p := ccproxy.New(conf, slog.Default())

	// Spread new sessions over a pool of equivalent backend servers instead of
	// the single configured upstream address.
	p.SetSelector(ccproxy.NewRoundRobinSelector("10.0.0.1:19132", "10.0.0.2:19132"))

	if err := p.Run(context.Background()); err != nil {
		panic("error running proxy: " + err.Error())
	}
}
