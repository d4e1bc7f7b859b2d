package valkeytest

import (
	"context"
	"net"

	"github.com/docker/go-connections/nat"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	valkeycontainer "github.com/testcontainers/testcontainers-go/modules/valkey"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/acr-manager/internal/config"
)

const Prefix = "acr-manager-test"

// Start runs a ValKey container and returns a client, the mapped port and a
// function terminating both.
func Start(ctx context.Context) (valkey.Client, nat.Port, func(ctx context.Context)) {
	valkeyContainer, err := valkeycontainer.Run(ctx, "valkey/valkey:8-alpine")
	if err != nil {
		slogctx.Error(ctx, "Failed to start ValKey container", "error", err)
		panic(err)
	}

	port, err := valkeyContainer.MappedPort(ctx, nat.Port("6379"))
	if err != nil {
		slogctx.Error(ctx, "Failed to map a port for the ValKey container", "error", err)
		panic(err)
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{address(port)},
	})
	if err != nil {
		slogctx.Error(ctx, "Failed to initialise a ValKey client", "error", err)
		panic(err)
	}

	terminate := func(ctx context.Context) {
		client.Close()
		if err := valkeyContainer.Terminate(ctx); err != nil {
			slogctx.Error(ctx, "Failed to terminate ValKey container", "error", err)
			panic(err)
		}
	}

	return client, port, terminate
}

// Config returns the application settings pointing at the container.
func Config(port nat.Port) config.ValKey {
	return config.ValKey{
		Host:     commoncfg.SourceRef{Source: "embedded", Value: address(port)},
		User:     commoncfg.SourceRef{Source: "embedded", Value: ""},
		Password: commoncfg.SourceRef{Source: "embedded", Value: ""},
		Prefix:   Prefix,
	}
}

func address(port nat.Port) string {
	return net.JoinHostPort("localhost", port.Port())
}
