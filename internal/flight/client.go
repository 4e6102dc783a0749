// Package flight provides the Arrow Flight client and record layout for batch manifests.
package flight

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ManifestClient retrieves batch manifests from a manifest Flight server.
type ManifestClient struct {
	client    flight.Client
	allocator memory.Allocator
}

// ManifestClientConfig contains configuration options for the Flight client.
type ManifestClientConfig struct {
	// Address of the Flight server to connect to (e.g., "localhost:8815")
	Addr string

	// Allocator is the memory allocator to use
	Allocator memory.Allocator
}

// NewManifestClient creates a new Flight client.
func NewManifestClient(config ManifestClientConfig) (*ManifestClient, error) {
	if config.Addr == "" {
		config.Addr = "localhost:8815"
	}

	if config.Allocator == nil {
		config.Allocator = memory.NewGoAllocator()
	}

	client, err := flight.NewClientWithMiddlewareCtx(
		context.Background(),
		config.Addr,
		nil, // auth handler
		nil, // middleware
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(64*1024*1024)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}

	return &ManifestClient{
		client:    client,
		allocator: config.Allocator,
	}, nil
}

// GetManifest retrieves the manifest record of a batch. The caller releases it.
func (c *ManifestClient) GetManifest(ctx context.Context, batchID string) (arrow.Record, error) {
	info, err := c.client.GetFlightInfo(ctx, &flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte(batchID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get flight info for batch %s: %w", batchID, err)
	}

	if len(info.Endpoint) == 0 {
		return nil, fmt.Errorf("no endpoints available for batch %s", batchID)
	}

	stream, err := c.client.DoGet(ctx, info.Endpoint[0].Ticket)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream for batch %s: %w", batchID, err)
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.allocator))
	if err != nil {
		return nil, fmt.Errorf("failed to create record reader for batch %s: %w", batchID, err)
	}
	defer reader.Release()

	// The server sends exactly one record per batch.
	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, fmt.Errorf("error reading batch %s: %w", batchID, err)
		}
		return nil, fmt.Errorf("no data returned for batch %s", batchID)
	}

	record := reader.Record()
	record.Retain()

	return record, nil
}

// Close releases resources associated with the client.
func (c *ManifestClient) Close() error {
	return c.client.Close()
}
