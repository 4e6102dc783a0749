// Package flight_server serves batch manifests as Arrow records over Flight.
package flight_server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	cbflight "github.com/TFMV/clipbatch/internal/flight"
	"github.com/TFMV/clipbatch/internal/logging"
	"github.com/TFMV/clipbatch/internal/types"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Snapshotter reads batch snapshots from the registry.
type Snapshotter interface {
	Snapshot(ctx context.Context, batchID string) (*types.Batch, error)
}

// FlightServer answers GetFlightInfo and DoGet with the manifest of the batch
// named by the descriptor command or ticket.
type FlightServer struct {
	flight.BaseFlightServer
	server      *grpc.Server
	listener    net.Listener
	addr        string
	registry    Snapshotter
	logger      *slog.Logger
	records     map[string]arrow.Record
	recordsMu   sync.RWMutex
	allocator   memory.Allocator
	expirations map[string]time.Time
	ttl         time.Duration
	cancel      context.CancelFunc // Cancel function for cleanup goroutine
}

// ServerConfig contains configuration options for the Flight server
type ServerConfig struct {
	// Address to listen on (e.g., "localhost:8815")
	Addr string
	// Registry supplies batch snapshots
	Registry Snapshotter
	// Memory allocator to use
	Allocator memory.Allocator
	// TTL for cached manifests of settled batches (default: 1 hour)
	TTL time.Duration
	// Logger receives server diagnostics
	Logger *slog.Logger
}

// NewFlightServer creates a new Arrow Flight server
func NewFlightServer(config ServerConfig) (*FlightServer, error) {
	if config.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if config.Addr == "" {
		config.Addr = "localhost:8815"
	}
	if config.Allocator == nil {
		config.Allocator = memory.NewGoAllocator()
	}
	if config.TTL == 0 {
		config.TTL = 1 * time.Hour
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	server := &FlightServer{
		addr:        config.Addr,
		registry:    config.Registry,
		logger:      logger.With(slog.String(logging.FieldComponent, "flight")),
		records:     make(map[string]arrow.Record),
		expirations: make(map[string]time.Time),
		allocator:   config.Allocator,
		ttl:         config.TTL,
	}

	server.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(64*1024*1024), // 64MB max message size
		grpc.MaxSendMsgSize(64*1024*1024), // 64MB max message size
	)

	flight.RegisterFlightServiceServer(server.server, server)

	ctx, cancel := context.WithCancel(context.Background())
	server.cancel = cancel
	go server.cleanupExpiredRecords(ctx)

	return server, nil
}

// Listen binds the server's address without serving.
func (s *FlightServer) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()
	return nil
}

// Addr returns the listen address, resolved once Listen has run.
func (s *FlightServer) Addr() string {
	return s.addr
}

// Serve serves on the bound listener, calling Listen first if needed.
func (s *FlightServer) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("starting Arrow Flight server", slog.String("addr", s.addr))
	return s.server.Serve(s.listener)
}

// Start binds and serves in the current goroutine.
func (s *FlightServer) Start() error {
	return s.Serve()
}

// Stop stops the Flight server
func (s *FlightServer) Stop() {
	s.logger.Info("stopping Arrow Flight server")

	if s.cancel != nil {
		s.cancel()
	}

	s.recordsMu.Lock()
	for id, rec := range s.records {
		rec.Release()
		delete(s.records, id)
		delete(s.expirations, id)
	}
	s.recordsMu.Unlock()

	if s.server != nil {
		s.server.GracefulStop()
	}

	if s.listener != nil {
		s.listener.Close()
	}
}

// GetFlightInfo implements the Flight GetFlightInfo method
func (s *FlightServer) GetFlightInfo(ctx context.Context, request *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	batchID := string(request.Cmd)

	rec, err := s.manifest(ctx, batchID)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	endpoint := &flight.FlightEndpoint{
		Ticket: &flight.Ticket{Ticket: []byte(batchID)},
		Location: []*flight.Location{
			{Uri: fmt.Sprintf("grpc://%s", s.addr)},
		},
	}

	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(rec.Schema(), s.allocator),
		FlightDescriptor: request,
		Endpoint:         []*flight.FlightEndpoint{endpoint},
		TotalRecords:     rec.NumRows(),
		TotalBytes:       -1, // Unknown size
	}, nil
}

// DoGet implements the Flight DoGet method
func (s *FlightServer) DoGet(request *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	batchID := string(request.Ticket)

	rec, err := s.manifest(stream.Context(), batchID)
	if err != nil {
		return err
	}
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))

	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write manifest to stream: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	return nil
}

// manifest returns a retained record for batchID. Manifests of settled batches
// (archived or failed_partial) never change and are cached.
func (s *FlightServer) manifest(ctx context.Context, batchID string) (arrow.Record, error) {
	if batchID == "" {
		return nil, status.Error(codes.InvalidArgument, "batch ID is required")
	}

	s.recordsMu.RLock()
	rec, ok := s.records[batchID]
	if ok {
		rec.Retain()
	}
	s.recordsMu.RUnlock()
	if ok {
		return rec, nil
	}

	batch, err := s.registry.Snapshot(ctx, batchID)
	if err != nil {
		if errors.Is(err, types.ErrBatchNotFound) {
			return nil, status.Errorf(codes.NotFound, "batch with ID %s not found", batchID)
		}
		s.logger.Error("snapshot failed", logging.Error(err), slog.String(logging.FieldBatchID, batchID))
		return nil, status.Errorf(codes.Unavailable, "snapshot batch %s: %v", batchID, err)
	}

	rec = cbflight.BuildManifest(s.allocator, batch)
	if settled(batch) {
		s.recordsMu.Lock()
		if _, exists := s.records[batchID]; !exists {
			rec.Retain()
			s.records[batchID] = rec
			s.expirations[batchID] = time.Now().Add(s.ttl)
		}
		s.recordsMu.Unlock()
	}
	return rec, nil
}

func settled(batch *types.Batch) bool {
	return batch.Status == types.BatchStatusFailedPartial || batch.ArchiveReference != ""
}

// cleanupExpiredRecords periodically removes expired manifests
func (s *FlightServer) cleanupExpiredRecords(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (s *FlightServer) evictExpired(now time.Time) {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	for id, expiry := range s.expirations {
		if now.After(expiry) {
			if rec, ok := s.records[id]; ok {
				rec.Release()
				delete(s.records, id)
			}
			delete(s.expirations, id)
			s.logger.Debug("evicted cached manifest", slog.String(logging.FieldBatchID, id))
		}
	}
}

// Cached reports whether the manifest of batchID is cached.
func (s *FlightServer) Cached(batchID string) bool {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()
	_, ok := s.records[batchID]
	return ok
}
