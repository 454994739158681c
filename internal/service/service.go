// Package service exposes measurement tables and reduction runs over
// Arrow Flight. DoPut uploads a table, DoGet streams one back, and
// DoAction carries the control verbs (run-reduction, list-tables,
// drop-table, snapshot-table, load-table, query-snapshot).
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/atlasbio/morpho/internal/errors"
	"github.com/atlasbio/morpho/internal/metrics"
	"github.com/atlasbio/morpho/internal/reduce"
	"github.com/atlasbio/morpho/internal/runner"
	"github.com/atlasbio/morpho/internal/storage"
	"github.com/atlasbio/morpho/internal/table"
)

// TableService is the Flight server. Each table carries its own runner,
// so reductions on different tables proceed independently while runs on
// one table stay serialized.
type TableService struct {
	flight.BaseFlightServer

	mem    memory.Allocator
	logger *zap.Logger
	store  *storage.Store

	mu     sync.RWMutex
	tables map[string]*tableEntry
}

type tableEntry struct {
	table  *table.Table
	runner *runner.Runner
}

// New creates a TableService. store may be nil, which disables the
// snapshot actions.
func New(mem memory.Allocator, store *storage.Store, logger *zap.Logger) *TableService {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TableService{
		mem:    mem,
		logger: logger,
		store:  store,
		tables: make(map[string]*tableEntry),
	}
}

// Table names end up in snapshot file paths and DuckDB view definitions,
// so only word characters and dashes are accepted.
var tableNameRe = regexp.MustCompile(`^[\w-]+$`)

func validateTableName(name string) error {
	if !tableNameRe.MatchString(name) {
		return errors.NewValidationError("service.table_name",
			"table name must contain only letters, digits, underscores and dashes")
	}
	return nil
}

func (s *TableService) getEntry(name string) (*tableEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tables[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", name)
	}
	return e, nil
}

// TableCount reports how many tables are loaded.
func (s *TableService) TableCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables)
}

func (s *TableService) putTable(name string, t *table.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; !ok {
		metrics.ActiveTables.Inc()
	}
	s.tables[name] = &tableEntry{table: t, runner: runner.New(s.logger.Named("runner"))}
}

// observe records the Flight metrics for one call.
func observe(method string, started time.Time, err error) {
	st := "success"
	if err != nil {
		st = "failure"
	}
	metrics.FlightOperationsTotal.WithLabelValues(method, st).Inc()
	metrics.FlightDurationSeconds.WithLabelValues(method).Observe(time.Since(started).Seconds())
}

// toStatus maps domain errors onto gRPC status codes so clients can tell
// a bad request from bad data or a failed run.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, runner.ErrRunInProgress):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.IsValidation(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.IsDataQuality(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.IsAlgorithm(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.IsType(err, errors.ErrorTypeStorage):
		return status.Error(codes.Internal, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// DoPut ingests a measurement table. The flight descriptor path names the
// table; uploading to an existing name replaces it.
func (s *TableService) DoPut(stream flight.FlightService_DoPutServer) error {
	started := time.Now()
	err := s.doPut(stream)
	observe("DoPut", started, err)
	return toStatus(err)
}

func (s *TableService) doPut(stream flight.FlightService_DoPutServer) error {
	r, err := flight.NewRecordReader(stream)
	if err != nil {
		s.logger.Error("DoPut failed to create reader", zap.Error(err))
		return errors.Wrap(err, errors.ErrorTypeValidation, "service.do_put", "reading record stream")
	}
	defer r.Release()

	fd := r.LatestFlightDescriptor()
	if fd == nil || len(fd.Path) == 0 {
		return errors.NewValidationError("service.do_put", "missing flight descriptor path")
	}
	name := fd.Path[0]
	if err := validateTableName(name); err != nil {
		return err
	}

	var recs []arrow.RecordBatch
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for r.Next() {
		rec := r.RecordBatch()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := r.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "service.do_put", "reading record stream")
	}

	t, err := table.FromRecords(recs)
	if err != nil {
		return err
	}
	s.putTable(name, t)

	s.logger.Info("table uploaded",
		zap.String("table", name),
		zap.Int("rows", t.NumRows()),
		zap.Int("columns", t.NumCols()))
	return nil
}

// DoGet streams a table back, label column first, measurement and
// embedding columns in table order.
func (s *TableService) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	started := time.Now()
	err := s.doGet(tkt, stream)
	observe("DoGet", started, err)
	return toStatus(err)
}

func (s *TableService) doGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	name := string(tkt.Ticket)
	if name == "" {
		return errors.NewValidationError("service.do_get", "empty ticket")
	}
	e, err := s.getEntry(name)
	if err != nil {
		return err
	}

	rec, err := e.table.ToRecord(s.mem)
	if err != nil {
		return err
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	defer w.Close()
	return w.Write(rec)
}

// GetSchema returns the Arrow schema a DoGet of this table would carry.
func (s *TableService) GetSchema(ctx context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	if desc == nil || len(desc.Path) == 0 {
		return nil, status.Error(codes.InvalidArgument, "missing descriptor path")
	}
	e, err := s.getEntry(desc.Path[0])
	if err != nil {
		return nil, err
	}
	rec, err := e.table.ToRecord(s.mem)
	if err != nil {
		return nil, toStatus(err)
	}
	defer rec.Release()
	return &flight.SchemaResult{Schema: flight.SerializeSchema(rec.Schema(), s.mem)}, nil
}

// ListFlights enumerates the loaded tables.
func (s *TableService) ListFlights(c *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	s.mu.RLock()
	names := make([]string, 0, len(s.tables))
	rows := make(map[string]int64, len(s.tables))
	for name, e := range s.tables {
		names = append(names, name)
		rows[name] = int64(e.table.NumRows())
	}
	s.mu.RUnlock()

	for _, name := range names {
		info := &flight.FlightInfo{
			FlightDescriptor: &flight.FlightDescriptor{
				Type: flight.DescriptorPATH,
				Path: []string{name},
			},
			TotalRecords: rows[name],
		}
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

// DoAction dispatches the control verbs.
func (s *TableService) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	if action == nil {
		return status.Error(codes.InvalidArgument, "action is required")
	}
	started := time.Now()
	s.logger.Info("DoAction called", zap.String("type", action.Type))

	var err error
	switch action.Type {
	case "run-reduction":
		err = s.handleRunReduction(action, stream)
	case "list-tables":
		err = s.handleListTables(stream)
	case "drop-table":
		err = s.handleDropTable(action, stream)
	case "snapshot-table":
		err = s.handleSnapshotTable(action, stream)
	case "load-table":
		err = s.handleLoadTable(action, stream)
	case "query-snapshot":
		err = s.handleQuerySnapshot(action, stream)
	default:
		err = status.Errorf(codes.Unimplemented, "unknown action type %s", action.Type)
	}
	observe("DoAction/"+action.Type, started, err)
	return toStatus(err)
}

// ReductionRequest is the JSON body of the run-reduction action. Omitted
// parameters take the algorithm defaults.
type ReductionRequest struct {
	Table       string   `json:"table"`
	Columns     []string `json:"columns"`
	Algorithm   string   `json:"algorithm"`
	Standardize bool     `json:"standardize"`

	NNeighbors        *int     `json:"n_neighbors,omitempty"`
	Perplexity        *float64 `json:"perplexity,omitempty"`
	NComponents       *int     `json:"n_components,omitempty"`
	ExplainedVariance *float64 `json:"explained_variance_threshold,omitempty"`
}

// ReductionResult is the JSON body of a successful run-reduction result.
type ReductionResult struct {
	Table      string   `json:"table"`
	Algorithm  string   `json:"algorithm"`
	Columns    []string `json:"columns"`
	Rows       int      `json:"rows"`
	DurationMS int64    `json:"duration_ms"`
}

func (s *TableService) handleRunReduction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	var req ReductionRequest
	if err := json.Unmarshal(action.Body, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid JSON body: %v", err)
	}
	if req.Table == "" {
		return errors.NewValidationError("service.run_reduction", "table name is required")
	}

	e, err := s.getEntry(req.Table)
	if err != nil {
		return err
	}

	algo, err := reduce.ParseAlgorithm(req.Algorithm)
	if err != nil {
		return err
	}

	params := reduce.DefaultParams()
	if req.NNeighbors != nil {
		params.NNeighbors = *req.NNeighbors
	}
	if req.Perplexity != nil {
		params.Perplexity = *req.Perplexity
	}
	if req.NComponents != nil {
		// For PCA, n_components selects the component count and zero
		// means automatic selection by explained variance.
		if algo == reduce.PCA {
			params.PCAComponents = *req.NComponents
		} else {
			params.NComponents = *req.NComponents
		}
	}
	if req.ExplainedVariance != nil {
		params.ExplainedVariance = *req.ExplainedVariance
	}

	done, err := e.runner.Run(stream.Context(), runner.Request{
		Table:       e.table,
		Columns:     req.Columns,
		Algorithm:   algo,
		Standardize: req.Standardize,
		Params:      params,
	})
	if err != nil {
		return err
	}

	select {
	case c := <-done:
		if c.Err != nil {
			return c.Err
		}
		body, err := json.Marshal(ReductionResult{
			Table:      req.Table,
			Algorithm:  string(c.Algorithm),
			Columns:    c.Columns,
			Rows:       e.table.NumRows(),
			DurationMS: c.Duration.Milliseconds(),
		})
		if err != nil {
			return status.Errorf(codes.Internal, "encoding result: %v", err)
		}
		return stream.Send(&flight.Result{Body: body})
	case <-stream.Context().Done():
		// The run keeps going server-side; the merge still lands.
		return status.FromContextError(stream.Context().Err()).Err()
	}
}

// TableInfo describes one loaded table in list-tables results.
type TableInfo struct {
	Name    string   `json:"name"`
	Rows    int      `json:"rows"`
	Columns []string `json:"columns"`
}

func (s *TableService) handleListTables(stream flight.FlightService_DoActionServer) error {
	s.mu.RLock()
	infos := make([]TableInfo, 0, len(s.tables))
	for name, e := range s.tables {
		infos = append(infos, TableInfo{
			Name:    name,
			Rows:    e.table.NumRows(),
			Columns: e.table.ColumnNames(),
		})
	}
	s.mu.RUnlock()

	body, err := json.Marshal(infos)
	if err != nil {
		return status.Errorf(codes.Internal, "encoding table list: %v", err)
	}
	return stream.Send(&flight.Result{Body: body})
}

type namedRequest struct {
	Table string `json:"table"`
}

func decodeName(body []byte) (string, error) {
	var req namedRequest
	if len(body) > 0 && body[0] == '{' {
		if err := json.Unmarshal(body, &req); err != nil {
			return "", status.Errorf(codes.InvalidArgument, "invalid JSON body: %v", err)
		}
	} else {
		req.Table = string(bytes.TrimSpace(body))
	}
	if req.Table == "" {
		return "", status.Error(codes.InvalidArgument, "table name is required")
	}
	if err := validateTableName(req.Table); err != nil {
		return "", err
	}
	return req.Table, nil
}

func (s *TableService) handleDropTable(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	name, err := decodeName(action.Body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.tables[name]
	if ok {
		if e.runner.Busy() {
			s.mu.Unlock()
			return status.Errorf(codes.FailedPrecondition, "table %q has a reduction run in flight", name)
		}
		delete(s.tables, name)
		metrics.ActiveTables.Dec()
	}
	s.mu.Unlock()

	if !ok {
		return status.Errorf(codes.NotFound, "table %q not found", name)
	}
	s.logger.Info("table dropped", zap.String("table", name))
	return stream.Send(&flight.Result{Body: []byte("dropped")})
}

func (s *TableService) handleSnapshotTable(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	if s.store == nil {
		return status.Error(codes.Unimplemented, "snapshot storage is not configured")
	}
	name, err := decodeName(action.Body)
	if err != nil {
		return err
	}
	e, err := s.getEntry(name)
	if err != nil {
		return err
	}
	if err := s.store.Snapshot(name, e.table); err != nil {
		return err
	}
	return stream.Send(&flight.Result{Body: []byte("snapshotted")})
}

func (s *TableService) handleLoadTable(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	if s.store == nil {
		return status.Error(codes.Unimplemented, "snapshot storage is not configured")
	}
	name, err := decodeName(action.Body)
	if err != nil {
		return err
	}
	t, err := s.store.Load(name)
	if err != nil {
		return err
	}
	s.putTable(name, t)
	return stream.Send(&flight.Result{Body: []byte("loaded")})
}

func (s *TableService) handleQuerySnapshot(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	if s.store == nil {
		return status.Error(codes.Unimplemented, "snapshot storage is not configured")
	}
	var req struct {
		Table string `json:"table"`
		Query string `json:"query"`
	}
	if err := json.Unmarshal(action.Body, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid JSON body: %v", err)
	}
	if req.Table == "" || req.Query == "" {
		return status.Error(codes.InvalidArgument, "table and query are required")
	}
	if err := validateTableName(req.Table); err != nil {
		return err
	}

	rdr, cleanup, err := s.store.QuerySnapshot(stream.Context(), req.Table, req.Query)
	if err != nil {
		s.logger.Error("snapshot query failed", zap.String("table", req.Table), zap.Error(err))
		return err
	}
	defer cleanup()

	// Results travel as one IPC stream in the action result body.
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rdr.Schema()))
	for rdr.Next() {
		if err := w.Write(rdr.Record()); err != nil {
			return status.Errorf(codes.Internal, "writing arrow record: %v", err)
		}
	}
	if err := rdr.Err(); err != nil {
		return status.Errorf(codes.Internal, "reading query results: %v", err)
	}
	if err := w.Close(); err != nil {
		return status.Errorf(codes.Internal, "closing ipc writer: %v", err)
	}
	return stream.Send(&flight.Result{Body: buf.Bytes()})
}
