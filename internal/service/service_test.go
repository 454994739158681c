package service

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/atlasbio/morpho/internal/storage"
)

func startService(t *testing.T) flight.Client {
	t.Helper()
	mem := memory.NewGoAllocator()
	store := storage.NewStore(t.TempDir(), nil)
	svc := New(mem, store, nil)

	server := flight.NewFlightServer()
	server.RegisterFlightService(svc)
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	server.InitListener(ln)
	go server.Serve()
	t.Cleanup(server.Shutdown)

	client, err := flight.NewClientWithMiddleware(ln.Addr().String(), nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func makeMeasurementRecord(mem memory.Allocator, rows int) arrow.RecordBatch {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "label", Type: arrow.PrimitiveTypes.Int64},
		{Name: "area", Type: arrow.PrimitiveTypes.Float64},
		{Name: "perimeter", Type: arrow.PrimitiveTypes.Float64},
		{Name: "eccentricity", Type: arrow.PrimitiveTypes.Float64},
	}, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	labelB := b.Field(0).(*array.Int64Builder)
	areaB := b.Field(1).(*array.Float64Builder)
	perimB := b.Field(2).(*array.Float64Builder)
	eccB := b.Field(3).(*array.Float64Builder)

	for i := 0; i < rows; i++ {
		base := float64(i)
		if i >= rows/2 {
			base += 100
		}
		labelB.Append(int64(i + 1))
		areaB.Append(base)
		perimB.Append(2*base + 1)
		eccB.Append(base * base / 50)
	}
	return b.NewRecordBatch()
}

func uploadTable(t *testing.T, client flight.Client, name string, rec arrow.RecordBatch) {
	t.Helper()
	ctx := context.Background()

	stream, err := client.DoPut(ctx)
	require.NoError(t, err)

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{name},
	})
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	require.NoError(t, stream.CloseSend())
	for {
		if _, err := stream.Recv(); err != nil {
			break
		}
	}
}

func fetchColumns(t *testing.T, client flight.Client, name string) ([]string, int) {
	t.Helper()
	stream, err := client.DoGet(context.Background(), &flight.Ticket{Ticket: []byte(name)})
	require.NoError(t, err)

	r, err := flight.NewRecordReader(stream)
	require.NoError(t, err)
	defer r.Release()

	var names []string
	for _, f := range r.Schema().Fields() {
		names = append(names, f.Name)
	}
	rows := 0
	for r.Next() {
		rows += int(r.RecordBatch().NumRows())
	}
	require.NoError(t, r.Err())
	return names, rows
}

func doAction(t *testing.T, client flight.Client, typ string, body []byte) ([]byte, error) {
	t.Helper()
	stream, err := client.DoAction(context.Background(), &flight.Action{Type: typ, Body: body})
	if err != nil {
		return nil, err
	}
	var out []byte
	for {
		res, err := stream.Recv()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = res.Body
	}
}

func TestUploadAndFetchTable(t *testing.T) {
	client := startService(t)
	mem := memory.NewGoAllocator()

	rec := makeMeasurementRecord(mem, 10)
	defer rec.Release()
	uploadTable(t, client, "nuclei", rec)

	cols, rows := fetchColumns(t, client, "nuclei")
	assert.Equal(t, []string{"label", "area", "perimeter", "eccentricity"}, cols)
	assert.Equal(t, 10, rows)
}

func TestFetchUnknownTable(t *testing.T) {
	client := startService(t)

	stream, err := client.DoGet(context.Background(), &flight.Ticket{Ticket: []byte("absent")})
	require.NoError(t, err)
	_, err = flight.NewRecordReader(stream)
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestRunReductionPCA(t *testing.T) {
	client := startService(t)
	mem := memory.NewGoAllocator()

	rec := makeMeasurementRecord(mem, 12)
	defer rec.Release()
	uploadTable(t, client, "nuclei", rec)

	k := 2
	body, err := json.Marshal(ReductionRequest{
		Table:       "nuclei",
		Columns:     []string{"area", "perimeter", "eccentricity"},
		Algorithm:   "PCA",
		NComponents: &k,
	})
	require.NoError(t, err)

	out, err := doAction(t, client, "run-reduction", body)
	require.NoError(t, err)

	var res ReductionResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "PCA", res.Algorithm)
	assert.Equal(t, []string{"PC_0", "PC_1"}, res.Columns)
	assert.Equal(t, 12, res.Rows)

	cols, _ := fetchColumns(t, client, "nuclei")
	assert.Contains(t, cols, "PC_0")
	assert.Contains(t, cols, "PC_1")
}

func TestRunReductionStatusCodes(t *testing.T) {
	client := startService(t)
	mem := memory.NewGoAllocator()

	rec := makeMeasurementRecord(mem, 12)
	defer rec.Release()
	uploadTable(t, client, "nuclei", rec)

	cases := []struct {
		name string
		req  ReductionRequest
		code codes.Code
	}{
		{
			name: "unknown table",
			req:  ReductionRequest{Table: "absent", Columns: []string{"area"}, Algorithm: "PCA"},
			code: codes.NotFound,
		},
		{
			name: "unknown algorithm",
			req:  ReductionRequest{Table: "nuclei", Columns: []string{"area"}, Algorithm: "ISOMAP"},
			code: codes.InvalidArgument,
		},
		{
			name: "no columns",
			req:  ReductionRequest{Table: "nuclei", Algorithm: "PCA"},
			code: codes.InvalidArgument,
		},
		{
			name: "perplexity too large for table",
			req:  ReductionRequest{Table: "nuclei", Columns: []string{"area", "perimeter"}, Algorithm: "t-SNE"},
			code: codes.InvalidArgument,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, err := json.Marshal(tc.req)
			require.NoError(t, err)
			_, err = doAction(t, client, "run-reduction", body)
			require.Error(t, err)
			assert.Equal(t, tc.code, status.Code(err))
		})
	}
}

func TestRunReductionRejectsMissingValues(t *testing.T) {
	client := startService(t)
	mem := memory.NewGoAllocator()

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "area", Type: arrow.PrimitiveTypes.Float64},
		{Name: "perimeter", Type: arrow.PrimitiveTypes.Float64},
	}, nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Float64Builder).AppendValues([]float64{1, 2, 3, 4}, nil)
	pb := b.Field(1).(*array.Float64Builder)
	pb.Append(1)
	pb.AppendNull()
	pb.Append(3)
	pb.Append(4)
	rec := b.NewRecordBatch()
	defer rec.Release()

	uploadTable(t, client, "sparse", rec)

	body, err := json.Marshal(ReductionRequest{
		Table:     "sparse",
		Columns:   []string{"area", "perimeter"},
		Algorithm: "PCA",
	})
	require.NoError(t, err)
	_, err = doAction(t, client, "run-reduction", body)
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestListAndDropTables(t *testing.T) {
	client := startService(t)
	mem := memory.NewGoAllocator()

	rec := makeMeasurementRecord(mem, 5)
	defer rec.Release()
	uploadTable(t, client, "nuclei", rec)
	uploadTable(t, client, "cells", rec)

	out, err := doAction(t, client, "list-tables", nil)
	require.NoError(t, err)
	var infos []TableInfo
	require.NoError(t, json.Unmarshal(out, &infos))
	require.Len(t, infos, 2)

	_, err = doAction(t, client, "drop-table", []byte(`{"table":"cells"}`))
	require.NoError(t, err)

	out, err = doAction(t, client, "list-tables", nil)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "nuclei", infos[0].Name)

	_, err = doAction(t, client, "drop-table", []byte("cells"))
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestSnapshotLoadRoundTrip(t *testing.T) {
	client := startService(t)
	mem := memory.NewGoAllocator()

	rec := makeMeasurementRecord(mem, 8)
	defer rec.Release()
	uploadTable(t, client, "nuclei", rec)

	_, err := doAction(t, client, "snapshot-table", []byte(`{"table":"nuclei"}`))
	require.NoError(t, err)

	_, err = doAction(t, client, "drop-table", []byte(`{"table":"nuclei"}`))
	require.NoError(t, err)

	_, err = doAction(t, client, "load-table", []byte(`{"table":"nuclei"}`))
	require.NoError(t, err)

	cols, rows := fetchColumns(t, client, "nuclei")
	assert.Equal(t, 8, rows)
	assert.Contains(t, cols, "area")
	assert.Contains(t, cols, "label")
}

func TestUnknownAction(t *testing.T) {
	client := startService(t)
	_, err := doAction(t, client, "explode", nil)
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestRejectsUnsafeTableNames(t *testing.T) {
	client := startService(t)
	mem := memory.NewGoAllocator()

	rec := makeMeasurementRecord(mem, 4)
	defer rec.Release()

	// Upload under a path-traversal name must be refused.
	stream, err := client.DoPut(context.Background())
	require.NoError(t, err)
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"../escape"},
	})
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	require.NoError(t, stream.CloseSend())
	var putErr error
	for {
		if _, err := stream.Recv(); err != nil {
			if err != io.EOF {
				putErr = err
			}
			break
		}
	}
	require.Error(t, putErr)
	assert.Equal(t, codes.InvalidArgument, status.Code(putErr))

	// Quote injection through the snapshot query's view name.
	body, err := json.Marshal(map[string]string{
		"table": `x'); drop table y; --`,
		"query": "SELECT 1",
	})
	require.NoError(t, err)
	_, err = doAction(t, client, "query-snapshot", body)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// Traversal through the snapshot file path.
	_, err = doAction(t, client, "load-table", []byte(`{"table":"../../etc/passwd"}`))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
