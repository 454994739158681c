package client

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// The server maps its error taxonomy onto gRPC status codes; these
// helpers let callers branch without importing grpc themselves.

// IsNotFound reports whether the error means the named table is not
// loaded on the server.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// IsInvalidRequest reports whether the server rejected the request
// before doing any work: bad selection, unknown algorithm, or
// out-of-range parameters.
func IsInvalidRequest(err error) bool {
	return status.Code(err) == codes.InvalidArgument
}

// IsDataQuality reports whether the run stopped because the selected
// measurements contain missing values.
func IsDataQuality(err error) bool {
	return status.Code(err) == codes.FailedPrecondition
}

// IsBusy reports whether the table already has a reduction run in
// flight; the caller should retry after the current run completes.
func IsBusy(err error) bool {
	return status.Code(err) == codes.ResourceExhausted
}
