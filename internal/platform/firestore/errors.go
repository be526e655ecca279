package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/genfity/fulfillment/internal/repositories"
)

// KindForCode classifies a gRPC status code returned by Firestore.
func KindForCode(code codes.Code) repositories.StoreErrorKind {
	switch code {
	case codes.NotFound:
		return repositories.StoreErrorNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return repositories.StoreErrorConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return repositories.StoreErrorUnavailable
	default:
		return repositories.StoreErrorUnknown
	}
}

// WrapError annotates a Firestore error with repository semantics. Context cancellation and
// errors that already carry repository or service meaning pass through unchanged.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}

	code := status.Code(err)
	if code == codes.Unknown {
		if errors.Is(err, context.DeadlineExceeded) {
			code = codes.DeadlineExceeded
		} else if _, ok := status.FromError(err); !ok {
			// Not a gRPC error: it came from caller code inside a transaction.
			return err
		}
	}
	if code == codes.Canceled {
		return context.Canceled
	}
	return repositories.NewStoreError(op, KindForCode(code), err)
}
