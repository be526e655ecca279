package firestore

import (
	"context"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// GetInTx reads and decodes one document inside tx.
func GetInTx[T any](tx *firestore.Transaction, ref *firestore.DocumentRef, op string) (T, error) {
	var out T
	snap, err := tx.Get(ref)
	if err != nil {
		return out, WrapError(op, err)
	}
	if err := snap.DataTo(&out); err != nil {
		return out, WrapError(op+".decode", err)
	}
	return out, nil
}

// QueryInTx runs query inside tx and decodes every document.
func QueryInTx[T any](tx *firestore.Transaction, query firestore.Query, op string) ([]T, error) {
	iter := tx.Documents(query)
	defer iter.Stop()
	return collect[T](iter, op)
}

// Query runs query outside a transaction and decodes every document.
func Query[T any](ctx context.Context, query firestore.Query, op string) ([]T, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()
	return collect[T](iter, op)
}

func collect[T any](iter *firestore.DocumentIterator, op string) ([]T, error) {
	var out []T
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(op, err)
		}
		var item T
		if err := snap.DataTo(&item); err != nil {
			return nil, WrapError(op+".decode", err)
		}
		out = append(out, item)
	}
}
