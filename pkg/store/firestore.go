package store

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultCollection is the Firestore collection the browser client wrote to.
const DefaultCollection = "transactions"

// FirestoreRecorder writes one document per payment intent. The document id
// is the intent id, so Create fails for a second write.
type FirestoreRecorder struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreRecorder(client *firestore.Client, collection string) *FirestoreRecorder {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreRecorder{client: client, collection: collection}
}

// OpenFirestore creates a client with application default credentials, or
// against FIRESTORE_EMULATOR_HOST when set.
func OpenFirestore(ctx context.Context, projectID, collection string) (*FirestoreRecorder, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewFirestoreRecorder(client, collection), nil
}

func (f *FirestoreRecorder) Record(ctx context.Context, rec TransactionRecord) (RecordID, error) {
	rec, err := prepare(rec)
	if err != nil {
		return "", err
	}
	doc := f.client.Collection(f.collection).Doc(rec.PaymentIntentID)
	if _, err := doc.Create(ctx, rec); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("firestore create failed: %w", err)
	}
	return rec.RecordID, nil
}

func (f *FirestoreRecorder) Get(ctx context.Context, paymentIntentID string) (TransactionRecord, error) {
	snap, err := f.client.Collection(f.collection).Doc(paymentIntentID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return TransactionRecord{}, ErrNotFound
		}
		return TransactionRecord{}, fmt.Errorf("firestore get failed: %w", err)
	}
	var rec TransactionRecord
	if err := snap.DataTo(&rec); err != nil {
		return TransactionRecord{}, fmt.Errorf("decode transaction: %w", err)
	}
	return rec, nil
}

func (f *FirestoreRecorder) Close() error {
	if err := f.client.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
