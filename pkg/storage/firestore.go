package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements Database using Google Cloud Firestore.
// Everything lives under sites/{siteID} so that several installations can
// share one project.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	siteID    string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	siteID := lflag.String("firestore-site-id", "default", "Document under sites/ that holds this installation's data")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.siteID = *siteID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.siteID == "" {
		return errors.New("firestore-site-id cannot be empty")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) collection(name string) *firestore.CollectionRef {
	return f.client.Collection("sites").Doc(f.siteID).Collection(name)
}

// GetSettings retrieves the dynamic configuration from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.collection("config").Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var s types.Settings
	if err := decodeJSONField(doc, &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "invalid settings doc", slog.Any("error", err))
		return types.Settings{}, 0, err
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings" document.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = f.collection("config").Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(b),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// UpsertConsumption writes all samples in one transaction. The document ID
// is the RFC3339 timestamp so a re-insert replaces the sample.
func (f *FirestoreProvider) UpsertConsumption(ctx context.Context, samples []types.ConsumptionSample) error {
	if len(samples) == 0 {
		return ErrEmptyBatch
	}
	coll := f.collection("consumption")
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, sample := range samples {
			if sample.Timestamp.IsZero() {
				return fmt.Errorf("consumption sample missing timestamp")
			}
			b, err := json.Marshal(sample)
			if err != nil {
				return fmt.Errorf("failed to marshal consumption sample: %w", err)
			}
			err = tx.Set(coll.Doc(keyFor(sample.Timestamp)), map[string]interface{}{
				"json":      string(b),
				"timestamp": sample.Timestamp,
				"isManual":  sample.IsManual,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert consumption: %w", err)
	}
	return nil
}

// GetConsumptionHistory uses document ID range queries for efficient
// filtering without reading all documents.
func (f *FirestoreProvider) GetConsumptionHistory(ctx context.Context, start, end time.Time) ([]types.ConsumptionSample, error) {
	coll := f.collection("consumption")
	q := coll.Where(firestore.DocumentID, ">=", coll.Doc(keyFor(start)))
	if !end.IsZero() {
		q = q.Where(firestore.DocumentID, "<", coll.Doc(keyFor(end)))
	}
	iter := q.OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var samples []types.ConsumptionSample
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating consumption: %w", err)
		}
		var s types.ConsumptionSample
		if err := decodeJSONField(doc, &s); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid consumption doc", slog.String("docID", doc.Ref.ID), slog.Any("error", err))
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// DeleteConsumptionBefore removes every sample older than cutoff.
func (f *FirestoreProvider) DeleteConsumptionBefore(ctx context.Context, cutoff time.Time) (int, error) {
	coll := f.collection("consumption")
	return f.deleteQuery(ctx, coll.Where(firestore.DocumentID, "<", coll.Doc(keyFor(cutoff))))
}

// DeleteConsumption removes manual samples, or every sample when manualOnly
// is false.
func (f *FirestoreProvider) DeleteConsumption(ctx context.Context, manualOnly bool) (int, error) {
	q := f.collection("consumption").Query
	if manualOnly {
		q = q.Where("isManual", "==", true)
	}
	return f.deleteQuery(ctx, q)
}

// DeleteConsumptionSamples removes the samples with the given timestamps.
func (f *FirestoreProvider) DeleteConsumptionSamples(ctx context.Context, timestamps []time.Time) (int, error) {
	if len(timestamps) == 0 {
		return 0, nil
	}
	coll := f.collection("consumption")
	bw := f.client.BulkWriter(ctx)
	for _, ts := range timestamps {
		if _, err := bw.Delete(coll.Doc(keyFor(ts))); err != nil {
			bw.End()
			return 0, fmt.Errorf("failed to queue consumption delete: %w", err)
		}
	}
	bw.End()
	return len(timestamps), nil
}

func (f *FirestoreProvider) deleteQuery(ctx context.Context, q firestore.Query) (int, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	bw := f.client.BulkWriter(ctx)
	var n int
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return n, fmt.Errorf("error iterating consumption: %w", err)
		}
		if _, err := bw.Delete(doc.Ref); err != nil {
			bw.End()
			return n, fmt.Errorf("failed to queue consumption delete: %w", err)
		}
		n++
	}
	bw.End()
	return n, nil
}

// InsertAction adds a new action record to the "action_history" collection
// under a generated document ID so actions sharing a timestamp are all kept.
func (f *FirestoreProvider) InsertAction(ctx context.Context, action types.Action) error {
	b, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	_, err = f.collection("action_history").NewDoc().Set(ctx, map[string]interface{}{
		"json":      string(b),
		"timestamp": action.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// GetActionHistory retrieves action records within [start, end).
func (f *FirestoreProvider) GetActionHistory(ctx context.Context, start, end time.Time) ([]types.Action, error) {
	iter := f.collection("action_history").
		Where("timestamp", ">=", start).
		Where("timestamp", "<", end).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var actions []types.Action
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating actions: %w", err)
		}
		var a types.Action
		if err := decodeJSONField(doc, &a); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid action doc", slog.String("actionID", doc.Ref.ID), slog.Any("error", err))
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// GetLatestAction returns the most recent action, or nil if there is none.
func (f *FirestoreProvider) GetLatestAction(ctx context.Context) (*types.Action, error) {
	iter := f.collection("action_history").
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest action doc: %w", err)
	}
	var a types.Action
	if err := decodeJSONField(doc, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// decodeJSONField unmarshals the "json" string field of a document into v.
func decodeJSONField(doc *firestore.DocumentSnapshot, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}
