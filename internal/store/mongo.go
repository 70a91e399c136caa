package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig contains MongoDB connection settings
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// MongoStore reads and writes visits in a MongoDB collection
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
	now        func() time.Time
}

// visitDocument is the BSON shape of a visit record. Visits are created
// elsewhere with empty strings in the recording fields and the duration
// stored as a decimal string of seconds, so those fields decode leniently.
type visitDocument struct {
	ID                  primitive.ObjectID `bson:"_id"`
	UserID              string             `bson:"user_id,omitempty"`
	TemplateID          string             `bson:"template_id,omitempty"`
	AdditionalContext   string             `bson:"additional_context,omitempty"`
	Status              string             `bson:"status"`
	Transcript          string             `bson:"transcript"`
	RecordingStartedAt  optionalTime       `bson:"recording_started_at"`
	RecordingDuration   seconds            `bson:"recording_duration"`
	RecordingFinishedAt optionalTime       `bson:"recording_finished_at"`
	Note                string             `bson:"note,omitempty"`
	ModifiedAt          time.Time          `bson:"modified_at"`
}

// optionalTime decodes a BSON datetime, an RFC 3339 string, or an empty
// string / null meaning "not set"
type optionalTime struct {
	Time *time.Time
}

func (o *optionalTime) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: t, Value: data}

	switch t {
	case bsontype.Null, bsontype.Undefined:
		o.Time = nil
		return nil

	case bsontype.DateTime:
		ms, ok := raw.DateTimeOK()
		if !ok {
			return fmt.Errorf("invalid datetime value")
		}
		ts := time.UnixMilli(ms).UTC()
		o.Time = &ts
		return nil

	case bsontype.String:
		str := strings.TrimSpace(raw.StringValue())
		if str == "" {
			o.Time = nil
			return nil
		}
		ts, err := parseTimeString(str)
		if err != nil {
			return err
		}
		o.Time = &ts
		return nil
	}

	return fmt.Errorf("cannot decode %s into a timestamp", t)
}

// parseTimeString accepts RFC 3339 and the "2006-01-02 15:04:05.999999"
// layout produced by str() of a naive UTC datetime
func parseTimeString(str string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, str); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04:05.999999", str, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", str)
	}
	return ts, nil
}

// seconds decodes a recording duration stored as a decimal string ("10",
// "4.8", ""), a number, or null
type seconds struct {
	Duration time.Duration
}

func (s *seconds) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: t, Value: data}

	var value float64
	switch t {
	case bsontype.Null, bsontype.Undefined:
		s.Duration = 0
		return nil

	case bsontype.String:
		str := strings.TrimSpace(raw.StringValue())
		if str == "" {
			s.Duration = 0
			return nil
		}
		parsed, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return fmt.Errorf("invalid recording duration %q", str)
		}
		value = parsed

	case bsontype.Int32:
		value = float64(raw.Int32())

	case bsontype.Int64:
		value = float64(raw.Int64())

	case bsontype.Double:
		value = raw.Double()

	default:
		return fmt.Errorf("cannot decode %s into a recording duration", t)
	}

	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		value = 0
	}
	s.Duration = time.Duration(value * float64(time.Second)).Round(time.Millisecond)
	return nil
}

// formatSeconds renders a duration the way it is persisted: decimal seconds
// with millisecond precision and no trailing zeros
func formatSeconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatFloat(d.Round(time.Millisecond).Seconds(), 'f', -1, 64)
}

// NewMongoStore connects to MongoDB and verifies the connection
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		timeout:    cfg.Timeout,
		now:        time.Now,
	}, nil
}

// GetVisit loads a visit by its hex object id
func (s *MongoStore) GetVisit(ctx context.Context, id string) (*Visit, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("get visit %s: %w", id, ErrVisitNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc visitDocument
	if err := s.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("get visit %s: %w", id, ErrVisitNotFound)
		}
		return nil, fmt.Errorf("get visit %s: %w", id, err)
	}

	return doc.toVisit(), nil
}

// UpdateVisit applies a partial $set update and returns the updated document
func (s *MongoStore) UpdateVisit(ctx context.Context, id string, update VisitUpdate) (*Visit, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("update visit %s: %w", id, ErrVisitNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	result := s.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": updateDocument(update, s.now().UTC())},
		opts,
	)

	var doc visitDocument
	if err := result.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("update visit %s: %w", id, ErrVisitNotFound)
		}
		return nil, fmt.Errorf("update visit %s: %w", id, err)
	}

	return doc.toVisit(), nil
}

// Close disconnects the underlying client
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// updateDocument builds the $set document for a partial update
func updateDocument(update VisitUpdate, modifiedAt time.Time) bson.M {
	set := bson.M{"modified_at": modifiedAt}
	if update.Status != nil {
		set["status"] = string(*update.Status)
	}
	if update.Transcript != nil {
		set["transcript"] = *update.Transcript
	}
	if update.RecordingStartedAt != nil {
		set["recording_started_at"] = update.RecordingStartedAt.UTC()
	}
	if update.RecordingDuration != nil {
		set["recording_duration"] = formatSeconds(*update.RecordingDuration)
	}
	if update.RecordingFinishedAt != nil {
		set["recording_finished_at"] = update.RecordingFinishedAt.UTC()
	}
	if update.Note != nil {
		set["note"] = *update.Note
	}
	return set
}

func (d *visitDocument) toVisit() *Visit {
	status := Status(d.Status)
	if status == "" {
		status = StatusNotStarted
	}
	return &Visit{
		ID:                  d.ID.Hex(),
		UserID:              d.UserID,
		TemplateID:          d.TemplateID,
		AdditionalContext:   d.AdditionalContext,
		Status:              status,
		Transcript:          d.Transcript,
		RecordingStartedAt:  d.RecordingStartedAt.Time,
		RecordingDuration:   d.RecordingDuration.Duration,
		RecordingFinishedAt: d.RecordingFinishedAt.Time,
		Note:                d.Note,
		ModifiedAt:          d.ModifiedAt,
	}
}
