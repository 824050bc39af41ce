package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mstream-dev/mstream/go/encoding"
)

// MongoOptions configures a change stream reader for one collection.
type MongoOptions struct {
	Service    string
	Client     *mongo.Client
	Database   string
	Collection string
	// ResumeToken restarts the stream after a checkpointed position;
	// nil starts from now.
	ResumeToken []byte
}

// MongoReader tails a MongoDB change stream. Inserts, updates, and
// replaces forward the post-image; deletes forward the pre-image when the
// collection captures one. Events carry BSON payloads.
type MongoReader struct {
	opts  MongoOptions
	token bson.Raw
}

func NewMongoReader(opts MongoOptions) *MongoReader {
	return &MongoReader{opts: opts, token: bson.Raw(opts.ResumeToken)}
}

func (r *MongoReader) Run(ctx context.Context, out chan<- Event) error {
	r.enablePreAndPostImages(ctx)
	return runWithReconnect(ctx, r.opts.Service, func(ctx context.Context) error {
		return r.stream(ctx, out)
	})
}

func (r *MongoReader) stream(ctx context.Context, out chan<- Event) error {
	var opts = options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)
	if len(r.token) != 0 {
		opts.SetStartAfter(r.token)
	}

	var col = r.opts.Client.Database(r.opts.Database).Collection(r.opts.Collection)
	var cs, err = col.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		if isResumeLost(err) {
			return Fatal("resume position no longer available", err)
		}
		return fmt.Errorf("opening change stream: %w", err)
	}
	defer cs.Close(context.Background())

	log.WithFields(log.Fields{
		"source":     r.opts.Service,
		"database":   r.opts.Database,
		"collection": r.opts.Collection,
		"resuming":   len(r.token) != 0,
	}).Info("listening to change stream")

	for cs.Next(ctx) {
		var ev, ok, err = decodeChange(cs.Current)
		if err != nil {
			return err
		}
		var token = append(bson.Raw(nil), cs.ResumeToken()...)
		if !ok {
			// Nothing to forward, but don't re-read it on reconnect.
			r.token = token
			continue
		}
		ev.ResumeToken = token

		select {
		case out <- ev:
			r.token = token
		case <-ctx.Done():
			return nil
		}
	}
	if err := cs.Err(); err != nil && ctx.Err() == nil {
		if isResumeLost(err) {
			return Fatal("resume position no longer available", err)
		}
		return fmt.Errorf("reading change stream: %w", err)
	}
	return nil
}

// changeDocument is the subset of change stream fields the reader uses.
type changeDocument struct {
	OperationType            string   `bson:"operationType"`
	FullDocument             bson.Raw `bson:"fullDocument"`
	FullDocumentBeforeChange bson.Raw `bson:"fullDocumentBeforeChange"`
	NS                       struct {
		DB   string `bson:"db"`
		Coll string `bson:"coll"`
	} `bson:"ns"`
}

// decodeChange maps one change stream document onto an Event. ok is false
// when the operation carries nothing forwardable. Operations that end the
// stream for good come back as a FatalError.
func decodeChange(change bson.Raw) (Event, bool, error) {
	var doc changeDocument
	if err := bson.Unmarshal(change, &doc); err != nil {
		return Event{}, false, fmt.Errorf("decoding change document: %w", err)
	}

	var payload bson.Raw
	switch doc.OperationType {
	case "insert", "update", "replace":
		payload = doc.FullDocument
	case "delete":
		payload = doc.FullDocumentBeforeChange
	case "invalidate", "drop", "dropDatabase":
		return Event{}, false, Fatal(fmt.Sprintf("change stream ended by %s", doc.OperationType), nil)
	default:
		return Event{}, false, nil
	}
	if len(payload) == 0 {
		log.WithFields(log.Fields{
			"operation":  doc.OperationType,
			"collection": doc.NS.Coll,
		}).Warn("change carries no document; enable pre and post images to capture deletes")
		return Event{}, false, nil
	}

	var ev = Event{
		Payload:  append([]byte(nil), payload...),
		Encoding: encoding.BSON,
		Attributes: map[string]string{
			"operation_type": doc.OperationType,
			"database":       doc.NS.DB,
			"collection":     doc.NS.Coll,
		},
	}
	return ev, true, nil
}

func isResumeLost(err error) bool {
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(286) { // ChangeStreamHistoryLost
		return true
	}
	var msg = err.Error()
	return strings.Contains(msg, "resume token") ||
		strings.Contains(msg, "oplog") ||
		strings.Contains(msg, "ChangeStreamHistoryLost")
}

// enablePreAndPostImages best-effort enables delete pre-images on the
// watched collection. Failures are expected on older servers and on users
// without collMod rights.
func (r *MongoReader) enablePreAndPostImages(ctx context.Context) {
	var cmd = bson.D{
		{Key: "collMod", Value: r.opts.Collection},
		{Key: "changeStreamPreAndPostImages", Value: bson.D{{Key: "enabled", Value: true}}},
	}
	if err := r.opts.Client.Database(r.opts.Database).RunCommand(ctx, cmd).Err(); err != nil {
		log.WithFields(log.Fields{
			"source":     r.opts.Service,
			"collection": r.opts.Collection,
			"err":        err,
		}).Debug("could not enable pre and post images; deletes may carry no document")
	}
}
