package audit

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/umi1970/TradeMatrix-sub001/models"
)

// MongoDB database and collection names for the audit mirror
const (
	MongoDBName           = "trade_matrix"
	MongoRunLogCollection = "run_log"
)

// MongoMirror copies run log entries to a MongoDB Atlas collection so the
// audit trail survives a lost relational database. Strictly best-effort.
type MongoMirror struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoMirror connects to MongoDB and verifies the connection. Returns
// an error when the URI is unreachable; callers treat the mirror as
// optional and run without it.
func NewMongoMirror(ctx context.Context, uri string) (*MongoMirror, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(connectCtx)
		return nil, err
	}

	log.Info("MongoDB audit mirror connected")
	return &MongoMirror{
		client:     client,
		collection: client.Database(MongoDBName).Collection(MongoRunLogCollection),
	}, nil
}

// Record inserts the entry into the mirror collection. Failures are logged
// and swallowed; the relational sink already holds (or logged) the entry.
func (m *MongoMirror) Record(ctx context.Context, entry *models.RunLogEntry) {
	insertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := m.collection.InsertOne(insertCtx, entry); err != nil {
		log.WithFields(log.Fields{
			"run_id": entry.RunID,
			"symbol": entry.Symbol,
			"error":  err.Error(),
		}).Warn("MongoDB audit mirror write failed")
	}
}

// Close disconnects the mirror client.
func (m *MongoMirror) Close(ctx context.Context) {
	if m == nil || m.client == nil {
		return
	}
	disconnectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.client.Disconnect(disconnectCtx); err != nil {
		log.WithField("error", err.Error()).Warn("MongoDB audit mirror disconnect failed")
	}
}
