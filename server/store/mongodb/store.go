// Package mongodb implements the list storage contract over a MongoDB
// replica set, using multi-document transactions for sessions and
// predicate-filtered FindOneAndUpdate for conditional writes.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"

	"github.com/asadovsky/nodelist/server/list"
)

const (
	collectionNodes = "nodes"
	dialTimeout     = 10 * time.Second
)

// Options configures the connection.
type Options struct {
	// Addr is "host:port" (or a comma-separated seed list).
	Addr string
	// Database is the database name.
	Database string
	// ReplicaSet names the replica set; transactions require one.
	ReplicaSet string
}

// Store is a MongoDB-backed list store.
type Store struct {
	client *mongo.Client
	nodes  *mongo.Collection
	logger *zap.Logger
}

var _ list.Store = (*Store)(nil)

// nodeDocument is the persisted shape of a list.Node. Prev and Next are
// stored without omitempty so a cleared pointer is an explicit null, which
// keeps the {prev: null} head filter indexable.
type nodeDocument struct {
	Id      string  `bson:"_id"`
	Prev    *string `bson:"prev"`
	Next    *string `bson:"next"`
	Version int64   `bson:"version"`
}

func toDocument(n *list.Node) nodeDocument {
	return nodeDocument{Id: n.Id, Prev: n.Prev, Next: n.Next, Version: n.Version}
}

func (d *nodeDocument) toNode() *list.Node {
	return &list.Node{Id: d.Id, Prev: d.Prev, Next: d.Next, Version: d.Version}
}

// Dial connects, pings the primary, and ensures indexes.
func Dial(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	uri := fmt.Sprintf("mongodb://%s/?replicaSet=%s", opts.Addr, opts.ReplicaSet)
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	st := &Store{
		client: client,
		nodes:  client.Database(opts.Database).Collection(collectionNodes),
		logger: logger,
	}
	if err := st.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	logger.Info("connected to MongoDB", zap.String("addr", opts.Addr), zap.String("database", opts.Database))
	return st, nil
}

// Close disconnects the client.
func (st *Store) Close(ctx context.Context) error {
	return st.client.Disconnect(ctx)
}

// Ping checks connectivity to the primary.
func (st *Store) Ping(ctx context.Context) error {
	return st.client.Ping(ctx, readpref.Primary())
}

// ensureIndexes indexes the prev pointer so head lookup is not a collection
// scan.
func (st *Store) ensureIndexes(ctx context.Context) error {
	_, err := st.nodes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "prev", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create prev index: %w", err)
	}
	return nil
}

type session struct {
	sess mongo.Session
}

// Begin opens a session and starts a transaction with snapshot reads and
// majority writes; commit-time write conflicts surface as transient errors,
// which Commit maps to the retryable signal.
func (st *Store) Begin(ctx context.Context) (list.Session, error) {
	sess, err := st.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := sess.StartTransaction(txnOpts); err != nil {
		sess.EndSession(ctx)
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return &session{sess: sess}, nil
}

func (st *Store) sessionContext(ctx context.Context, s list.Session) (mongo.SessionContext, error) {
	ms, ok := s.(*session)
	if !ok {
		return nil, errors.New("mongodb: session belongs to a different store")
	}
	return mongo.NewSessionContext(ctx, ms.sess), nil
}

func (st *Store) Commit(ctx context.Context, s list.Session) error {
	ms, ok := s.(*session)
	if !ok {
		return errors.New("mongodb: session belongs to a different store")
	}
	if err := ms.sess.CommitTransaction(ctx); err != nil {
		if isTransient(err) {
			return &list.ConditionFailedError{Msg: fmt.Sprintf("transaction aborted on conflict: %v", err)}
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (st *Store) Rollback(ctx context.Context, s list.Session) error {
	ms, ok := s.(*session)
	if !ok {
		return errors.New("mongodb: session belongs to a different store")
	}
	return ms.sess.AbortTransaction(ctx)
}

func (st *Store) End(ctx context.Context, s list.Session) {
	if ms, ok := s.(*session); ok {
		ms.sess.EndSession(ctx)
	}
}

// isTransient reports whether err is a serialization abort the caller may
// retry in a fresh transaction.
func isTransient(err error) bool {
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel("TransientTransactionError") ||
			se.HasErrorLabel("UnknownTransactionCommitResult")
	}
	return false
}

func (st *Store) Find(ctx context.Context, s list.Session, id string) (*list.Node, error) {
	sctx, err := st.sessionContext(ctx, s)
	if err != nil {
		return nil, err
	}
	return st.findOne(sctx, bson.M{"_id": id})
}

func (st *Store) FindHead(ctx context.Context, s list.Session) (*list.Node, error) {
	sctx, err := st.sessionContext(ctx, s)
	if err != nil {
		return nil, err
	}
	return st.findOne(sctx, bson.M{"prev": nil})
}

func (st *Store) findOne(ctx context.Context, filter bson.M) (*list.Node, error) {
	var doc nodeDocument
	if err := st.nodes.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		if isTransient(err) {
			return nil, &list.ConditionFailedError{Msg: fmt.Sprintf("read aborted on conflict: %v", err)}
		}
		return nil, fmt.Errorf("failed to read node: %w", err)
	}
	return doc.toNode(), nil
}

func (st *Store) Insert(ctx context.Context, s list.Session, n *list.Node) error {
	sctx, err := st.sessionContext(ctx, s)
	if err != nil {
		return err
	}
	if _, err := st.nodes.InsertOne(sctx, toDocument(n)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &list.ConditionFailedError{Msg: fmt.Sprintf("node %s already exists", n.Id)}
		}
		if isTransient(err) {
			return &list.ConditionFailedError{Msg: fmt.Sprintf("insert aborted on conflict: %v", err)}
		}
		return fmt.Errorf("failed to insert node: %w", err)
	}
	return nil
}

func predicateFilter(id string, pred list.Predicate) bson.M {
	filter := bson.M{"_id": id, "version": pred.Version}
	if pred.CheckPrev {
		filter["prev"] = pred.Prev
	}
	if pred.CheckNext {
		filter["next"] = pred.Next
	}
	return filter
}

func (st *Store) ConditionalUpdate(ctx context.Context, s list.Session, id string, pred list.Predicate, mut list.Mutation) (*list.Node, error) {
	sctx, err := st.sessionContext(ctx, s)
	if err != nil {
		return nil, err
	}
	set := bson.M{}
	if mut.SetPrev {
		set["prev"] = mut.Prev
	}
	if mut.SetNext {
		set["next"] = mut.Next
	}
	update := bson.M{"$set": set, "$inc": bson.M{"version": int64(1)}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc nodeDocument
	if err := st.nodes.FindOneAndUpdate(sctx, predicateFilter(id, pred), update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		if isTransient(err) {
			return nil, &list.ConditionFailedError{Msg: fmt.Sprintf("update aborted on conflict: %v", err)}
		}
		return nil, fmt.Errorf("failed to update node %s: %w", id, err)
	}
	return doc.toNode(), nil
}

func (st *Store) ConditionalDelete(ctx context.Context, s list.Session, id string, pred list.Predicate) (bool, error) {
	sctx, err := st.sessionContext(ctx, s)
	if err != nil {
		return false, err
	}
	res, err := st.nodes.DeleteOne(sctx, predicateFilter(id, pred))
	if err != nil {
		if isTransient(err) {
			return false, &list.ConditionFailedError{Msg: fmt.Sprintf("delete aborted on conflict: %v", err)}
		}
		return false, fmt.Errorf("failed to delete node %s: %w", id, err)
	}
	return res.DeletedCount > 0, nil
}

// Snapshot reads all persisted nodes outside any transaction.
func (st *Store) Snapshot(ctx context.Context) ([]*list.Node, error) {
	cursor, err := st.nodes.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var nodes []*list.Node
	for cursor.Next(ctx) {
		var doc nodeDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode node: %w", err)
		}
		nodes = append(nodes, doc.toNode())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iteration error listing nodes: %w", err)
	}
	return nodes, nil
}
