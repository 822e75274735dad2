package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Document is a decoded snapshot. Ref is always populated so transactional callers can
// write back without resolving the path again. Exists is false when Load found nothing.
type Document[T any] struct {
	ID         string
	Ref        *firestore.DocumentRef
	Data       T
	Exists     bool
	UpdateTime time.Time
}

// QueryBuilder narrows a collection query before it runs.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection binds a document type to a top-level collection.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection returns a typed view over the named collection.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Ref resolves the document reference for id.
func (c *Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("ref"), errors.New("document id is required"))
	}
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Get reads id outside a transaction. A missing document yields a not-found *Error.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snapshot, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return c.decode(ref, snapshot)
}

// Load reads id inside tx. Absence is reported through Exists rather than an error, since
// most transactional writers branch on it.
func (c *Collection[T]) Load(ctx context.Context, tx *firestore.Transaction, id string) (Document[T], error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snapshot, err := tx.Get(ref)
	switch {
	case status.Code(err) == codes.NotFound:
		return Document[T]{ID: id, Ref: ref}, nil
	case err != nil:
		return Document[T]{}, err
	}
	return c.decode(ref, snapshot)
}

// Patch applies field updates to an existing document.
func (c *Collection[T]) Patch(ctx context.Context, id string, updates ...firestore.Update) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Update(ctx, updates); err != nil {
		return WrapError(c.op("patch"), err)
	}
	return nil
}

// List runs the query built by build and decodes every match in order.
func (c *Collection[T]) List(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(c.op("list"), err)
		}
		doc, err := c.decode(snapshot.Ref, snapshot)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

func (c *Collection[T]) decode(ref *firestore.DocumentRef, snapshot *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snapshot.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s/%s: %w", c.name, ref.ID, err)
	}
	return Document[T]{
		ID:         ref.ID,
		Ref:        ref,
		Data:       data,
		Exists:     true,
		UpdateTime: snapshot.UpdateTime,
	}, nil
}

func (c *Collection[T]) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if c.provider == nil {
		return nil, WrapError(c.op("collection"), errors.New("provider is nil"))
	}
	if c.name == "" {
		return nil, WrapError(c.op("collection"), errors.New("collection name is required"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) op(action string) string {
	if c.name == "" {
		return "firestore." + action
	}
	return c.name + "." + action
}
