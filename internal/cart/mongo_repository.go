package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/domain"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type cartDocument struct {
	SessionID string         `bson:"session_id"`
	Lines     []lineDocument `bson:"lines"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

type lineDocument struct {
	ProductID int64                `bson:"product_id"`
	Name      string               `bson:"name"`
	Quantity  int                  `bson:"quantity"`
	UnitPrice primitive.Decimal128 `bson:"unit_price"`
	SellerID  int64                `bson:"seller_id"`
	AddedAt   time.Time            `bson:"added_at"`
}

type MongoRepository struct {
	collection *mongo.Collection
	ttl        time.Duration
}

// NewMongoRepository stores carts in the "carts" collection. Carts untouched for ttl are
// removed by MongoDB once CreateIndexes has run.
func NewMongoRepository(db *mongo.Database, ttl time.Duration) *MongoRepository {
	return &MongoRepository{
		collection: db.Collection("carts"),
		ttl:        ttl,
	}
}

func (m *MongoRepository) GetCart(ctx context.Context, sessionID string) (*domain.Cart, error) {
	var doc cartDocument
	err := m.collection.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	return doc.toDomain()
}

func (m *MongoRepository) UpsertCart(ctx context.Context, cart *domain.Cart) error {
	now := time.Now().UTC()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now

	doc, err := newCartDocument(cart)
	if err != nil {
		return err
	}

	filter := bson.M{"session_id": cart.SessionID}
	update := bson.M{"$set": doc}
	opts := options.Update().SetUpsert(true)

	if _, err := m.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to upsert cart: %w", err)
	}
	return nil
}

func (m *MongoRepository) DeleteCart(ctx context.Context, sessionID string) error {
	result, err := m.collection.DeleteOne(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrCartNotFound
	}
	return nil
}

// DeleteCartUnchangedSince compares at millisecond precision, the resolution of a BSON date.
// A cart written in the same millisecond as since is kept.
func (m *MongoRepository) DeleteCartUnchangedSince(ctx context.Context, sessionID string, since time.Time) (bool, error) {
	filter := bson.M{
		"session_id": sessionID,
		"updated_at": bson.M{"$lt": since.UTC().Truncate(time.Millisecond)},
	}
	result, err := m.collection.DeleteOne(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("failed to delete cart: %w", err)
	}
	return result.DeletedCount > 0, nil
}

func (m *MongoRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(m.ttl.Seconds())),
		},
	}

	if _, err := m.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func newCartDocument(cart *domain.Cart) (*cartDocument, error) {
	lines := make([]lineDocument, 0, len(cart.Lines))
	for _, l := range cart.Lines {
		price, err := primitive.ParseDecimal128(l.UnitPrice.String())
		if err != nil {
			return nil, fmt.Errorf("encode price of product %d: %w", l.ProductID, err)
		}
		lines = append(lines, lineDocument{
			ProductID: l.ProductID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: price,
			SellerID:  l.SellerID,
			AddedAt:   l.AddedAt,
		})
	}
	return &cartDocument{
		SessionID: cart.SessionID,
		Lines:     lines,
		CreatedAt: cart.CreatedAt,
		UpdatedAt: cart.UpdatedAt,
	}, nil
}

func (d *cartDocument) toDomain() (*domain.Cart, error) {
	lines := make([]domain.CartLine, 0, len(d.Lines))
	for _, l := range d.Lines {
		price, err := decimal.NewFromString(l.UnitPrice.String())
		if err != nil {
			return nil, fmt.Errorf("decode price of product %d: %w", l.ProductID, err)
		}
		lines = append(lines, domain.CartLine{
			ProductID: l.ProductID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: price,
			SellerID:  l.SellerID,
			AddedAt:   l.AddedAt,
		})
	}
	return &domain.Cart{
		SessionID: d.SessionID,
		Lines:     lines,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}
