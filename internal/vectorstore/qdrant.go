package vectorstore

import (
	"context"
	"fmt"

	"email-classifier/internal/model"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// payload keys
const (
	payloadEmailID        = "email_id"
	payloadCategory       = "category"
	payloadSenderDomain   = "sender_domain"
	payloadBusinessName   = "business_name"
	payloadContactAddress = "contact_address"
)

// QdrantStore keeps one point per record in a cosine collection.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      qdrant.PointsClient
	collections qdrant.CollectionsClient
	collection  string
	dimension   int
	logger      *zap.Logger
}

// DialQdrant connects to qdrant's gRPC port.
func DialQdrant(addr, collection string, dimension int, logger *zap.Logger) (*QdrantStore, error) {
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant at %s: %w", addr, err)
	}
	s := NewQdrantStore(qdrant.NewPointsClient(conn), qdrant.NewCollectionsClient(conn), collection, dimension, logger)
	s.conn = conn
	return s, nil
}

func NewQdrantStore(points qdrant.PointsClient, collections qdrant.CollectionsClient, collection string, dimension int, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QdrantStore{
		points:      points,
		collections: collections,
		collection:  collection,
		dimension:   dimension,
		logger:      logger,
	}
}

// EnsureCollection creates the collection when it does not exist yet.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	list, err := s.collections.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}
	if s.dimension <= 0 {
		return fmt.Errorf("cannot create collection %q without a vector dimension", s.collection)
	}

	_, err = s.collections.Create(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     uint64(s.dimension),
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %q: %w", s.collection, err)
	}
	s.logger.Info("Created qdrant collection",
		zap.String("collection", s.collection),
		zap.Int("dimension", s.dimension),
	)
	return nil
}

func (s *QdrantStore) FindNearest(ctx context.Context, embedding []float32, topK int) ([]model.SimilarityCandidate, error) {
	if err := checkDimension(s.dimension, embedding); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 1
	}

	resp, err := s.points.Search(ctx, &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	out := make([]model.SimilarityCandidate, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		payload := p.GetPayload()
		id := payload[payloadEmailID].GetStringValue()
		if id == "" {
			id = p.GetId().GetUuid()
		}
		out = append(out, model.SimilarityCandidate{
			ID:             id,
			Score:          model.ClampConfidence(float64(p.GetScore())),
			Category:       model.Category(payload[payloadCategory].GetStringValue()),
			SenderDomain:   payload[payloadSenderDomain].GetStringValue(),
			BusinessName:   payload[payloadBusinessName].GetStringValue(),
			ContactAddress: payload[payloadContactAddress].GetStringValue(),
		})
	}
	return out, nil
}

func (s *QdrantStore) Upsert(ctx context.Context, entry model.IndexEntry) error {
	if err := checkDimension(s.dimension, entry.Embedding); err != nil {
		return err
	}

	wait := true
	_, err := s.points.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: []*qdrant.PointStruct{{
			Id: &qdrant.PointId{
				PointIdOptions: &qdrant.PointId_Uuid{Uuid: PointID(entry.ID)},
			},
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: entry.Embedding},
				},
			},
			Payload: map[string]*qdrant.Value{
				payloadEmailID:        stringValue(entry.ID),
				payloadCategory:       stringValue(string(entry.Category)),
				payloadSenderDomain:   stringValue(entry.SenderDomain),
				payloadBusinessName:   stringValue(entry.BusinessName),
				payloadContactAddress: stringValue(entry.ContactAddress),
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert %s: %w", entry.ID, err)
	}
	return nil
}

func (s *QdrantStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// PointID maps an email id onto a stable qdrant point uuid. UUID ids are
// used as is; anything else gets a name-based uuid.
func PointID(emailID string) string {
	if u, err := uuid.Parse(emailID); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(emailID)).String()
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}
