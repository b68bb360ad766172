package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/voxel-core/internal/codec"
	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/world"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig параметры подключения к MongoDB
type MongoConfig struct {
	URI      string // например mongodb://localhost:27017
	Database string // например voxel
}

// MongoWorldStore хранит миры в MongoDB: коллекция worlds (метаданные)
// и коллекция chunks (по документу на чанк).
type MongoWorldStore struct {
	client     *mongo.Client
	worlds     *mongo.Collection
	chunks     *mongo.Collection
	ctxTimeout time.Duration
	log        *logging.Logger
}

type mongoWorldDoc struct {
	ID            string    `bson:"_id"`
	OwnerID       string    `bson:"owner_id"`
	Name          string    `bson:"name"`
	CreatedAt     time.Time `bson:"created_at"`
	Seed          int64     `bson:"seed"`
	Public        bool      `bson:"public"`
	MaxPlayers    int       `bson:"max_players"`
	AllowBuilding bool      `bson:"allow_building"`
	GeneratorType string    `bson:"generator_type"`
}

type mongoChunkDoc struct {
	WorldID string `bson:"world_id"`
	X       int    `bson:"x"`
	Z       int    `bson:"z"`
	Data    []byte `bson:"data"`
}

// NewMongoWorldStore подключается к MongoDB и создаёт индексы
func NewMongoWorldStore(cfg MongoConfig) (*MongoWorldStore, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "voxel"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("не удалось проверить соединение с MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	store := &MongoWorldStore{
		client:     client,
		worlds:     db.Collection("worlds"),
		chunks:     db.Collection("chunks"),
		ctxTimeout: 5 * time.Second,
		log:        logging.GetStorageLogger(),
	}
	if err := store.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	store.log.Info("Подключено к MongoDB %s/%s", cfg.URI, cfg.Database)
	return store, nil
}

func (s *MongoWorldStore) ensureIndexes(ctx context.Context) error {
	_, err := s.chunks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "world_id", Value: 1}, {Key: "x", Value: 1}, {Key: "z", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("chunk_unique"),
	})
	if err != nil {
		return fmt.Errorf("ошибка создания индексов MongoDB: %w", err)
	}
	return nil
}

func (s *MongoWorldStore) LoadWorld(ctx context.Context, worldID string) (*WorldData, error) {
	ctx, cancel := context.WithTimeout(ctx, s.ctxTimeout)
	defer cancel()

	var doc mongoWorldDoc
	err := s.worlds.FindOne(ctx, bson.M{"_id": worldID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrWorldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения мира %s из MongoDB: %w", worldID, err)
	}

	cur, err := s.chunks.Find(ctx, bson.M{"world_id": worldID})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения чанков мира %s: %w", worldID, err)
	}
	var docs []mongoChunkDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("ошибка чтения чанков мира %s: %w", worldID, err)
	}
	chunks, err := decodeChunkDocs(docs)
	if err != nil {
		return nil, fmt.Errorf("мир %s: %w", worldID, err)
	}
	return &WorldData{Metadata: doc.metadata(), Chunks: chunks}, nil
}

func (s *MongoWorldStore) SaveWorld(ctx context.Context, data *WorldData) error {
	if err := validateWorldData(data); err != nil {
		return err
	}
	docs, err := encodeChunkDocs(data.Metadata.ID, data.Chunks)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.ctxTimeout)
	defer cancel()

	id := data.Metadata.ID
	if len(docs) > 0 {
		models := make([]mongo.WriteModel, 0, len(docs))
		for _, d := range docs {
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(bson.M{"world_id": d.WorldID, "x": d.X, "z": d.Z}).
				SetReplacement(d).
				SetUpsert(true))
		}
		if _, err := s.chunks.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
			return fmt.Errorf("ошибка сохранения чанков мира %s: %w", id, err)
		}
	}
	// метаданные пишутся последними: мир без метаданных не виден при загрузке
	_, err = s.worlds.ReplaceOne(ctx, bson.M{"_id": id}, newMongoWorldDoc(data.Metadata), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("ошибка сохранения метаданных мира %s: %w", id, err)
	}
	return nil
}

func (s *MongoWorldStore) SaveChunk(ctx context.Context, worldID string, key world.ChunkKey, chunk *codec.CompressedChunk) error {
	docs, err := encodeChunkDocs(worldID, map[world.ChunkKey]*codec.CompressedChunk{key: chunk})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.ctxTimeout)
	defer cancel()

	d := docs[0]
	_, err = s.chunks.ReplaceOne(ctx, bson.M{"world_id": worldID, "x": d.X, "z": d.Z}, d, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("ошибка сохранения чанка %s мира %s: %w", key, worldID, err)
	}
	return nil
}

func (s *MongoWorldStore) DeleteWorld(ctx context.Context, worldID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.ctxTimeout)
	defer cancel()

	if _, err := s.worlds.DeleteOne(ctx, bson.M{"_id": worldID}); err != nil {
		return fmt.Errorf("ошибка удаления мира %s: %w", worldID, err)
	}
	if _, err := s.chunks.DeleteMany(ctx, bson.M{"world_id": worldID}); err != nil {
		return fmt.Errorf("ошибка удаления чанков мира %s: %w", worldID, err)
	}
	return nil
}

func (s *MongoWorldStore) ListWorlds(ctx context.Context) ([]WorldMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, s.ctxTimeout)
	defer cancel()

	cur, err := s.worlds.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения списка миров: %w", err)
	}
	var docs []mongoWorldDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("ошибка чтения списка миров: %w", err)
	}
	out := make([]WorldMetadata, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.metadata())
	}
	return out, nil
}

func (s *MongoWorldStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func newMongoWorldDoc(m WorldMetadata) mongoWorldDoc {
	return mongoWorldDoc{
		ID:            m.ID,
		OwnerID:       m.OwnerID,
		Name:          m.Name,
		CreatedAt:     m.CreatedAt,
		Seed:          m.Seed,
		Public:        m.Public,
		MaxPlayers:    m.MaxPlayers,
		AllowBuilding: m.AllowBuilding,
		GeneratorType: m.GeneratorType,
	}
}

func (d mongoWorldDoc) metadata() WorldMetadata {
	return WorldMetadata{
		ID:            d.ID,
		OwnerID:       d.OwnerID,
		Name:          d.Name,
		CreatedAt:     d.CreatedAt,
		Seed:          d.Seed,
		Public:        d.Public,
		MaxPlayers:    d.MaxPlayers,
		AllowBuilding: d.AllowBuilding,
		GeneratorType: d.GeneratorType,
	}
}

// encodeChunkDocs кодирует чанки в документы в порядке ключей
func encodeChunkDocs(worldID string, chunks map[world.ChunkKey]*codec.CompressedChunk) ([]mongoChunkDoc, error) {
	rows, err := encodeChunkRows(chunks)
	if err != nil {
		return nil, err
	}
	docs := make([]mongoChunkDoc, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, mongoChunkDoc{WorldID: worldID, X: r.cx, Z: r.cz, Data: r.data})
	}
	return docs, nil
}

func decodeChunkDocs(docs []mongoChunkDoc) (map[world.ChunkKey]*codec.CompressedChunk, error) {
	chunks := make(map[world.ChunkKey]*codec.CompressedChunk, len(docs))
	for _, d := range docs {
		chunk, err := decodeChunk(d.Data)
		if err != nil {
			return nil, fmt.Errorf("чанк %d,%d: %w", d.X, d.Z, err)
		}
		chunks[world.MakeChunkKey(d.X, d.Z)] = chunk
	}
	return chunks, nil
}
