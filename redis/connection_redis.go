package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fgrzl/connect"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type redisRepository struct {
	client redis.UniversalClient
	ctx    context.Context
}

// NewRedisRepository connects to the Redis server at address.
func NewRedisRepository(address string) (connect.Repository, error) {
	client := redis.NewClient(&redis.Options{
		Addr: address,
	})
	ctx := context.Background()

	// Test the connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisRepositoryWithClient(client), nil
}

// NewRedisRepositoryWithClient uses an existing client. Close closes it.
func NewRedisRepositoryWithClient(client redis.UniversalClient) connect.Repository {
	return &redisRepository{
		client: client,
		ctx:    context.Background(),
	}
}

func (r *redisRepository) CreateEmptyConnection() *connect.Connection {
	return connect.NewConnection(uuid.NewString())
}

// Update stores the connection hash and adds it to the outgoing set of its
// source and the incoming set of its destination, scored by creation time.
func (r *redisRepository) Update(conn *connect.Connection) (*connect.Connection, error) {
	fields, err := encodeConnection(conn)
	if err != nil {
		return nil, err
	}

	connKey := getConnectionKey(conn.ID)
	previous, err := r.client.HMGet(r.ctx, connKey, "source", "destination").Result()
	if err != nil {
		return nil, connect.StorageError(err, "redis: read connection %s", conn.ID)
	}

	score := float64(conn.CreatedAt.UnixMicro())
	_, err = r.client.TxPipelined(r.ctx, func(pipe redis.Pipeliner) error {
		if source, ok := previous[0].(string); ok && source != string(conn.Source) {
			pipe.ZRem(r.ctx, getOutgoingKey(connect.NodeID(source)), conn.ID)
		}
		if destination, ok := previous[1].(string); ok && destination != string(conn.Destination) {
			pipe.ZRem(r.ctx, getIncomingKey(connect.NodeID(destination)), conn.ID)
		}
		pipe.HSet(r.ctx, connKey, fields)
		pipe.ZAdd(r.ctx, getOutgoingKey(conn.Source), redis.Z{Score: score, Member: conn.ID})
		pipe.ZAdd(r.ctx, getIncomingKey(conn.Destination), redis.Z{Score: score, Member: conn.ID})
		return nil
	})
	if err != nil {
		return nil, connect.StorageError(err, "redis: put connection %s", conn.ID)
	}
	return conn.Clone(), nil
}

// Destroy removes a connection; unknown connections are ignored.
func (r *redisRepository) Destroy(conn *connect.Connection) error {
	connKey := getConnectionKey(conn.ID)
	stored, err := r.client.HMGet(r.ctx, connKey, "source", "destination").Result()
	if err != nil {
		return connect.StorageError(err, "redis: read connection %s", conn.ID)
	}
	source, ok := stored[0].(string)
	if !ok {
		return nil
	}
	destination, _ := stored[1].(string)

	_, err = r.client.TxPipelined(r.ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(r.ctx, connKey)
		pipe.ZRem(r.ctx, getOutgoingKey(connect.NodeID(source)), conn.ID)
		pipe.ZRem(r.ctx, getIncomingKey(connect.NodeID(destination)), conn.ID)
		return nil
	})
	return connect.StorageError(err, "redis: delete connection %s", conn.ID)
}

func (r *redisRepository) GetConnectionsWithSource(node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	return r.lookup(getOutgoingKey(node), filters)
}

func (r *redisRepository) GetConnectionsWithDestination(node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	return r.lookup(getIncomingKey(node), filters)
}

func (r *redisRepository) lookup(setKey string, filters connect.Filters) ([]*connect.Connection, error) {
	ids, err := r.client.ZRange(r.ctx, setKey, 0, -1).Result()
	if err != nil {
		return nil, connect.StorageError(err, "redis: read %s", setKey)
	}
	result := []*connect.Connection{}
	if len(ids) == 0 {
		return result, nil
	}

	cmds, err := r.client.Pipelined(r.ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGetAll(r.ctx, getConnectionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, connect.StorageError(err, "redis: read connections of %s", setKey)
	}

	for _, cmd := range cmds {
		fields := cmd.(*redis.MapStringStringCmd).Val()
		// The set entry may outlive a concurrent Destroy.
		if len(fields) == 0 {
			continue
		}
		conn, err := decodeConnection(fields)
		if err != nil {
			return nil, err
		}
		if filters.Matches(conn) {
			result = append(result, conn)
		}
	}
	return result, nil
}

func (r *redisRepository) Close() error {
	return r.client.Close()
}

func encodeConnection(conn *connect.Connection) (map[string]interface{}, error) {
	params, err := json.Marshal(conn.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize params of connection %s: %w", conn.ID, err)
	}
	return map[string]interface{}{
		"id":          conn.ID,
		"source":      string(conn.Source),
		"destination": string(conn.Destination),
		"type":        conn.Type,
		"status":      conn.Status.String(),
		"params":      string(params),
		"created_at":  strconv.FormatInt(conn.CreatedAt.UnixNano(), 10),
	}, nil
}

func decodeConnection(fields map[string]string) (*connect.Connection, error) {
	conn := &connect.Connection{
		ID:          fields["id"],
		Source:      connect.NodeID(fields["source"]),
		Destination: connect.NodeID(fields["destination"]),
		Type:        fields["type"],
	}
	if err := conn.Status.UnmarshalText([]byte(fields["status"])); err != nil {
		return nil, connect.StorageError(err, "redis: connection %s", conn.ID)
	}
	if params := fields["params"]; params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &conn.Params); err != nil {
			return nil, connect.StorageError(err, "redis: deserialize params of connection %s", conn.ID)
		}
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, connect.StorageError(err, "redis: created_at of connection %s", conn.ID)
	}
	conn.CreatedAt = time.Unix(0, createdAt).UTC()
	return conn, nil
}

func getConnectionKey(id string) string {
	return "connection:" + id
}

func getOutgoingKey(nodeID connect.NodeID) string {
	return "out:" + string(nodeID)
}

func getIncomingKey(nodeID connect.NodeID) string {
	return "in:" + string(nodeID)
}
