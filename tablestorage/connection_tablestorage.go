package tablestorage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/cockroachdb/errors"
	"github.com/fgrzl/connect"
	"github.com/google/uuid"
)

// Every connection is written three times: once in the connection partition
// and once in the partition of each endpoint, so a lookup reads one
// partition.
const (
	connectionPartition = "connection"
	sourcePrefix        = "src_"
	destinationPrefix   = "dst_"
)

type azureTableRepository struct {
	tableClient *aztables.Client
	ctx         context.Context
}

// NewAzureTableRepository opens tableName, creating it if needed.
func NewAzureTableRepository(connectionString string, tableName string) (connect.Repository, error) {
	service, err := aztables.NewServiceClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Table client: %w", err)
	}
	client := service.NewClient(tableName)
	ctx := context.Background()

	_, err = client.CreateTable(ctx, nil)
	var respErr *azcore.ResponseError
	if err != nil && !(errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict) {
		return nil, fmt.Errorf("failed to create table %s: %w", tableName, err)
	}

	return &azureTableRepository{
		tableClient: client,
		ctx:         ctx,
	}, nil
}

// Helper function to get the partition of a node's index
func getIndexPartition(prefix string, node connect.NodeID) string {
	// Keys may not contain '/', '\\', '#' or '?'.
	return prefix + base64.RawURLEncoding.EncodeToString([]byte(node))
}

func (db *azureTableRepository) CreateEmptyConnection() *connect.Connection {
	return connect.NewConnection(uuid.NewString())
}

func (db *azureTableRepository) Update(conn *connect.Connection) (*connect.Connection, error) {
	previous, err := db.get(conn.ID)
	if err != nil {
		return nil, err
	}

	for _, partition := range []string{
		connectionPartition,
		getIndexPartition(sourcePrefix, conn.Source),
		getIndexPartition(destinationPrefix, conn.Destination),
	} {
		entity, err := marshalEntity(partition, conn)
		if err != nil {
			return nil, err
		}
		_, err = db.tableClient.UpsertEntity(db.ctx, entity, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
		if err != nil {
			return nil, connect.StorageError(err, "tablestorage: put connection %s in %s", conn.ID, partition)
		}
	}

	if previous != nil {
		if previous.Source != conn.Source {
			if err := db.delete(getIndexPartition(sourcePrefix, previous.Source), conn.ID); err != nil {
				return nil, err
			}
		}
		if previous.Destination != conn.Destination {
			if err := db.delete(getIndexPartition(destinationPrefix, previous.Destination), conn.ID); err != nil {
				return nil, err
			}
		}
	}
	return conn.Clone(), nil
}

// Destroy removes the three copies of a connection; unknown connections are
// ignored.
func (db *azureTableRepository) Destroy(conn *connect.Connection) error {
	stored, err := db.get(conn.ID)
	if err != nil || stored == nil {
		return err
	}

	// Index copies go first so a failure leaves the connection findable.
	for _, partition := range []string{
		getIndexPartition(sourcePrefix, stored.Source),
		getIndexPartition(destinationPrefix, stored.Destination),
		connectionPartition,
	} {
		if err := db.delete(partition, stored.ID); err != nil {
			return err
		}
	}
	return nil
}

func (db *azureTableRepository) GetConnectionsWithSource(node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	return db.list(getIndexPartition(sourcePrefix, node), filters)
}

func (db *azureTableRepository) GetConnectionsWithDestination(node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	return db.list(getIndexPartition(destinationPrefix, node), filters)
}

func (db *azureTableRepository) list(partition string, filters connect.Filters) ([]*connect.Connection, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", partition)
	pager := db.tableClient.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	result := []*connect.Connection{}
	for pager.More() {
		page, err := pager.NextPage(db.ctx)
		if err != nil {
			return nil, connect.StorageError(err, "tablestorage: list %s", partition)
		}
		for _, data := range page.Entities {
			conn, err := unmarshalEntity(data)
			if err != nil {
				return nil, err
			}
			if filters.Matches(conn) {
				result = append(result, conn)
			}
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (db *azureTableRepository) get(id string) (*connect.Connection, error) {
	resp, err := db.tableClient.GetEntity(db.ctx, connectionPartition, id, nil)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, connect.StorageError(err, "tablestorage: get connection %s", id)
	}
	return unmarshalEntity(resp.Value)
}

func (db *azureTableRepository) delete(partition, id string) error {
	_, err := db.tableClient.DeleteEntity(db.ctx, partition, id, nil)
	if err != nil && !isNotFound(err) {
		return connect.StorageError(err, "tablestorage: delete connection %s from %s", id, partition)
	}
	return nil
}

func (db *azureTableRepository) Close() error {
	// Azure Table Storage doesn't require explicit cleanup, so nothing to do here
	return nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func marshalEntity(partition string, conn *connect.Connection) ([]byte, error) {
	params, err := json.Marshal(conn.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize params of connection %s: %w", conn.ID, err)
	}
	return json.Marshal(aztables.EDMEntity{
		Entity: aztables.Entity{
			PartitionKey: partition,
			RowKey:       conn.ID,
		},
		Properties: map[string]any{
			"Source":      string(conn.Source),
			"Destination": string(conn.Destination),
			"Type":        conn.Type,
			"Status":      conn.Status.String(),
			"Params":      string(params),
			"CreatedAt":   strconv.FormatInt(conn.CreatedAt.UnixNano(), 10),
		},
	})
}

func unmarshalEntity(data []byte) (*connect.Connection, error) {
	var entity aztables.EDMEntity
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, connect.StorageError(err, "tablestorage: decode entity")
	}

	property := func(name string) string {
		s, _ := entity.Properties[name].(string)
		return s
	}

	conn := &connect.Connection{
		ID:          entity.RowKey,
		Source:      connect.NodeID(property("Source")),
		Destination: connect.NodeID(property("Destination")),
		Type:        property("Type"),
	}
	if err := conn.Status.UnmarshalText([]byte(property("Status"))); err != nil {
		return nil, connect.StorageError(err, "tablestorage: connection %s", conn.ID)
	}
	if params := property("Params"); params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &conn.Params); err != nil {
			return nil, connect.StorageError(err, "tablestorage: deserialize params of connection %s", conn.ID)
		}
	}
	createdAt, err := strconv.ParseInt(property("CreatedAt"), 10, 64)
	if err != nil {
		return nil, connect.StorageError(err, "tablestorage: created_at of connection %s", conn.ID)
	}
	conn.CreatedAt = time.Unix(0, createdAt).UTC()
	return conn, nil
}
