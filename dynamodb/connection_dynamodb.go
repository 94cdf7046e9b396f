package dynamodb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cockroachdb/errors"
	"github.com/fgrzl/connect"
	"github.com/google/uuid"
)

// Table layout, keyed on "pk" (hash) and "sk" (range):
//
//	pk=conn#{id}      sk=conn   record pointing at the current source
//	pk=src#{source}   sk={id}   the connection itself
//
// Source lookups query the base table with strongly consistent reads, so a
// write is visible to the next uniqueness check. Destination lookups go
// through DestinationIndex, a global secondary index on "destination" that
// only the connection items carry. Like every GSI it is eventually
// consistent: a write may take a moment to show up there.
const (
	DestinationIndex = "destination-index"

	recordPrefix = "conn#"
	recordSort   = "conn"
	sourcePrefix = "src#"
)

// API is the subset of the DynamoDB client the repository needs.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// item is the stored form of a connection. Destination is the partition key
// of DestinationIndex and must not be empty.
type item struct {
	PK          string            `dynamodbav:"pk"`
	SK          string            `dynamodbav:"sk"`
	ID          string            `dynamodbav:"id"`
	Source      string            `dynamodbav:"source"`
	Destination string            `dynamodbav:"destination"`
	Type        string            `dynamodbav:"type"`
	Status      string            `dynamodbav:"status"`
	Params      map[string]string `dynamodbav:"params,omitempty"`
	CreatedAt   int64             `dynamodbav:"created_at"`
}

// record remembers where the connection item of an ID lives.
type record struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	Source string `dynamodbav:"source"`
}

type dynamoRepository struct {
	client API
	table  string
	ctx    context.Context
}

// NewDynamoRepository creates a repository over table; CreateTable creates
// the table with the expected keys and index.
func NewDynamoRepository(client API, table string) connect.Repository {
	return &dynamoRepository{
		client: client,
		table:  table,
		ctx:    context.Background(),
	}
}

// CreateTable creates the connection table with on-demand billing.
func CreateTable(ctx context.Context, client API, table string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("destination"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName:  aws.String(DestinationIndex),
			KeySchema:  []types.KeySchemaElement{{AttributeName: aws.String("destination"), KeyType: types.KeyTypeHash}},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return nil
	}
	return err
}

func (db *dynamoRepository) CreateEmptyConnection() *connect.Connection {
	return connect.NewConnection(uuid.NewString())
}

// Update writes the connection item and its record in one transaction,
// deleting the item under the previous source when the source changed.
func (db *dynamoRepository) Update(conn *connect.Connection) (*connect.Connection, error) {
	previous, err := db.source(conn.ID)
	if err != nil {
		return nil, err
	}

	it, err := attributevalue.MarshalMap(toItem(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal connection %s: %w", conn.ID, err)
	}
	rec, err := attributevalue.MarshalMap(record{PK: recordPrefix + conn.ID, SK: recordSort, Source: string(conn.Source)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record of connection %s: %w", conn.ID, err)
	}

	writes := []types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String(db.table), Item: it}},
		{Put: &types.Put{TableName: aws.String(db.table), Item: rec}},
	}
	if previous != nil && *previous != conn.Source {
		writes = append(writes, types.TransactWriteItem{
			Delete: &types.Delete{TableName: aws.String(db.table), Key: key(sourcePrefix+string(*previous), conn.ID)},
		})
	}

	_, err = db.client.TransactWriteItems(db.ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes})
	if err != nil {
		return nil, connect.StorageError(err, "dynamodb: put connection %s", conn.ID)
	}
	return conn.Clone(), nil
}

// Destroy deletes the connection item and its record. Deleting a missing
// connection succeeds.
func (db *dynamoRepository) Destroy(conn *connect.Connection) error {
	source, err := db.source(conn.ID)
	if err != nil || source == nil {
		return err
	}

	_, err = db.client.TransactWriteItems(db.ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{TableName: aws.String(db.table), Key: key(sourcePrefix+string(*source), conn.ID)}},
			{Delete: &types.Delete{TableName: aws.String(db.table), Key: key(recordPrefix+conn.ID, recordSort)}},
		},
	})
	return connect.StorageError(err, "dynamodb: delete connection %s", conn.ID)
}

func (db *dynamoRepository) GetConnectionsWithSource(node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	return db.query(&dynamodb.QueryInput{
		TableName:                aws.String(db.table),
		ConsistentRead:           aws.Bool(true),
		KeyConditionExpression:   aws.String("#n = :n"),
		ExpressionAttributeNames: map[string]string{"#n": "pk"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberS{Value: sourcePrefix + string(node)},
		},
	}, node, filters)
}

func (db *dynamoRepository) GetConnectionsWithDestination(node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	return db.query(&dynamodb.QueryInput{
		TableName:                aws.String(db.table),
		IndexName:                aws.String(DestinationIndex),
		KeyConditionExpression:   aws.String("#n = :n"),
		ExpressionAttributeNames: map[string]string{"#n": "destination"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberS{Value: string(node)},
		},
	}, node, filters)
}

// query reads every page for node. Results are ordered by creation time then
// ID since index order is not defined.
func (db *dynamoRepository) query(input *dynamodb.QueryInput, node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	paginator := dynamodb.NewQueryPaginator(db.client, input)

	result := []*connect.Connection{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(db.ctx)
		if err != nil {
			return nil, connect.StorageError(err, "dynamodb: query connections of %s", node)
		}
		var items []item
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, connect.StorageError(err, "dynamodb: unmarshal connections of %s", node)
		}
		for _, it := range items {
			conn, err := it.toConnection()
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

// source returns the stored source of id, or nil when id is not stored.
func (db *dynamoRepository) source(id string) (*connect.NodeID, error) {
	out, err := db.client.GetItem(db.ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(db.table),
		Key:            key(recordPrefix+id, recordSort),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, connect.StorageError(err, "dynamodb: get connection %s", id)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, connect.StorageError(err, "dynamodb: unmarshal record of connection %s", id)
	}
	source := connect.NodeID(rec.Source)
	return &source, nil
}

// Close is a no-op; the SDK client owns no resources that need releasing.
func (db *dynamoRepository) Close() error {
	return nil
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func toItem(conn *connect.Connection) item {
	return item{
		PK:          sourcePrefix + string(conn.Source),
		SK:          conn.ID,
		ID:          conn.ID,
		Source:      string(conn.Source),
		Destination: string(conn.Destination),
		Type:        conn.Type,
		Status:      conn.Status.String(),
		Params:      conn.Params,
		CreatedAt:   conn.CreatedAt.UnixNano(),
	}
}

func (it item) toConnection() (*connect.Connection, error) {
	conn := &connect.Connection{
		ID:          it.ID,
		Source:      connect.NodeID(it.Source),
		Destination: connect.NodeID(it.Destination),
		Type:        it.Type,
		Params:      it.Params,
		CreatedAt:   time.Unix(0, it.CreatedAt).UTC(),
	}
	if err := conn.Status.UnmarshalText([]byte(it.Status)); err != nil {
		return nil, connect.StorageError(err, "dynamodb: connection %s", it.ID)
	}
	return conn, nil
}
