package requestlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"

	"peermatch/pkg/interfaces"
	"peermatch/pkg/types"
)

// UserIndex is the global secondary index keyed by userId and sk
const UserIndex = "userId-index"

// History page sizes
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// dynamoAPI is the slice of the DynamoDB client the log uses
type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// item is the stored shape of a transition
// TECHNICAL DISCOVERY: the sort key leads with a zero-padded nanosecond
// timestamp so both the table and the user index return rows in time order;
// the state suffix keeps two transitions at the same instant apart
type item struct {
	types.Transition
	SK string `dynamodbav:"sk"`
}

func sortKey(t *types.Transition) string {
	return fmt.Sprintf("%020d#%s", t.TransitionedAt.UTC().UnixNano(), t.State)
}

// DynamoLog is the DynamoDB request log
type DynamoLog struct {
	client dynamoAPI
	table  string
}

// New wraps an existing client
func New(client dynamoAPI, table string) (*DynamoLog, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, ErrEmptyTable
	}
	return &DynamoLog{client: client, table: table}, nil
}

// NewFromConfig builds a client from the default AWS credential chain.
// A non-empty endpoint points the client at a local DynamoDB.
func NewFromConfig(ctx context.Context, table, region, endpoint string) (*DynamoLog, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	log.WithFields(log.Fields{
		"table":  table,
		"region": cfg.Region,
	}).Info("Request log using DynamoDB")
	return New(client, table)
}

// Append writes one transition. Rewriting the same transition replaces an
// identical item, so retries never duplicate history.
func (d *DynamoLog) Append(ctx context.Context, t *types.Transition) error {
	if t == nil {
		return ErrNilTransition
	}

	row := item{Transition: *t, SK: sortKey(t)}
	row.RequestedAt = row.RequestedAt.UTC()
	row.TransitionedAt = row.TransitionedAt.UTC()

	av, err := attributevalue.MarshalMap(row)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put transition in table '%s': %w", d.table, err)
	}
	return nil
}

// History returns every transition of a request, oldest first
func (d *DynamoLog) History(ctx context.Context, requestID string) ([]*types.Transition, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String("requestId = :id"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":id": &ddbtypes.AttributeValueMemberS{Value: requestID},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var transitions []*types.Transition
	for {
		out, err := d.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query request history: %w", err)
		}
		page, err := decode(out.Items)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, page...)

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	if len(transitions) == 0 {
		return nil, interfaces.ErrRequestNotFound
	}
	return transitions, nil
}

// UserHistory returns a user's newest transitions through the user index
func (d *DynamoLog) UserHistory(ctx context.Context, userID string, limit int) ([]*types.Transition, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		IndexName:              aws.String(UserIndex),
		KeyConditionExpression: aws.String("userId = :uid"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":uid": &ddbtypes.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query user history: %w", err)
	}
	return decode(out.Items)
}

// HealthCheck confirms the table is reachable and active
func (d *DynamoLog) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	if err != nil {
		return fmt.Errorf("describe table '%s' failed: %w", d.table, err)
	}
	if out.Table == nil || out.Table.TableStatus != ddbtypes.TableStatusActive {
		return fmt.Errorf("table '%s' is not active", d.table)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need release
func (d *DynamoLog) Close() error {
	return nil
}

func decode(items []map[string]ddbtypes.AttributeValue) ([]*types.Transition, error) {
	var rows []item
	if err := attributevalue.UnmarshalListOfMaps(items, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transitions: %w", err)
	}
	transitions := make([]*types.Transition, 0, len(rows))
	for i := range rows {
		t := rows[i].Transition
		transitions = append(transitions, &t)
	}
	return transitions, nil
}
