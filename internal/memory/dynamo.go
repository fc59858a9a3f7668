package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	dynamoSKMeta       = "META#"
	dynamoSKTurnPrefix = "TURN#"
)

// dynamoAPI is the minimal DynamoDB interface required by DynamoBackend.
// Defined here for testability.
type dynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoBackend stores conversation memory in a single DynamoDB table:
// PK = SESSION#<id>, turn items under SK TURN#<number>, plus one META# item
// carrying the per-session turn counter.
type DynamoBackend struct {
	api       dynamoAPI
	tableName string
}

func NewDynamoBackend(api dynamoAPI, tableName string) (*DynamoBackend, error) {
	if api == nil {
		return nil, errors.New("dynamo backend: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo backend: table name must not be empty")
	}
	return &DynamoBackend{api: api, tableName: tableName}, nil
}

func (b *DynamoBackend) Name() string { return "dynamo" }

func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// turnSK zero-pads the turn number so lexical SK order matches numeric order.
func turnSK(turnNumber int) string {
	return fmt.Sprintf("%s%08d", dynamoSKTurnPrefix, turnNumber)
}

// AppendExchange writes both halves plus the META counter update in one
// TransactWriteItems call. The counter condition makes concurrent writers for
// the same session fail rather than interleave turn numbers.
func (b *DynamoBackend) AppendExchange(ctx context.Context, ex Exchange) (Turn, Turn, error) {
	ts := ex.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	last, err := b.lastTurnNumber(ctx, ex.SessionID)
	if err != nil {
		return Turn{}, Turn{}, err
	}

	user := Turn{
		SessionID:  ex.SessionID,
		TurnNumber: last + 1,
		Speaker:    SpeakerUser,
		Text:       ex.UserText,
		Timestamp:  ts,
		Metadata:   cloneMetadata(ex.Metadata),
	}
	assistant := Turn{
		SessionID:  ex.SessionID,
		TurnNumber: last + 2,
		Speaker:    SpeakerAssistant,
		Text:       ex.AssistantText,
		Timestamp:  ts,
		Metadata:   cloneMetadata(ex.Metadata),
	}

	userItem, err := turnItem(user)
	if err != nil {
		return Turn{}, Turn{}, err
	}
	assistantItem, err := turnItem(assistant)
	if err != nil {
		return Turn{}, Turn{}, err
	}

	metaCondition := "attribute_not_exists(PK) OR last_turn = :expected"
	_, err = b.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName: aws.String(b.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: sessionPK(ex.SessionID)},
						"SK": &types.AttributeValueMemberS{Value: dynamoSKMeta},
					},
					UpdateExpression:    aws.String("SET last_turn = :next, last_activity = :ts"),
					ConditionExpression: aws.String(metaCondition),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":expected": &types.AttributeValueMemberN{Value: strconv.Itoa(last)},
						":next":     &types.AttributeValueMemberN{Value: strconv.Itoa(last + 2)},
						":ts":       &types.AttributeValueMemberS{Value: ts.Format(time.RFC3339Nano)},
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(b.tableName),
					Item:                userItem,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(b.tableName),
					Item:                assistantItem,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		return Turn{}, Turn{}, fmt.Errorf("append exchange: %w", err)
	}
	return user, assistant, nil
}

func (b *DynamoBackend) lastTurnNumber(ctx context.Context, sessionID string) (int, error) {
	out, err := b.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: dynamoSKMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("read session meta: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	return intAttr(out.Item, "last_turn")
}

// Query fetches newest-first turn items for a session and applies the text
// filter client-side; DynamoDB has no case-insensitive contains, so it
// overscans by a factor of two, like the document stores this replaces.
func (b *DynamoBackend) Query(ctx context.Context, sessionID, filter string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}

	out, err := b.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(b.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: dynamoSKTurnPrefix},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit * 2)),
	})
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}

	needle := strings.ToLower(filter)
	turns := make([]Turn, 0, limit)
	for _, item := range out.Items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, err
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(t.Text), needle) &&
			!strings.Contains(strings.ToLower(t.Speaker), needle) {
			continue
		}
		turns = append(turns, t)
		if len(turns) == limit {
			break
		}
	}
	return turns, nil
}

func (b *DynamoBackend) ExportBatch(ctx context.Context, cursor Cursor, limit int) ([]Turn, Cursor, error) {
	if limit <= 0 {
		limit = 100
	}

	in := &dynamodb.ScanInput{
		TableName:        aws.String(b.tableName),
		FilterExpression: aws.String("begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: dynamoSKTurnPrefix},
		},
		Limit: aws.Int32(int32(limit)),
	}
	if pk, ok := cursor["pk"]; ok {
		in.ExclusiveStartKey = map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: cursor["sk"]},
		}
	}

	out, err := b.api.Scan(ctx, in)
	if err != nil {
		return nil, nil, fmt.Errorf("export batch: %w", err)
	}

	turns := make([]Turn, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, nil, err
		}
		turns = append(turns, t)
	}

	if len(out.LastEvaluatedKey) == 0 {
		return turns, nil, nil
	}
	pk, err := strAttr(out.LastEvaluatedKey, "PK")
	if err != nil {
		return nil, nil, err
	}
	sk, err := strAttr(out.LastEvaluatedKey, "SK")
	if err != nil {
		return nil, nil, err
	}
	return turns, Cursor{"pk": pk, "sk": sk}, nil
}

func (b *DynamoBackend) ImportBatch(ctx context.Context, turns []Turn) error {
	for _, t := range turns {
		item, err := turnItem(t)
		if err != nil {
			return err
		}
		_, err = b.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(b.tableName),
			Item:      item,
		})
		if err != nil {
			return fmt.Errorf("import turn (%s, %d): %w", t.SessionID, t.TurnNumber, err)
		}
		if err := b.bumpMetaCounter(ctx, t.SessionID, t.TurnNumber); err != nil {
			return err
		}
	}
	return nil
}

// bumpMetaCounter keeps the per-session counter ahead of imported turns so
// appends after a migration continue the numbering without gaps.
func (b *DynamoBackend) bumpMetaCounter(ctx context.Context, sessionID string, turnNumber int) error {
	last, err := b.lastTurnNumber(ctx, sessionID)
	if err != nil {
		return err
	}
	if turnNumber <= last {
		return nil
	}
	_, err = b.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.tableName),
		Item: map[string]types.AttributeValue{
			"PK":            &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK":            &types.AttributeValueMemberS{Value: dynamoSKMeta},
			"last_turn":     &types.AttributeValueMemberN{Value: strconv.Itoa(turnNumber)},
			"last_activity": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("update session meta: %w", err)
	}
	return nil
}

func (b *DynamoBackend) Count(ctx context.Context) (int64, error) {
	var total int64
	var start map[string]types.AttributeValue
	for {
		out, err := b.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(b.tableName),
			Select:           types.SelectCount,
			FilterExpression: aws.String("begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: dynamoSKTurnPrefix},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return 0, fmt.Errorf("count memory: %w", err)
		}
		total += int64(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		start = out.LastEvaluatedKey
	}
}

func (b *DynamoBackend) Ping(ctx context.Context) error {
	_, err := b.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(b.tableName),
	})
	if err != nil {
		return fmt.Errorf("describe table: %w", err)
	}
	return nil
}

func (b *DynamoBackend) Close() error { return nil }

func turnItem(t Turn) (map[string]types.AttributeValue, error) {
	meta, err := json.Marshal(cloneMetadata(t.Metadata))
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: sessionPK(t.SessionID)},
		"SK":          &types.AttributeValueMemberS{Value: turnSK(t.TurnNumber)},
		"session_id":  &types.AttributeValueMemberS{Value: t.SessionID},
		"turn_number": &types.AttributeValueMemberN{Value: strconv.Itoa(t.TurnNumber)},
		"speaker":     &types.AttributeValueMemberS{Value: t.Speaker},
		"text":        &types.AttributeValueMemberS{Value: t.Text},
		"ts":          &types.AttributeValueMemberS{Value: t.Timestamp.UTC().Format(time.RFC3339Nano)},
		"metadata":    &types.AttributeValueMemberS{Value: string(meta)},
	}, nil
}

func itemToTurn(item map[string]types.AttributeValue) (Turn, error) {
	sessionID, err := strAttr(item, "session_id")
	if err != nil {
		return Turn{}, err
	}
	turnNumber, err := intAttr(item, "turn_number")
	if err != nil {
		return Turn{}, err
	}
	speaker, err := strAttr(item, "speaker")
	if err != nil {
		return Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return Turn{}, err
	}
	tsRaw, err := strAttr(item, "ts")
	if err != nil {
		return Turn{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		return Turn{}, fmt.Errorf("parse turn timestamp: %w", err)
	}

	t := Turn{
		SessionID:  sessionID,
		TurnNumber: turnNumber,
		Speaker:    speaker,
		Text:       text,
		Timestamp:  ts,
	}
	if metaRaw, metaErr := strAttr(item, "metadata"); metaErr == nil && metaRaw != "" {
		if err := json.Unmarshal([]byte(metaRaw), &t.Metadata); err != nil {
			return Turn{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return t, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
