package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Secondary index names.
const (
	ActiveIDIndex = "active-id-index"
	JourneyIndex  = "journey-index"
)

// DynamoConfig holds DynamoDB settings. Endpoint overrides the regional
// endpoint (DynamoDB Local, LocalStack).
type DynamoConfig struct {
	Region      string
	Endpoint    string
	TablePrefix string
}

// dynamoAPI is the subset of the DynamoDB client the store uses.
type dynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

type dynamoTables struct {
	aliases, devices, journeys, locations, telemetry, power string
}

func newDynamoTables(prefix string) dynamoTables {
	return dynamoTables{
		aliases:   prefix + "device_aliases",
		devices:   prefix + "devices",
		journeys:  prefix + "journeys",
		locations: prefix + "locations",
		telemetry: prefix + "telemetry",
		power:     prefix + "power",
	}
}

// DynamoStore is a Store backed by DynamoDB tables.
type DynamoStore struct {
	api    dynamoAPI
	tables dynamoTables
}

// OpenDynamo creates a DynamoDB client from the default AWS credential chain.
func OpenDynamo(ctx context.Context, cfg DynamoConfig) (*DynamoStore, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newDynamoStore(client, cfg.TablePrefix), nil
}

func newDynamoStore(api dynamoAPI, prefix string) *DynamoStore {
	return &DynamoStore{api: api, tables: newDynamoTables(prefix)}
}

// Close is a no-op; the SDK client holds no connections that need closing.
func (s *DynamoStore) Close() error { return nil }

// Records are stored under their json field names.
func marshalItem(v any) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMapWithOptions(v, func(o *attributevalue.EncoderOptions) {
		o.TagKey = "json"
	})
}

func unmarshalItem(item map[string]types.AttributeValue, v any) error {
	return attributevalue.UnmarshalMapWithOptions(item, v, func(o *attributevalue.DecoderOptions) {
		o.TagKey = "json"
	})
}

func unmarshalItems(items []map[string]types.AttributeValue, v any) error {
	return attributevalue.UnmarshalListOfMapsWithOptions(items, v, func(o *attributevalue.DecoderOptions) {
		o.TagKey = "json"
	})
}

func str(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func num(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func conditional(op string, err error) error {
	if isConditionFailed(err) {
		return ErrConditionFailed
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CreateSchema creates the tables and their indices with on-demand billing.
// Tables that already exist are left alone.
func (s *DynamoStore) CreateSchema(ctx context.Context) error {
	tables := []*dynamodb.CreateTableInput{
		{
			TableName:            aws.String(s.tables.aliases),
			AttributeDefinitions: attrDefs("serial_number", types.ScalarAttributeTypeS, "active_id", types.ScalarAttributeTypeS),
			KeySchema:            keySchema("serial_number", ""),
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
				IndexName:  aws.String(ActiveIDIndex),
				KeySchema:  keySchema("active_id", ""),
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			}},
		},
		{
			TableName:            aws.String(s.tables.devices),
			AttributeDefinitions: attrDefs("device_uid", types.ScalarAttributeTypeS),
			KeySchema:            keySchema("device_uid", ""),
		},
		{
			TableName:            aws.String(s.tables.journeys),
			AttributeDefinitions: attrDefs("device_uid", types.ScalarAttributeTypeS, "journey_id", types.ScalarAttributeTypeN),
			KeySchema:            keySchema("device_uid", "journey_id"),
		},
		{
			TableName: aws.String(s.tables.locations),
			AttributeDefinitions: attrDefs("device_uid", types.ScalarAttributeTypeS, "timestamp", types.ScalarAttributeTypeN,
				"journey_id", types.ScalarAttributeTypeN),
			KeySchema: keySchema("device_uid", "timestamp"),
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
				IndexName:  aws.String(JourneyIndex),
				KeySchema:  keySchema("journey_id", "device_uid"),
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			}},
		},
		{
			TableName:            aws.String(s.tables.telemetry),
			AttributeDefinitions: attrDefs("device_uid", types.ScalarAttributeTypeS, "timestamp", types.ScalarAttributeTypeN),
			KeySchema:            keySchema("device_uid", "timestamp"),
		},
		{
			TableName:            aws.String(s.tables.power),
			AttributeDefinitions: attrDefs("device_uid", types.ScalarAttributeTypeS, "timestamp", types.ScalarAttributeTypeN),
			KeySchema:            keySchema("device_uid", "timestamp"),
		},
	}

	for _, in := range tables {
		in.BillingMode = types.BillingModePayPerRequest
		_, err := s.api.CreateTable(ctx, in)
		var inUse *types.ResourceInUseException
		if err != nil && !errors.As(err, &inUse) {
			return fmt.Errorf("create table %s: %w", aws.ToString(in.TableName), err)
		}
	}
	return nil
}

func attrDefs(pairs ...any) []types.AttributeDefinition {
	var defs []types.AttributeDefinition
	for i := 0; i+1 < len(pairs); i += 2 {
		defs = append(defs, types.AttributeDefinition{
			AttributeName: aws.String(pairs[i].(string)),
			AttributeType: pairs[i+1].(types.ScalarAttributeType),
		})
	}
	return defs
}

func keySchema(hash, rng string) []types.KeySchemaElement {
	ks := []types.KeySchemaElement{{AttributeName: aws.String(hash), KeyType: types.KeyTypeHash}}
	if rng != "" {
		ks = append(ks, types.KeySchemaElement{AttributeName: aws.String(rng), KeyType: types.KeyTypeRange})
	}
	return ks
}

// GetAlias retrieves an alias by serial number.
func (s *DynamoStore) GetAlias(ctx context.Context, serialNumber string) (*DeviceAlias, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.aliases),
		Key:            map[string]types.AttributeValue{"serial_number": str(serialNumber)},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get alias: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var a DeviceAlias
	if err := unmarshalItem(out.Item, &a); err != nil {
		return nil, fmt.Errorf("decode alias: %w", err)
	}
	a.PreviousIDs = nonNil(a.PreviousIDs)
	return &a, nil
}

// GetAliasByActiveID retrieves the alias whose active id equals hardwareID.
// Index reads are eventually consistent.
func (s *DynamoStore) GetAliasByActiveID(ctx context.Context, hardwareID string) (*DeviceAlias, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tables.aliases),
		IndexName:                 aws.String(ActiveIDIndex),
		KeyConditionExpression:    aws.String("active_id = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":id": str(hardwareID)},
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("get alias by active id: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var a DeviceAlias
	if err := unmarshalItem(out.Items[0], &a); err != nil {
		return nil, fmt.Errorf("decode alias: %w", err)
	}
	a.PreviousIDs = nonNil(a.PreviousIDs)
	return &a, nil
}

// CreateAlias inserts an alias if none exists for its serial number.
func (s *DynamoStore) CreateAlias(ctx context.Context, a DeviceAlias) error {
	a.PreviousIDs = nonNil(a.PreviousIDs)
	item, err := marshalItem(a)
	if err != nil {
		return fmt.Errorf("encode alias: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.aliases),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(serial_number)"),
	})
	if err != nil {
		return conditional("create alias", err)
	}
	return nil
}

// SwapActiveID applies a swap in a single UpdateItem.
func (s *DynamoStore) SwapActiveID(ctx context.Context, serialNumber string, u SwapUpdate) error {
	at, err := attributevalue.Marshal(u.At)
	if err != nil {
		return fmt.Errorf("encode time: %w", err)
	}
	in := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tables.aliases),
		Key:       map[string]types.AttributeValue{"serial_number": str(serialNumber)},
		ConditionExpression: aws.String("active_id = :old"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new": str(u.NewActiveID),
			":old": str(u.OldActiveID),
			":at":  at,
		},
	}

	if u.Rewrite.Present {
		ids, err := attributevalue.Marshal(nonNil(u.Rewrite.IDs))
		if err != nil {
			return fmt.Errorf("encode previous ids: %w", err)
		}
		in.UpdateExpression = aws.String("SET active_id = :new, previous_ids = :ids, updated_at = :at")
		in.ExpressionAttributeValues[":ids"] = ids
	} else {
		in.UpdateExpression = aws.String("SET active_id = :new, previous_ids = list_append(if_not_exists(previous_ids, :empty), :append), updated_at = :at")
		in.ExpressionAttributeValues[":append"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{str(u.OldActiveID)}}
		in.ExpressionAttributeValues[":empty"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{}}
	}

	if _, err := s.api.UpdateItem(ctx, in); err != nil {
		return conditional("swap active id", err)
	}
	return nil
}

// ReplacePreviousIDs overwrites the history of an existing alias.
func (s *DynamoStore) ReplacePreviousIDs(ctx context.Context, serialNumber string, ids []string, at time.Time) error {
	idsAV, err := attributevalue.Marshal(nonNil(ids))
	if err != nil {
		return fmt.Errorf("encode previous ids: %w", err)
	}
	atAV, err := attributevalue.Marshal(at)
	if err != nil {
		return fmt.Errorf("encode time: %w", err)
	}
	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.aliases),
		Key:                       map[string]types.AttributeValue{"serial_number": str(serialNumber)},
		UpdateExpression:          aws.String("SET previous_ids = :ids, updated_at = :at"),
		ConditionExpression:       aws.String("attribute_exists(serial_number)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":ids": idsAV, ":at": atAV},
	})
	if err != nil {
		return conditional("replace previous ids", err)
	}
	return nil
}

// DeleteAlias removes an alias.
func (s *DynamoStore) DeleteAlias(ctx context.Context, serialNumber string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tables.aliases),
		Key:       map[string]types.AttributeValue{"serial_number": str(serialNumber)},
	})
	if err != nil {
		return fmt.Errorf("delete alias: %w", err)
	}
	return nil
}

// GetDevice retrieves a device record.
func (s *DynamoStore) GetDevice(ctx context.Context, deviceUID string) (*Device, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.devices),
		Key:       map[string]types.AttributeValue{"device_uid": str(deviceUID)},
	})
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var d Device
	if err := unmarshalItem(out.Item, &d); err != nil {
		return nil, fmt.Errorf("decode device: %w", err)
	}
	return &d, nil
}

// PutDevice inserts or replaces a device record.
func (s *DynamoStore) PutDevice(ctx context.Context, d Device) error {
	return s.put(ctx, s.tables.devices, "device", d)
}

// DeleteDevice removes a device record.
func (s *DynamoStore) DeleteDevice(ctx context.Context, deviceUID string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tables.devices),
		Key:       map[string]types.AttributeValue{"device_uid": str(deviceUID)},
	})
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

func (s *DynamoStore) put(ctx context.Context, table, what string, v any) error {
	item, err := marshalItem(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", what, err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(table), Item: item}); err != nil {
		return fmt.Errorf("put %s: %w", what, err)
	}
	return nil
}

// GetJourney retrieves a journey by its key.
func (s *DynamoStore) GetJourney(ctx context.Context, deviceUID string, journeyID int64) (*Journey, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.journeys),
		Key:       map[string]types.AttributeValue{"device_uid": str(deviceUID), "journey_id": num(journeyID)},
	})
	if err != nil {
		return nil, fmt.Errorf("get journey: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var j Journey
	if err := unmarshalItem(out.Item, &j); err != nil {
		return nil, fmt.Errorf("decode journey: %w", err)
	}
	return &j, nil
}

// PutJourney inserts or replaces a journey.
func (s *DynamoStore) PutJourney(ctx context.Context, j Journey) error {
	return s.put(ctx, s.tables.journeys, "journey", j)
}

// QueryJourneys returns one page of journeys, filtered by status.
func (s *DynamoStore) QueryJourneys(ctx context.Context, q RangeQuery) (Page[Journey], error) {
	return dynamoRange[Journey](ctx, s.api, s.tables.journeys, "journey_id", "status", q)
}

// PutLocation inserts or replaces a location point.
func (s *DynamoStore) PutLocation(ctx context.Context, p LocationPoint) error {
	return s.put(ctx, s.tables.locations, "location", p)
}

// QueryLocations returns one page of locations, filtered by source.
func (s *DynamoStore) QueryLocations(ctx context.Context, q RangeQuery) (Page[LocationPoint], error) {
	return dynamoRange[LocationPoint](ctx, s.api, s.tables.locations, "timestamp", "source", q)
}

func (s *DynamoStore) journeyIndexQuery(deviceUID string, journeyID int64) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.locations),
		IndexName:              aws.String(JourneyIndex),
		KeyConditionExpression: aws.String("journey_id = :j AND device_uid = :d"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":j": num(journeyID),
			":d": str(deviceUID),
		},
	}
}

// JourneyPoints returns every location point tagged with the journey.
func (s *DynamoStore) JourneyPoints(ctx context.Context, deviceUID string, journeyID int64) ([]LocationPoint, error) {
	var points []LocationPoint
	p := dynamodb.NewQueryPaginator(s.api, s.journeyIndexQuery(deviceUID, journeyID))
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query journey points: %w", err)
		}
		var page []LocationPoint
		if err := unmarshalItems(out.Items, &page); err != nil {
			return nil, fmt.Errorf("decode locations: %w", err)
		}
		points = append(points, page...)
	}
	return points, nil
}

// JourneyPointKeys returns the keys of every location point tagged with the journey.
func (s *DynamoStore) JourneyPointKeys(ctx context.Context, deviceUID string, journeyID int64) ([]RecordKey, error) {
	in := s.journeyIndexQuery(deviceUID, journeyID)
	in.ProjectionExpression = aws.String("device_uid, #ts")
	in.ExpressionAttributeNames = map[string]string{"#ts": "timestamp"}

	var keys []RecordKey
	p := dynamodb.NewQueryPaginator(s.api, in)
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query journey point keys: %w", err)
		}
		var page []RecordKey
		if err := unmarshalItems(out.Items, &page); err != nil {
			return nil, fmt.Errorf("decode keys: %w", err)
		}
		keys = append(keys, page...)
	}
	return keys, nil
}

// maxUnprocessedRetries bounds how often a partially applied batch is resent.
const maxUnprocessedRetries = 5

// BatchDeleteLocations deletes up to MaxBatchWrite points, resending
// unprocessed items with a short backoff.
func (s *DynamoStore) BatchDeleteLocations(ctx context.Context, keys []RecordKey) error {
	if len(keys) > MaxBatchWrite {
		return ErrBatchTooLarge
	}
	if len(keys) == 0 {
		return nil
	}

	requests := make([]types.WriteRequest, len(keys))
	for i, k := range keys {
		requests[i] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{
			Key: map[string]types.AttributeValue{"device_uid": str(k.DeviceUID), "timestamp": num(k.Timestamp)},
		}}
	}

	pending := map[string][]types.WriteRequest{s.tables.locations: requests}
	for attempt := 0; ; attempt++ {
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("delete locations: %w", err)
		}
		if len(out.UnprocessedItems) == 0 {
			return nil
		}
		if attempt == maxUnprocessedRetries {
			return fmt.Errorf("delete locations: %d items unprocessed", len(out.UnprocessedItems[s.tables.locations]))
		}
		pending = out.UnprocessedItems

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(50<<attempt) * time.Millisecond):
		}
	}
}

// DeleteJourney removes a journey record.
func (s *DynamoStore) DeleteJourney(ctx context.Context, deviceUID string, journeyID int64) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tables.journeys),
		Key:       map[string]types.AttributeValue{"device_uid": str(deviceUID), "journey_id": num(journeyID)},
	})
	if err != nil {
		return fmt.Errorf("delete journey: %w", err)
	}
	return nil
}

// SaveMatchedRoute caches a map-matched route on an existing journey.
func (s *DynamoStore) SaveMatchedRoute(ctx context.Context, deviceUID string, journeyID int64, r MatchedRoute) error {
	route, err := attributevalue.Marshal(r.Geometry)
	if err != nil {
		return fmt.Errorf("encode route: %w", err)
	}
	conf, err := attributevalue.Marshal(r.Confidence)
	if err != nil {
		return fmt.Errorf("encode confidence: %w", err)
	}
	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tables.journeys),
		Key:                 map[string]types.AttributeValue{"device_uid": str(deviceUID), "journey_id": num(journeyID)},
		UpdateExpression:    aws.String("SET matched_route = :r, match_confidence = :c, matched_at = :at, matched_points_count = :n"),
		ConditionExpression: aws.String("attribute_exists(device_uid)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":r":  route,
			":c":  conf,
			":at": num(r.MatchedAt),
			":n":  num(int64(r.MatchedPointsCount)),
		},
	})
	if err != nil {
		return conditional("save matched route", err)
	}
	return nil
}

// PutTelemetry inserts or replaces a telemetry reading.
func (s *DynamoStore) PutTelemetry(ctx context.Context, r TelemetryReading) error {
	return s.put(ctx, s.tables.telemetry, "telemetry", r)
}

// QueryTelemetry returns one page of telemetry readings.
func (s *DynamoStore) QueryTelemetry(ctx context.Context, q RangeQuery) (Page[TelemetryReading], error) {
	return dynamoRange[TelemetryReading](ctx, s.api, s.tables.telemetry, "timestamp", "", q)
}

// PutPower inserts or replaces a power reading.
func (s *DynamoStore) PutPower(ctx context.Context, r PowerReading) error {
	return s.put(ctx, s.tables.power, "power", r)
}

// QueryPower returns one page of power readings.
func (s *DynamoStore) QueryPower(ctx context.Context, q RangeQuery) (Page[PowerReading], error) {
	return dynamoRange[PowerReading](ctx, s.api, s.tables.power, "timestamp", "", q)
}

// rangeInput builds a Query over a (device_uid, rangeAttr) keyed table. The
// cursor is the range key of the last item returned, like the SQL backends.
// filterAttr may be empty.
func rangeInput(table, rangeAttr, filterAttr string, q RangeQuery) (*dynamodb.QueryInput, error) {
	names := map[string]string{"#k": rangeAttr}
	values := map[string]types.AttributeValue{":d": str(q.DeviceUID)}

	cond := "device_uid = :d"
	switch {
	case q.Start != 0 && q.End != 0:
		cond += " AND #k BETWEEN :s AND :e"
		values[":s"] = num(q.Start)
		values[":e"] = num(q.End)
	case q.Start != 0:
		cond += " AND #k >= :s"
		values[":s"] = num(q.Start)
	case q.End != 0:
		cond += " AND #k <= :e"
		values[":e"] = num(q.End)
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String(cond),
		ScanIndexForward:       aws.Bool(!q.Descending),
		Limit:                  aws.Int32(int32(pageSize(q))),
	}

	if filterAttr != "" && q.Filter.Present {
		names["#f"] = filterAttr
		values[":f"] = str(q.Filter.Value)
		in.FilterExpression = aws.String("#f = :f")
	}

	if q.Cursor != "" {
		after, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q: %w", q.Cursor, err)
		}
		in.ExclusiveStartKey = map[string]types.AttributeValue{"device_uid": str(q.DeviceUID), rangeAttr: num(after)}
	}

	in.ExpressionAttributeNames = names
	in.ExpressionAttributeValues = values
	return in, nil
}

func dynamoRange[T Timestamped](ctx context.Context, api dynamoAPI, table, rangeAttr, filterAttr string, q RangeQuery) (Page[T], error) {
	in, err := rangeInput(table, rangeAttr, filterAttr, q)
	if err != nil {
		return Page[T]{}, err
	}
	out, err := api.Query(ctx, in)
	if err != nil {
		return Page[T]{}, fmt.Errorf("range query %s: %w", aws.ToString(in.TableName), err)
	}

	items := []T{}
	if err := unmarshalItems(out.Items, &items); err != nil {
		return Page[T]{}, fmt.Errorf("decode items: %w", err)
	}

	page := Page[T]{Items: items}
	if n, ok := out.LastEvaluatedKey[rangeAttr].(*types.AttributeValueMemberN); ok {
		page.Cursor = n.Value
	}
	return page, nil
}
