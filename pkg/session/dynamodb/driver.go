// Package dynamodb provides the managed-kv session backend on Amazon DynamoDB.
//
// All items of a session share the partition key SESSION#<id>:
//
//	META              session metadata and state
//	EVENT#<seq>       one retained event, seq zero-padded to 20 digits
//	IDEM#<key>        idempotency index pointing at an event's sequence
//
// Appends are optimistic: the metadata update is conditioned on the
// last_sequence value that was read, and the event, index and eviction
// writes ride in the same TransactWriteItems call.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"

	"github.com/txn2/mcp-sessions/pkg/session"
)

// Name is the backend name reported in logs and metrics.
const Name = "managed-kv"

const (
	attrPK          = "pk"
	attrSK          = "sk"
	attrPurgeAt     = "purge_at"
	metaSK          = "META"
	partitionPrefix = "SESSION#"
	eventPrefix     = "EVENT#"
	idemPrefix      = "IDEM#"
	batchLimit      = 25
	evictBatch      = 32
	lastEventSK     = eventPrefix + "18446744073709551615"
	firstEventSK    = eventPrefix + "00000000000000000000"

	// purgeGrace delays native TTL deletion of META past logical expiry so
	// the sweep normally removes a session together with its events.
	purgeGrace = time.Hour

	defaultAppendAttempts = 16
	defaultWaitTimeout    = 2 * time.Minute
)

// API is the subset of the DynamoDB client the driver uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

// Config configures the DynamoDB driver.
type Config struct {
	// Table is the table name.
	Table string

	// Region overrides the region from the default AWS configuration chain.
	Region string

	// Endpoint overrides the service endpoint, for dynamodb-local or localstack.
	Endpoint string

	// AccessKeyID and SecretAccessKey set static credentials. When empty the
	// default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// Driver implements session.Driver on DynamoDB.
type Driver struct {
	api            API
	table          string
	appendAttempts int
	waitTimeout    time.Duration
}

// metaItem is the META item of a session.
type metaItem struct {
	ID             string            `dynamodbav:"id"`
	CreatedMS      int64             `dynamodbav:"created_ms"`
	LastAccessedMS int64             `dynamodbav:"last_accessed_ms"`
	TTLMS          int64             `dynamodbav:"ttl_ms"`
	TTLS           int64             `dynamodbav:"ttl_s"`
	ExpiresMS      int64             `dynamodbav:"expires_ms"`
	PurgeAt        int64             `dynamodbav:"purge_at"`
	LastSequence   int64             `dynamodbav:"last_sequence"`
	State          map[string]string `dynamodbav:"state"`
}

type eventItem struct {
	PK             string `dynamodbav:"pk"`
	SK             string `dynamodbav:"sk"`
	Sequence       int64  `dynamodbav:"sequence"`
	IdempotencyKey string `dynamodbav:"idempotency_key"`
	Payload        string `dynamodbav:"payload"`
	CreatedMS      int64  `dynamodbav:"created_ms"`
}

// scanItem is the projection read by ScanExpired.
type scanItem struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	ExpiresMS int64  `dynamodbav:"expires_ms"`
}

type idemItem struct {
	PK       string `dynamodbav:"pk"`
	SK       string `dynamodbav:"sk"`
	Sequence int64  `dynamodbav:"sequence"`
}

// Open builds a client from the default AWS configuration chain.
func Open(ctx context.Context, cfg Config) (*Driver, error) {
	if cfg.Table == "" {
		return nil, errors.New("dynamodb: table name is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(client, cfg.Table), nil
}

// New wraps a DynamoDB client.
func New(api API, table string) *Driver {
	return &Driver{
		api:            api,
		table:          table,
		appendAttempts: defaultAppendAttempts,
		waitTimeout:    defaultWaitTimeout,
	}
}

// Table returns the table name.
func (d *Driver) Table() string { return d.table }

// Name returns the backend name.
func (*Driver) Name() string { return Name }

// EnsureSchema creates the table and enables native TTL when autoCreate is
// set and the table is absent.
func (d *Driver) EnsureSchema(ctx context.Context, autoCreate bool) error {
	_, err := d.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	if err == nil {
		return nil
	}
	if !isResourceNotFound(err) {
		return fmt.Errorf("describing table %s: %w", d.table, err)
	}
	if !autoCreate {
		return &session.SchemaMissingError{Backend: Name, Structure: d.table}
	}

	_, err = d.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(d.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrPK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrSK), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrPK), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrSK), KeyType: types.KeyTypeRange},
		},
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("creating table %s: %w", d.table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(d.api, func(o *dynamodb.TableExistsWaiterOptions) {
		o.MinDelay = time.Second
		o.MaxDelay = 5 * time.Second
	})
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)}, d.waitTimeout); err != nil {
		return fmt.Errorf("waiting for table %s: %w", d.table, err)
	}

	_, err = d.api.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(d.table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(attrPurgeAt),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil && !ttlAlreadyEnabled(err) {
		return fmt.Errorf("enabling ttl on %s: %w", d.table, err)
	}
	return nil
}

// Create writes the META item unless it already exists.
func (d *Driver) Create(ctx context.Context, s *session.Session) error {
	state := make(map[string]string, len(s.State))
	for k, v := range s.State {
		state[k] = string(v)
	}
	accessed := s.LastAccessedAt
	meta := metaItem{
		ID:             s.ID,
		CreatedMS:      s.CreatedAt.UnixMilli(),
		LastAccessedMS: accessed.UnixMilli(),
		TTLMS:          s.TTL.Milliseconds(),
		TTLS:           int64(s.TTL / time.Second),
		ExpiresMS:      accessed.Add(s.TTL).UnixMilli(),
		PurgeAt:        accessed.Add(s.TTL + purgeGrace).Unix(),
	}

	item, err := attributevalue.MarshalMap(meta)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	item[attrPK] = str(partition(s.ID))
	item[attrSK] = str(metaSK)
	item["state"] = stateValue(state)

	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(d.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK},
	})
	if isConditionFailed(err) {
		return nil
	}
	if err != nil {
		return d.mapError(fmt.Errorf("putting session: %w", err))
	}
	return nil
}

// Read touches the META item and returns its new image.
func (d *Driver) Read(ctx context.Context, id string, now time.Time) (*session.Session, error) {
	in := d.touchInput(id, now)
	in.ReturnValues = types.ReturnValueAllNew

	out, err := d.api.UpdateItem(ctx, in)
	if isConditionFailed(err) {
		return nil, d.classify(ctx, id, now)
	}
	if err != nil {
		return nil, d.mapError(fmt.Errorf("touching session: %w", err))
	}

	var meta metaItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &meta); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return meta.toSession(), nil
}

// Write sets one state key and touches the session in one conditional update.
func (d *Driver) Write(ctx context.Context, id, key string, value json.RawMessage, now time.Time) error {
	in := d.touchInput(id, now)
	*in.UpdateExpression += ", #state.#key = :val"
	in.ExpressionAttributeNames["#state"] = "state"
	in.ExpressionAttributeNames["#key"] = key
	in.ExpressionAttributeValues[":val"] = str(string(value))

	_, err := d.api.UpdateItem(ctx, in)
	if isConditionFailed(err) {
		return d.classify(ctx, id, now)
	}
	if err != nil {
		return d.mapError(fmt.Errorf("writing state: %w", err))
	}
	return nil
}

// Append assigns the next sequence with an optimistic transaction, retrying
// when a concurrent append wins the race.
func (d *Driver) Append(ctx context.Context, id string, ev session.EventInput, maxEvents int, now time.Time) (session.AppendResult, error) {
	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = 5 * time.Millisecond
	wait.MaxInterval = 200 * time.Millisecond

	for attempt := range d.appendAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return session.AppendResult{}, ctx.Err()
			case <-time.After(wait.NextBackOff()):
			}
		}
		if err := ctx.Err(); err != nil {
			return session.AppendResult{}, err
		}

		meta, err := d.loadLive(ctx, id, now)
		if err != nil {
			return session.AppendResult{}, err
		}

		seq, found, err := d.lookupIdempotency(ctx, id, ev.IdempotencyKey)
		if err != nil {
			return session.AppendResult{}, err
		}
		if found {
			_, err := d.api.UpdateItem(ctx, d.touchInput(id, now))
			if isConditionFailed(err) {
				return session.AppendResult{}, d.classify(ctx, id, now)
			}
			if err != nil {
				return session.AppendResult{}, d.mapError(fmt.Errorf("touching session: %w", err))
			}
			return session.AppendResult{Sequence: seq, Duplicate: true}, nil
		}

		items, next, err := d.appendItems(ctx, id, meta.LastSequence, ev, maxEvents, now)
		if err != nil {
			return session.AppendResult{}, err
		}

		_, err = d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		if err == nil {
			return session.AppendResult{Sequence: uint64(next)}, nil // #nosec G115 -- sequences are positive
		}
		if !isContention(err) {
			return session.AppendResult{}, d.mapError(fmt.Errorf("appending event: %w", err))
		}
	}
	return session.AppendResult{}, fmt.Errorf("appending event: session %s still contended after %d attempts", id, d.appendAttempts)
}

func (d *Driver) appendItems(ctx context.Context, id string, last int64, ev session.EventInput, maxEvents int, now time.Time) ([]types.TransactWriteItem, int64, error) {
	next := last + 1

	advance := d.touchInput(id, now)
	names := advance.ExpressionAttributeNames
	values := advance.ExpressionAttributeValues
	names["#seq"] = "last_sequence"
	values[":next"] = num(next)
	values[":last"] = num(last)

	eventAV, err := attributevalue.MarshalMap(eventItem{
		PK:             partition(id),
		SK:             eventSK(next),
		Sequence:       next,
		IdempotencyKey: ev.IdempotencyKey,
		Payload:        string(ev.Payload),
		CreatedMS:      now.UnixMilli(),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encoding event: %w", err)
	}
	idemAV, err := attributevalue.MarshalMap(idemItem{
		PK:       partition(id),
		SK:       idemPrefix + ev.IdempotencyKey,
		Sequence: next,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encoding idempotency entry: %w", err)
	}

	notExists := aws.String("attribute_not_exists(#pk)")
	pkName := map[string]string{"#pk": attrPK}
	items := []types.TransactWriteItem{
		{Update: &types.Update{
			TableName:                 aws.String(d.table),
			Key:                       itemKey(id, metaSK),
			UpdateExpression:          aws.String(*advance.UpdateExpression + ", #seq = :next"),
			ConditionExpression:       aws.String(*advance.ConditionExpression + " AND #seq = :last"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		}},
		{Put: &types.Put{TableName: aws.String(d.table), Item: eventAV, ConditionExpression: notExists, ExpressionAttributeNames: pkName}},
		{Put: &types.Put{TableName: aws.String(d.table), Item: idemAV, ConditionExpression: notExists, ExpressionAttributeNames: pkName}},
	}

	if maxEvents > 0 && next > int64(maxEvents) {
		evict, err := d.evictions(ctx, id, next-int64(maxEvents))
		if err != nil {
			return nil, 0, err
		}
		items = append(items, evict...)
	}
	return items, next, nil
}

// evictions returns deletes for events with sequence <= upTo and their
// idempotency entries, bounded to keep the transaction within limits.
func (d *Driver) evictions(ctx context.Context, id string, upTo int64) ([]types.TransactWriteItem, error) {
	out, err := d.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String("#pk = :pk AND #sk BETWEEN :from AND :to"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK, "#sk": attrSK, "#idem": "idempotency_key",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   str(partition(id)),
			":from": str(firstEventSK),
			":to":   str(eventSK(upTo)),
		},
		ProjectionExpression: aws.String("#sk, #idem"),
		ConsistentRead:       aws.Bool(true),
		Limit:                aws.Int32(evictBatch),
	})
	if err != nil {
		return nil, d.mapError(fmt.Errorf("querying evictable events: %w", err))
	}

	var deletes []types.TransactWriteItem
	for _, item := range out.Items {
		var ev eventItem
		if err := attributevalue.UnmarshalMap(item, &ev); err != nil {
			return nil, fmt.Errorf("decoding evictable event: %w", err)
		}
		deletes = append(deletes,
			types.TransactWriteItem{Delete: &types.Delete{TableName: aws.String(d.table), Key: itemKey(id, ev.SK)}},
			types.TransactWriteItem{Delete: &types.Delete{TableName: aws.String(d.table), Key: itemKey(id, idemPrefix+ev.IdempotencyKey)}},
		)
	}
	return deletes, nil
}

// Events touches the session and queries events after since.
func (d *Driver) Events(ctx context.Context, id string, since uint64, now time.Time) ([]session.Event, error) {
	_, err := d.api.UpdateItem(ctx, d.touchInput(id, now))
	if isConditionFailed(err) {
		return nil, d.classify(ctx, id, now)
	}
	if err != nil {
		return nil, d.mapError(fmt.Errorf("touching session: %w", err))
	}

	if since == ^uint64(0) {
		return []session.Event{}, nil
	}
	from := eventPrefix + fmt.Sprintf("%020d", since+1)

	p := dynamodb.NewQueryPaginator(d.api, &dynamodb.QueryInput{
		TableName:                aws.String(d.table),
		KeyConditionExpression:   aws.String("#pk = :pk AND #sk BETWEEN :from AND :to"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK, "#sk": attrSK},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   str(partition(id)),
			":from": str(from),
			":to":   str(lastEventSK),
		},
		ConsistentRead: aws.Bool(true),
	})

	events := make([]session.Event, 0)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, d.mapError(fmt.Errorf("querying events: %w", err))
		}
		for _, item := range page.Items {
			var ev eventItem
			if err := attributevalue.UnmarshalMap(item, &ev); err != nil {
				return nil, fmt.Errorf("decoding event: %w", err)
			}
			events = append(events, session.Event{
				Sequence:       uint64(ev.Sequence), // #nosec G115
				IdempotencyKey: ev.IdempotencyKey,
				Payload:        json.RawMessage(ev.Payload),
				Timestamp:      time.UnixMilli(ev.CreatedMS).UTC(),
			})
		}
	}
	return events, nil
}

// ScanExpired returns the sessions whose META expired at or before cutoff,
// and partitions that hold items but no META. Native TTL only removes META
// items, and a purge interrupted after META was deleted leaves event and
// idempotency items behind; both are collected here. Within a partition the
// scan reads EVENT# and IDEM# items before META, and events are only written
// while META exists, so a partition without META is never a live session.
func (d *Driver) ScanExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	p := dynamodb.NewScanPaginator(d.api, &dynamodb.ScanInput{
		TableName:                aws.String(d.table),
		ProjectionExpression:     aws.String("#pk, #sk, #expires"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK, "#sk": attrSK, "#expires": "expires_ms"},
		ConsistentRead:           aws.Bool(true),
	})

	type partitionState struct {
		hasMeta bool
		expired bool
	}
	seen := make(map[string]*partitionState)
	var order []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, d.mapError(fmt.Errorf("scanning expired sessions: %w", err))
		}
		for _, item := range page.Items {
			var key scanItem
			if err := attributevalue.UnmarshalMap(item, &key); err != nil {
				return nil, fmt.Errorf("decoding session key: %w", err)
			}
			id, ok := strings.CutPrefix(key.PK, partitionPrefix)
			if !ok {
				continue
			}
			st, ok := seen[id]
			if !ok {
				st = &partitionState{}
				seen[id] = st
				order = append(order, id)
			}
			if key.SK == metaSK {
				st.hasMeta = true
				st.expired = key.ExpiresMS <= cutoff.UnixMilli()
			}
		}
	}

	var ids []string
	for _, id := range order {
		if st := seen[id]; !st.hasMeta || st.expired {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteExpired deletes the META item if it is still expired at cutoff, or
// is already gone, and then removes the session's remaining items.
func (d *Driver) DeleteExpired(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(d.table),
		Key:                       itemKey(id, metaSK),
		ConditionExpression:       aws.String("attribute_not_exists(#pk) OR #expires <= :cutoff"),
		ExpressionAttributeNames:  map[string]string{"#pk": attrPK, "#expires": "expires_ms"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":cutoff": num(cutoff.UnixMilli())},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, d.mapError(fmt.Errorf("deleting expired session: %w", err))
	}
	if err := d.purge(ctx, id); err != nil {
		return true, err
	}
	return true, nil
}

// Delete removes the META item first so concurrent appends fail their
// condition, then the remaining items.
func (d *Driver) Delete(ctx context.Context, id string) error {
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       itemKey(id, metaSK),
	})
	if err != nil {
		return d.mapError(fmt.Errorf("deleting session: %w", err))
	}
	return d.purge(ctx, id)
}

// Ping describes the table.
func (d *Driver) Ping(ctx context.Context) error {
	_, err := d.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	if err != nil {
		return d.mapError(fmt.Errorf("describing table: %w", err))
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (*Driver) Close() error { return nil }

// purge batch-deletes every item left under the session's partition.
func (d *Driver) purge(ctx context.Context, id string) error {
	p := dynamodb.NewQueryPaginator(d.api, &dynamodb.QueryInput{
		TableName:                 aws.String(d.table),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		ExpressionAttributeNames:  map[string]string{"#pk": attrPK, "#sk": attrSK},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": str(partition(id))},
		ProjectionExpression:      aws.String("#pk, #sk"),
	})

	var requests []types.WriteRequest
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return d.mapError(fmt.Errorf("listing session items: %w", err))
		}
		for _, key := range page.Items {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
		}
	}

	for start := 0; start < len(requests); start += batchLimit {
		end := min(start+batchLimit, len(requests))
		if err := d.batchDelete(ctx, requests[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// batchDelete writes one batch, resubmitting unprocessed items with backoff.
func (d *Driver) batchDelete(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{d.table: requests}
	op := func() error {
		out, err := d.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return backoff.Permanent(d.mapError(fmt.Errorf("deleting session items: %w", err)))
		}
		if len(out.UnprocessedItems[d.table]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
		return fmt.Errorf("%d session items unprocessed", len(pending[d.table]))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(op, b)
}

// touchInput builds the conditional sliding-expiry update for META.
func (d *Driver) touchInput(id string, now time.Time) *dynamodb.UpdateItemInput {
	return &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 itemKey(id, metaSK),
		UpdateExpression:    aws.String("SET #accessed = :now, #expires = :now + #ttl_ms, #purge = :purge_base + #ttl_s"),
		ConditionExpression: aws.String("attribute_exists(#pk) AND #expires > :now"),
		ExpressionAttributeNames: map[string]string{
			"#pk":       attrPK,
			"#accessed": "last_accessed_ms",
			"#expires":  "expires_ms",
			"#ttl_ms":   "ttl_ms",
			"#ttl_s":    "ttl_s",
			"#purge":    attrPurgeAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":        num(now.UnixMilli()),
			":purge_base": num(now.Add(purgeGrace).Unix()),
		},
	}
}

// loadLive reads META consistently and checks expiry.
func (d *Driver) loadLive(ctx context.Context, id string, now time.Time) (*metaItem, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            itemKey(id, metaSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, d.mapError(fmt.Errorf("reading session: %w", err))
	}
	if len(out.Item) == 0 {
		return nil, session.ErrSessionNotFound
	}
	var meta metaItem
	if err := attributevalue.UnmarshalMap(out.Item, &meta); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if meta.ExpiresMS <= now.UnixMilli() {
		return nil, session.ErrSessionExpired
	}
	return &meta, nil
}

func (d *Driver) lookupIdempotency(ctx context.Context, id, key string) (uint64, bool, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            itemKey(id, idemPrefix+key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, false, d.mapError(fmt.Errorf("checking idempotency key: %w", err))
	}
	if len(out.Item) == 0 {
		return 0, false, nil
	}
	var idem idemItem
	if err := attributevalue.UnmarshalMap(out.Item, &idem); err != nil {
		return 0, false, fmt.Errorf("decoding idempotency entry: %w", err)
	}
	return uint64(idem.Sequence), true, nil // #nosec G115
}

// classify explains a failed liveness condition.
func (d *Driver) classify(ctx context.Context, id string, now time.Time) error {
	_, err := d.loadLive(ctx, id, now)
	if err == nil {
		// Live again by now: deleted and re-created in between.
		return session.ErrSessionNotFound
	}
	return err
}

// mapError converts a missing table into a SchemaMissingError.
func (d *Driver) mapError(err error) error {
	if isResourceNotFound(err) {
		return &session.SchemaMissingError{Backend: Name, Structure: d.table}
	}
	return err
}

func (m *metaItem) toSession() *session.Session {
	s := &session.Session{
		ID:             m.ID,
		CreatedAt:      time.UnixMilli(m.CreatedMS).UTC(),
		LastAccessedAt: time.UnixMilli(m.LastAccessedMS).UTC(),
		TTL:            time.Duration(m.TTLMS) * time.Millisecond,
		LastSequence:   uint64(m.LastSequence), // #nosec G115
		State:          make(map[string]json.RawMessage, len(m.State)),
	}
	for k, v := range m.State {
		s.State[k] = json.RawMessage(v)
	}
	return s
}

func partition(id string) string { return partitionPrefix + id }

func eventSK(seq int64) string { return eventPrefix + fmt.Sprintf("%020d", seq) }

func itemKey(id, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: str(partition(id)),
		attrSK: str(sk),
	}
}

func str(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func num(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func stateValue(state map[string]string) types.AttributeValue {
	m := make(map[string]types.AttributeValue, len(state))
	for k, v := range state {
		m[k] = str(v)
	}
	return &types.AttributeValueMemberM{Value: m}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return err != nil && errors.As(err, &ccf)
}

func isResourceNotFound(err error) bool {
	var rnf *types.ResourceNotFoundException
	return err != nil && errors.As(err, &rnf)
}

// isContention reports a transaction that lost a race and may be retried.
// A canceled transaction qualifies only when every failed item lost to a
// condition or a concurrent transaction; validation and size failures are
// permanent.
func isContention(err error) bool {
	var conflict *types.TransactionConflictException
	if errors.As(err, &conflict) {
		return true
	}
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	raced := false
	for _, reason := range canceled.CancellationReasons {
		switch aws.ToString(reason.Code) {
		case "", "None":
		case "ConditionalCheckFailed", "TransactionConflict":
			raced = true
		default:
			return false
		}
	}
	return raced
}

func ttlAlreadyEnabled(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) &&
		apiErr.ErrorCode() == "ValidationException" &&
		strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "already enabled")
}

// Verify interface compliance.
var _ session.Driver = (*Driver)(nil)
