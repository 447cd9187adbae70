// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package dynamodb implements the kv contract on Amazon DynamoDB.
// Puts run as UpdateItem calls so the contract's merge semantics come
// straight from the service, conditions render as condition
// expressions, and throttling surfaces as transient errors for the
// caller's retry policy. All reads are strongly consistent: the
// pipeline's idempotency protocol reads its own writes.
package dynamodb

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/viewfinder/viewfinder/kv"
)

var logger = loggo.GetLogger("viewfinder.kv.dynamodb")

// batchGetLimit is the service's cap on keys per BatchGetItem call.
const batchGetLimit = 100

// Config holds the connection settings for a DynamoDB-backed store.
type Config struct {
	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the service endpoint URL (optional, for DynamoDB
	// Local and other emulators).
	Endpoint string

	// TablePrefix is prepended to every table name, namespacing
	// deployments that share an account.
	TablePrefix string

	// AccessKeyID and SecretAccessKey override the SDK's default
	// credential chain when both are set.
	AccessKeyID     string
	SecretAccessKey string
}

// Store is a DynamoDB-backed kv.Store.
type Store struct {
	client *dynamodb.Client
	prefix string
}

// New creates a store around an existing client.
func New(client *dynamodb.Client, tablePrefix string) *Store {
	return &Store{client: client, prefix: tablePrefix}
}

// Open creates a store by building a client from cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Annotate(err, "loading aws config")
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	if cfg.Endpoint != "" {
		logger.Infof("using dynamodb endpoint %q", cfg.Endpoint)
	}
	return New(client, cfg.TablePrefix), nil
}

func (s *Store) tableName(table string) *string {
	return aws.String(s.prefix + table)
}

// Put implements kv.Store.
func (s *Store) Put(ctx context.Context, table string, key kv.Key, attrs kv.Attrs, expected kv.Expected) error {
	if err := kv.ValidateAttrs(attrs); err != nil {
		return errors.Trace(err)
	}
	keyAttrs, err := encodeKeyAttrs(key)
	if err != nil {
		return errors.Trace(err)
	}
	b := newExprBuilder()
	updateExpr, err := b.buildUpdate(attrs)
	if err != nil {
		return errors.Trace(err)
	}
	condExpr, err := b.buildCondition(expected)
	if err != nil {
		return errors.Trace(err)
	}
	input := &dynamodb.UpdateItemInput{
		TableName: s.tableName(table),
		Key:       keyAttrs,
	}
	if updateExpr != "" {
		input.UpdateExpression = aws.String(updateExpr)
	}
	if condExpr != "" {
		input.ConditionExpression = aws.String(condExpr)
	}
	if len(b.names) > 0 {
		input.ExpressionAttributeNames = b.names
	}
	if len(b.values) > 0 {
		input.ExpressionAttributeValues = b.values
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		return translate(err)
	}
	return nil
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, table string, key kv.Key, fields []string) (kv.Attrs, error) {
	keyAttrs, err := encodeKeyAttrs(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	b := newExprBuilder()
	input := &dynamodb.GetItemInput{
		TableName:      s.tableName(table),
		Key:            keyAttrs,
		ConsistentRead: aws.Bool(true),
	}
	if proj := b.buildProjection(fields); proj != "" {
		input.ProjectionExpression = aws.String(proj)
		input.ExpressionAttributeNames = b.names
	}
	out, err := s.client.GetItem(ctx, input)
	if err != nil {
		return nil, translate(err)
	}
	if len(out.Item) == 0 {
		return nil, errors.NotFoundf("item %v in table %q", key, table)
	}
	_, attrs, err := decodeItem(out.Item)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return attrs, nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, table string, key kv.Key, expected kv.Expected) error {
	keyAttrs, err := encodeKeyAttrs(key)
	if err != nil {
		return errors.Trace(err)
	}
	b := newExprBuilder()
	condExpr, err := b.buildCondition(expected)
	if err != nil {
		return errors.Trace(err)
	}
	input := &dynamodb.DeleteItemInput{
		TableName: s.tableName(table),
		Key:       keyAttrs,
	}
	if condExpr != "" {
		input.ConditionExpression = aws.String(condExpr)
		input.ExpressionAttributeNames = b.names
		if len(b.values) > 0 {
			input.ExpressionAttributeValues = b.values
		}
	}
	if _, err := s.client.DeleteItem(ctx, input); err != nil {
		return translate(err)
	}
	return nil
}

// RangeQuery implements kv.Store.
func (s *Store) RangeQuery(ctx context.Context, q kv.Query) ([]kv.Item, error) {
	if !kv.ValidKeyValue(q.Hash) {
		return nil, errors.NotValidf("hash key %v (%T)", q.Hash, q.Hash)
	}
	b := newExprBuilder()
	hashName := b.bindName("h", attrHash)
	hashValue, err := b.bindValue("h", q.Hash)
	if err != nil {
		return nil, errors.Trace(err)
	}
	input := &dynamodb.QueryInput{
		TableName:                 s.tableName(q.Table),
		KeyConditionExpression:    aws.String(hashName + " = " + hashValue),
		ConsistentRead:            aws.Bool(true),
		ScanIndexForward:          aws.Bool(!q.Reverse),
		ExpressionAttributeValues: b.values,
	}
	if proj := b.buildProjection(q.Fields); proj != "" {
		input.ProjectionExpression = aws.String(proj)
	}
	input.ExpressionAttributeNames = b.names
	if q.Limit > 0 {
		input.Limit = aws.Int32(int32(q.Limit))
	}
	if q.Start != nil {
		startKey, err := encodeKeyAttrs(kv.Key{Hash: q.Hash, Range: q.Start})
		if err != nil {
			return nil, errors.Trace(err)
		}
		input.ExclusiveStartKey = startKey
	}
	var out []kv.Item
	for {
		resp, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, translate(err)
		}
		for _, raw := range resp.Items {
			key, attrs, err := decodeItem(raw)
			if err != nil {
				return nil, errors.Trace(err)
			}
			out = append(out, kv.Item{Key: key, Attrs: attrs})
			if q.Limit > 0 && len(out) == q.Limit {
				return out, nil
			}
		}
		if len(resp.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
}

// Scan implements kv.Store. Each call issues one service page: the
// returned cursor is the page's LastEvaluatedKey, so a page may carry
// fewer than limit items (even zero) while the scan is still
// incomplete.
func (s *Store) Scan(ctx context.Context, table string, filter *kv.Filter, limit int, start *kv.Key) ([]kv.Item, *kv.Key, error) {
	b := newExprBuilder()
	input := &dynamodb.ScanInput{
		TableName:      s.tableName(table),
		ConsistentRead: aws.Bool(true),
	}
	if filter != nil {
		name := b.bindName("f", filter.Field)
		value, err := b.bindValue("f", filter.Value)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		input.FilterExpression = aws.String(name + " " + string(filter.Cmp) + " " + value)
		input.ExpressionAttributeNames = b.names
		input.ExpressionAttributeValues = b.values
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}
	if start != nil {
		startKey, err := encodeKeyAttrs(*start)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		input.ExclusiveStartKey = startKey
	}
	resp, err := s.client.Scan(ctx, input)
	if err != nil {
		return nil, nil, translate(err)
	}
	var out []kv.Item
	for _, raw := range resp.Items {
		key, attrs, err := decodeItem(raw)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		out = append(out, kv.Item{Key: key, Attrs: attrs})
	}
	var next *kv.Key
	if len(resp.LastEvaluatedKey) > 0 {
		cursor, err := decodeKeyAttrs(resp.LastEvaluatedKey)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		next = &cursor
	}
	return out, next, nil
}

// BatchGet implements kv.Store.
func (s *Store) BatchGet(ctx context.Context, table string, keys []kv.Key, fields []string) ([]kv.Item, error) {
	name := s.prefix + table
	var out []kv.Item
	for len(keys) > 0 {
		chunk := keys
		if len(chunk) > batchGetLimit {
			chunk = chunk[:batchGetLimit]
		}
		keys = keys[len(chunk):]

		b := newExprBuilder()
		req := types.KeysAndAttributes{
			Keys:           make([]map[string]types.AttributeValue, 0, len(chunk)),
			ConsistentRead: aws.Bool(true),
		}
		if proj := b.buildProjection(fields); proj != "" {
			req.ProjectionExpression = aws.String(proj)
			req.ExpressionAttributeNames = b.names
		}
		for _, key := range chunk {
			keyAttrs, err := encodeKeyAttrs(key)
			if err != nil {
				return nil, errors.Trace(err)
			}
			req.Keys = append(req.Keys, keyAttrs)
		}

		request := map[string]types.KeysAndAttributes{name: req}
		for len(request) > 0 {
			resp, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: request,
			})
			if err != nil {
				return nil, translate(err)
			}
			for _, raw := range resp.Responses[name] {
				key, attrs, err := decodeItem(raw)
				if err != nil {
					return nil, errors.Trace(err)
				}
				out = append(out, kv.Item{Key: key, Attrs: attrs})
			}
			// The service holds back keys under load; pass what is
			// left around the caller's retry policy rather than
			// hammering it here.
			left := len(resp.UnprocessedKeys[name].Keys)
			if left > 0 && left == len(request[name].Keys) {
				return nil, kv.MarkTransient(errors.Errorf(
					"batch get of %d keys from %q made no progress", left, name))
			}
			request = resp.UnprocessedKeys
		}
	}
	return out, nil
}

// Close implements kv.Store. The underlying HTTP client holds no
// resources that need explicit release.
func (s *Store) Close() error {
	return nil
}
