package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"places-agent/internal/domain"
)

const (
	skPrefixSearch = "SEARCH#"
	skMeta         = "META#"
	ttlDuration    = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client writes completed searches to a DynamoDB table. Nothing is read
// back into live sessions.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// userPK returns the partition key for a user.
func userPK(id domain.UserID) string {
	return "USER#" + strconv.FormatInt(int64(id), 10)
}

// searchSK returns the sort key for a search, ordered by time.
func searchSK(ts time.Time, searchID string) string {
	return skPrefixSearch + ts.UTC().Format(time.RFC3339Nano) + "#" + searchID
}

func ttlValue(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

// RecordSearch stores the search and bumps the user's search counter in one
// transaction.
func (c *Client) RecordSearch(ctx context.Context, rec domain.SearchRecord) error {
	if strings.TrimSpace(rec.SearchID) == "" {
		return errors.New("repository: RecordSearch: search id is required")
	}
	if rec.UserID == 0 {
		return errors.New("repository: RecordSearch: user id is required")
	}
	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = c.now()
	}
	pk := userPK(rec.UserID)

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                searchItem(pk, searchSK(ts, rec.SearchID), rec, ts),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: pk},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression: aws.String("ADD searches :one SET lastActivity = :ts, #ttl = :ttl"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":one": &types.AttributeValueMemberN{Value: "1"},
						":ts":  &types.AttributeValueMemberS{Value: ts.UTC().Format(time.RFC3339)},
						":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(ts), 10)},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: RecordSearch: %w", err)
	}
	return nil
}

func searchItem(pk, sk string, rec domain.SearchRecord, ts time.Time) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: pk},
		"SK":          &types.AttributeValueMemberS{Value: sk},
		"searchId":    &types.AttributeValueMemberS{Value: rec.SearchID},
		"createdAt":   &types.AttributeValueMemberS{Value: ts.UTC().Format(time.RFC3339)},
		"resultCount": &types.AttributeValueMemberN{Value: strconv.Itoa(rec.ResultCount)},
		"preferences": preferencesAttr(rec.Preferences),
		"ttl":         &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(ts), 10)},
	}
	if rec.Location != nil {
		item["location"] = locationAttr(*rec.Location)
	}
	// Places without an id are not journaled.
	if ids := nonEmpty(rec.PlaceIDs); len(ids) > 0 {
		item["placeIds"] = &types.AttributeValueMemberL{Value: stringList(ids)}
	}
	return item
}

func preferencesAttr(p domain.Preferences) types.AttributeValue {
	m := map[string]types.AttributeValue{}
	setStr := func(key, v string) {
		if v != "" {
			m[key] = &types.AttributeValueMemberS{Value: v}
		}
	}
	setStr("category", string(p.Category))
	setStr("priceRange", string(p.PriceRange))
	setStr("activityType", string(p.ActivityType))
	setStr("timePreference", string(p.TimePreference))
	if len(p.SpecificRequirements) > 0 {
		m["specificRequirements"] = &types.AttributeValueMemberL{Value: stringList(p.SpecificRequirements)}
	}
	return &types.AttributeValueMemberM{Value: m}
}

func locationAttr(l domain.Location) types.AttributeValue {
	return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"lat": &types.AttributeValueMemberN{Value: strconv.FormatFloat(l.Lat, 'f', -1, 64)},
		"lon": &types.AttributeValueMemberN{Value: strconv.FormatFloat(l.Lon, 'f', -1, 64)},
	}}
}

func stringList(vals []string) []types.AttributeValue {
	out := make([]types.AttributeValue, 0, len(vals))
	for _, v := range vals {
		out = append(out, &types.AttributeValueMemberS{Value: v})
	}
	return out
}

func nonEmpty(vals []string) []string {
	var out []string
	for _, v := range vals {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
