package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"places-agent/internal/domain"
)

type fakeDynamo struct {
	txErr       error
	lastTxInput *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

func sampleRecord() domain.SearchRecord {
	return domain.SearchRecord{
		SearchID: "s-1",
		UserID:   42,
		Preferences: domain.Preferences{
			Category:             domain.CategoryCafe,
			PriceRange:           domain.PriceBudget,
			SpecificRequirements: []string{"quiet"},
		},
		Location:    &domain.Location{Lat: 55.75, Lon: 37.61},
		ResultCount: 2,
		PlaceIDs:    []string{"p1", "", "p2"},
		CreatedAt:   time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC),
	}
}

func strVal(t *testing.T, v types.AttributeValue) string {
	t.Helper()
	s, ok := v.(*types.AttributeValueMemberS)
	require.True(t, ok, "expected string attribute, got %T", v)
	return s.Value
}

func numVal(t *testing.T, v types.AttributeValue) string {
	t.Helper()
	n, ok := v.(*types.AttributeValueMemberN)
	require.True(t, ok, "expected number attribute, got %T", v)
	return n.Value
}

func TestRecordSearch_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.RecordSearch(context.Background(), sampleRecord()))
	require.NotNil(t, db.lastTxInput)
	require.Len(t, db.lastTxInput.TransactItems, 2)

	put := db.lastTxInput.TransactItems[0].Put
	require.NotNil(t, put)
	require.Equal(t, "test-table", *put.TableName)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *put.ConditionExpression)
	require.Equal(t, "USER#42", strVal(t, put.Item["PK"]))
	require.Equal(t, "SEARCH#2026-02-25T10:00:00Z#s-1", strVal(t, put.Item["SK"]))
	require.Equal(t, "2", numVal(t, put.Item["resultCount"]))

	prefs := put.Item["preferences"].(*types.AttributeValueMemberM).Value
	require.Equal(t, "cafe", strVal(t, prefs["category"]))
	require.Equal(t, "budget", strVal(t, prefs["priceRange"]))
	require.NotContains(t, prefs, "activityType")
	require.Len(t, prefs["specificRequirements"].(*types.AttributeValueMemberL).Value, 1)

	loc := put.Item["location"].(*types.AttributeValueMemberM).Value
	require.Equal(t, "55.75", numVal(t, loc["lat"]))

	ids := put.Item["placeIds"].(*types.AttributeValueMemberL).Value
	require.Len(t, ids, 2)

	upd := db.lastTxInput.TransactItems[1].Update
	require.NotNil(t, upd)
	require.Equal(t, "META#", strVal(t, upd.Key["SK"]))
	require.Equal(t, "ADD searches :one SET lastActivity = :ts, #ttl = :ttl", *upd.UpdateExpression)
	require.Equal(t, "ttl", upd.ExpressionAttributeNames["#ttl"])
}

func TestRecordSearch_OmitsOptionalAttributes(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	rec := sampleRecord()
	rec.Location = nil
	rec.PlaceIDs = nil

	require.NoError(t, c.RecordSearch(context.Background(), rec))
	item := db.lastTxInput.TransactItems[0].Put.Item
	require.NotContains(t, item, "location")
	require.NotContains(t, item, "placeIds")
}

func TestRecordSearch_DefaultsTimestamp(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	fixed := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	rec := sampleRecord()
	rec.CreatedAt = time.Time{}
	require.NoError(t, c.RecordSearch(context.Background(), rec))
	require.Equal(t, "SEARCH#2026-05-01T08:30:00Z#s-1", strVal(t, db.lastTxInput.TransactItems[0].Put.Item["SK"]))
}

func TestRecordSearch_Validation(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})

	rec := sampleRecord()
	rec.SearchID = " "
	require.ErrorContains(t, c.RecordSearch(context.Background(), rec), "search id is required")

	rec = sampleRecord()
	rec.UserID = 0
	require.ErrorContains(t, c.RecordSearch(context.Background(), rec), "user id is required")
}

func TestRecordSearch_DynamoError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{txErr: errors.New("transaction canceled")})
	err := c.RecordSearch(context.Background(), sampleRecord())
	require.ErrorContains(t, err, "RecordSearch")
	require.ErrorContains(t, err, "transaction canceled")
}

func TestUserPK(t *testing.T) {
	require.Equal(t, "USER#-100", userPK(-100))
}

func TestTTLValue(t *testing.T) {
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	require.Equal(t, ts.Add(30*24*time.Hour).Unix(), ttlValue(ts))
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.ErrorContains(t, err, "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.ErrorContains(t, err, "must not be empty")
}
