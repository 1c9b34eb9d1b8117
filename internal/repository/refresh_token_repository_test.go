package repository

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/authcore/internal/models"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTable        = "auth-test"
	testSubjectIndex = "GSI1"
)

func newRefreshRecord(hash, subject string, created time.Time) *models.RefreshToken {
	return &models.RefreshToken{
		ID:        "id-" + hash,
		SubjectID: subject,
		SessionID: "session-1",
		FamilyID:  "family-1",
		TokenHash: hash,
		Status:    models.RefreshActive,
		CreatedAt: created,
		ExpiresAt: created.Add(7 * 24 * time.Hour),
	}
}

func newDynamoRefreshRepo(t *testing.T) (*RefreshTokenRepository, *fakeDynamoDB, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	db := newFakeDynamoDB()
	return NewRefreshTokenRepository(db, testTable, testSubjectIndex, logger), db, hook
}

func TestRefreshTokenRepository_CreateAndFind(t *testing.T) {
	repo, db, _ := newDynamoRefreshRepo(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := newRefreshRecord("abc", "user-1", created)
	require.NoError(t, repo.Create(ctx, rec))

	require.Len(t, db.puts, 1)
	put := db.puts[0]
	assert.Equal(t, testTable, aws.ToString(put.TableName))
	assert.Equal(t, "attribute_not_exists(PK)", aws.ToString(put.ConditionExpression))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "REFRESH_TOKEN#abc"}, put.Item["PK"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "METADATA"}, put.Item["SK"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "SUBJECT#user-1"}, put.Item["GSI1PK"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "REFRESH_TOKEN#2026-03-01T12:00:00Z"}, put.Item["GSI1SK"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ExpiresAt.Unix(), 10)}, put.Item["TTL"])

	assert.ErrorIs(t, repo.Create(ctx, rec), ErrAlreadyExists)

	got, err := repo.FindByTokenHash(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, models.RefreshActive, got.Status)
	assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))
	assert.True(t, aws.ToBool(db.gets[0].ConsistentRead))

	_, err = repo.FindByTokenHash(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshTokenRepository_MarkRotated(t *testing.T) {
	repo, db, _ := newDynamoRefreshRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.MarkRotated(ctx, "abc", "next-id"))

	require.Len(t, db.updates, 1)
	upd := db.updates[0]
	assert.Equal(t, "attribute_exists(PK) AND #status = :active", aws.ToString(upd.ConditionExpression))
	assert.Equal(t, "status", upd.ExpressionAttributeNames["#status"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "next-id"}, upd.ExpressionAttributeValues[":replaced_by"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "REFRESH_TOKEN#abc"}, upd.Key["PK"])

	db.failUpdate = func(*dynamodb.UpdateItemInput) bool { return true }
	assert.ErrorIs(t, repo.MarkRotated(ctx, "abc", "other-id"), ErrConflict)

	db.failUpdate = nil
	db.err = errDynamoDown
	err := repo.MarkRotated(ctx, "abc", "other-id")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict, "an outage is not a lost race")
}

func TestRefreshTokenRepository_MarkRevokedIgnoresTerminal(t *testing.T) {
	repo, db, _ := newDynamoRefreshRepo(t)
	db.failUpdate = func(*dynamodb.UpdateItemInput) bool { return true }

	assert.NoError(t, repo.MarkRevoked(context.Background(), "abc"))
}

func subjectPage(t *testing.T, more bool, recs ...*models.RefreshToken) *dynamodb.QueryOutput {
	t.Helper()
	out := &dynamodb.QueryOutput{}
	for _, rec := range recs {
		item, err := attributevalue.MarshalMap(rec)
		require.NoError(t, err)
		out.Items = append(out.Items, item)
	}
	if more {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "REFRESH_TOKEN#" + recs[len(recs)-1].TokenHash},
		}
	}
	return out
}

func TestRefreshTokenRepository_RevokeAllForSubject(t *testing.T) {
	repo, db, _ := newDynamoRefreshRepo(t)
	now := time.Now()

	db.queryPages = []*dynamodb.QueryOutput{
		subjectPage(t, true, newRefreshRecord("a", "user-1", now), newRefreshRecord("b", "user-1", now)),
		subjectPage(t, false, newRefreshRecord("c", "user-1", now)),
	}
	// "b" was rotated between the query and the update.
	db.failUpdate = func(in *dynamodb.UpdateItemInput) bool {
		return pkOf(in.Key) == "REFRESH_TOKEN#b"
	}

	n, err := repo.RevokeAllForSubject(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, db.queries, 2)
	q := db.queries[0]
	assert.Equal(t, testSubjectIndex, aws.ToString(q.IndexName))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "SUBJECT#user-1"}, q.ExpressionAttributeValues[":pk"])
	assert.Equal(t, "#status = :active", aws.ToString(q.FilterExpression))
	assert.NotNil(t, db.queries[1].ExclusiveStartKey)

	assert.Len(t, db.updates, 3)
	for _, upd := range db.updates {
		assert.Equal(t, &types.AttributeValueMemberS{Value: "revoked"}, upd.ExpressionAttributeValues[":revoked"])
	}
}

func TestRefreshTokenRepository_RevokeAllForSubjectQueryError(t *testing.T) {
	repo, db, _ := newDynamoRefreshRepo(t)
	db.err = errDynamoDown

	_, err := repo.RevokeAllForSubject(context.Background(), "user-1")
	assert.ErrorIs(t, err, errDynamoDown)
}

func TestRefreshTokenRepository_DeleteExpired(t *testing.T) {
	repo, db, hook := newDynamoRefreshRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	page := func(from, to int) *dynamodb.ScanOutput {
		out := &dynamodb.ScanOutput{}
		for i := from; i < to; i++ {
			out.Items = append(out.Items, stringKey(fmt.Sprintf("REFRESH_TOKEN#%02d", i)))
		}
		return out
	}
	first := page(0, 20)
	first.LastEvaluatedKey = stringKey("REFRESH_TOKEN#19")
	db.scanPages = []*dynamodb.ScanOutput{first, page(20, 30)}
	db.unprocessed = []int{0, 1}

	n, err := repo.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 29, n)

	require.Len(t, db.scans, 2)
	scan := db.scans[0]
	assert.Equal(t, "PK, SK", aws.ToString(scan.ProjectionExpression))
	assert.Equal(t, "TTL", scan.ExpressionAttributeNames["#ttl"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)}, scan.ExpressionAttributeValues[":now"])

	require.Len(t, db.batches, 2)
	assert.Len(t, db.batches[0].RequestItems[testTable], 25)
	assert.Len(t, db.batches[1].RequestItems[testTable], 5)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, 1, hook.LastEntry().Data["unprocessed"])
}

func TestRefreshTokenRepository_DeleteExpiredNothingToDo(t *testing.T) {
	repo, db, _ := newDynamoRefreshRepo(t)

	n, err := repo.DeleteExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, db.batches)
}
