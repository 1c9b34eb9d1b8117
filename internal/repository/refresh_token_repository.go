package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/authcore/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	refreshTokenPrefix = "REFRESH_TOKEN#"
	subjectPrefix      = "SUBJECT#"
)

// RefreshTokenRepository keeps the refresh ledger in a single DynamoDB table.
// Items are keyed by token hash; a GSI on GSI1PK groups them by subject.
type RefreshTokenRepository struct {
	client       DynamoDBAPI
	tableName    string
	subjectIndex string
	logger       *logrus.Logger
}

func NewRefreshTokenRepository(client DynamoDBAPI, tableName, subjectIndex string, logger *logrus.Logger) *RefreshTokenRepository {
	return &RefreshTokenRepository{
		client:       client,
		tableName:    tableName,
		subjectIndex: subjectIndex,
		logger:       logger,
	}
}

func refreshTokenPK(tokenHash string) string {
	return refreshTokenPrefix + tokenHash
}

// Create stores a new ledger record. The DynamoDB TTL attribute is set to the
// token expiry so the table reaps dead rows on its own.
func (r *RefreshTokenRepository) Create(ctx context.Context, rec *models.RefreshToken) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: refreshTokenPK(rec.TokenHash)}
	item["SK"] = &types.AttributeValueMemberS{Value: metadataSK}
	item["GSI1PK"] = &types.AttributeValueMemberS{Value: subjectPrefix + rec.SubjectID}
	item["GSI1SK"] = &types.AttributeValueMemberS{Value: refreshTokenPrefix + rec.CreatedAt.UTC().Format(time.RFC3339Nano)}
	item["TTL"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ExpiresAt.Unix(), 10)}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrAlreadyExists
		}
		r.logger.WithError(err).Error("Failed to store refresh token in DynamoDB")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return nil
}

func (r *RefreshTokenRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            stringKey(refreshTokenPK(tokenHash)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var rec models.RefreshToken
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return &rec, nil
}

// MarkRotated flips an active record to rotated. The condition on status makes
// this the compare-and-set that lets exactly one concurrent rotation win.
func (r *RefreshTokenRepository) MarkRotated(ctx context.Context, tokenHash, replacedBy string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 stringKey(refreshTokenPK(tokenHash)),
		UpdateExpression:    aws.String("SET #status = :rotated, replaced_by = :replaced_by"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #status = :active"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":rotated":     &types.AttributeValueMemberS{Value: string(models.RefreshRotated)},
			":active":      &types.AttributeValueMemberS{Value: string(models.RefreshActive)},
			":replaced_by": &types.AttributeValueMemberS{Value: replacedBy},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to mark refresh token rotated: %w", err)
	}
	return nil
}

// MarkRevoked revokes an active record. Records already in a terminal state
// are left alone.
func (r *RefreshTokenRepository) MarkRevoked(ctx context.Context, tokenHash string) error {
	_, err := r.markRevoked(ctx, tokenHash)
	return err
}

func (r *RefreshTokenRepository) markRevoked(ctx context.Context, tokenHash string) (bool, error) {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 stringKey(refreshTokenPK(tokenHash)),
		UpdateExpression:    aws.String("SET #status = :revoked"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #status = :active"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":revoked": &types.AttributeValueMemberS{Value: string(models.RefreshRevoked)},
			":active":  &types.AttributeValueMemberS{Value: string(models.RefreshActive)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return true, nil
}

// RevokeAllForSubject revokes every active record of subjectID and returns how
// many were revoked.
func (r *RefreshTokenRepository) RevokeAllForSubject(ctx context.Context, subjectID string) (int, error) {
	paginator := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(r.subjectIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND begins_with(GSI1SK, :prefix)"),
		FilterExpression:       aws.String("#status = :active"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: subjectPrefix + subjectID},
			":prefix": &types.AttributeValueMemberS{Value: refreshTokenPrefix},
			":active": &types.AttributeValueMemberS{Value: string(models.RefreshActive)},
		},
	})

	revoked := 0
	var errs []error
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return revoked, fmt.Errorf("failed to query refresh tokens for subject: %w", err)
		}

		var recs []models.RefreshToken
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &recs); err != nil {
			return revoked, fmt.Errorf("failed to unmarshal refresh tokens: %w", err)
		}

		for _, rec := range recs {
			ok, err := r.markRevoked(ctx, rec.TokenHash)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				revoked++
			}
		}
	}

	return revoked, errors.Join(errs...)
}

// DeleteExpired removes ledger rows whose expiry has passed. Rotated and
// revoked rows are kept until then so replays are still recognised.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	paginator := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName:            aws.String(r.tableName),
		FilterExpression:     aws.String("begins_with(PK, :prefix) AND #ttl <= :now"),
		ProjectionExpression: aws.String("PK, SK"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "TTL",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: refreshTokenPrefix},
			":now":    &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})

	var keys []map[string]types.AttributeValue
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to scan expired refresh tokens: %w", err)
		}
		for _, item := range page.Items {
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
	}

	deleted := 0
	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))

		requests := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
		}

		out, err := r.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{r.tableName: requests},
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
		}

		unprocessed := len(out.UnprocessedItems[r.tableName])
		deleted += len(requests) - unprocessed
		if unprocessed > 0 {
			// Left for the next sweep.
			r.logger.WithField("unprocessed", unprocessed).Warn("Refresh token sweep left unprocessed deletes")
		}
	}

	return deleted, nil
}
