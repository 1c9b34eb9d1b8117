package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/authcore/internal/models"
	"github.com/sirupsen/logrus"
)

const emailPrefix = "EMAIL#"

// emailItem reserves an address and points at the owning user item.
type emailItem struct {
	UserID string `dynamodbav:"user_id"`
}

type UserRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
	now       func() time.Time
}

func NewUserRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *UserRepository {
	return &UserRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{ID: id}

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            stringKey(user.GetPK()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get user from DynamoDB")
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var dbUser models.User
	if err := attributevalue.UnmarshalMap(result.Item, &dbUser); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal user from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &dbUser, nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            stringKey(emailPrefix + email),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get email reservation: %w", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var ref emailItem
	if err := attributevalue.UnmarshalMap(result.Item, &ref); err != nil {
		return nil, fmt.Errorf("failed to unmarshal email reservation: %w", err)
	}
	return r.FindByID(ctx, ref.UserID)
}

// Create writes the user item and its email reservation in one transaction so
// two registrations for the same address cannot both succeed.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	now := r.now()
	user.CreatedAt = now
	user.UpdatedAt = now

	item, err := attributevalue.MarshalMap(user)
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal user for DynamoDB")
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: user.GetPK()}
	item["SK"] = &types.AttributeValueMemberS{Value: user.GetSK()}

	ref, err := attributevalue.MarshalMap(emailItem{UserID: user.ID})
	if err != nil {
		return fmt.Errorf("failed to marshal email reservation: %w", err)
	}
	ref["PK"] = &types.AttributeValueMemberS{Value: emailPrefix + user.Email}
	ref["SK"] = &types.AttributeValueMemberS{Value: metadataSK}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                ref,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrAlreadyExists
		}
		r.logger.WithError(err).Error("Failed to create user in DynamoDB")
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return r.update(ctx, id, "SET password_hash = :hash, updated_at = :updated_at", "attribute_exists(PK)",
		map[string]types.AttributeValue{
			":hash": &types.AttributeValueMemberS{Value: passwordHash},
		}, ErrNotFound)
}

func (r *UserRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.update(ctx, id, "SET is_active = :active, updated_at = :updated_at", "attribute_exists(PK)",
		map[string]types.AttributeValue{
			":active": &types.AttributeValueMemberBOOL{Value: active},
		}, ErrNotFound)
}

func (r *UserRepository) UpdateRole(ctx context.Context, id string, role models.Role) error {
	return r.update(ctx, id, "SET #role = :role, updated_at = :updated_at", "attribute_exists(PK)",
		map[string]types.AttributeValue{
			":role": &types.AttributeValueMemberS{Value: role.String()},
		}, ErrNotFound)
}

func (r *UserRepository) VerifyEmail(ctx context.Context, id string) error {
	return r.update(ctx, id, "SET email_verified = :verified, updated_at = :updated_at", "attribute_exists(PK)",
		map[string]types.AttributeValue{
			":verified": &types.AttributeValueMemberBOOL{Value: true},
		}, ErrNotFound)
}

// EnableTwoFactor commits a verified secret and its hashed backup codes. It
// fails with ErrConflict if 2FA is already on or the record changed since
// expectedVersion was read.
func (r *UserRepository) EnableTwoFactor(ctx context.Context, id, secret string, codeHashes []string, expectedVersion int64) error {
	return r.update(ctx, id,
		"SET two_factor_enabled = :true, two_factor_secret = :secret, backup_codes = :codes, "+
			"two_factor_version = two_factor_version + :one, updated_at = :updated_at",
		"attribute_exists(PK) AND two_factor_enabled = :false AND two_factor_version = :version",
		map[string]types.AttributeValue{
			":true":    &types.AttributeValueMemberBOOL{Value: true},
			":false":   &types.AttributeValueMemberBOOL{Value: false},
			":secret":  &types.AttributeValueMemberS{Value: secret},
			":codes":   &types.AttributeValueMemberSS{Value: codeHashes},
			":one":     &types.AttributeValueMemberN{Value: "1"},
			":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		}, ErrConflict)
}

func (r *UserRepository) DisableTwoFactor(ctx context.Context, id string) error {
	return r.update(ctx, id,
		"SET two_factor_enabled = :false, two_factor_version = two_factor_version + :one, updated_at = :updated_at "+
			"REMOVE two_factor_secret, backup_codes",
		"attribute_exists(PK) AND two_factor_enabled = :true",
		map[string]types.AttributeValue{
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":one":   &types.AttributeValueMemberN{Value: "1"},
		}, ErrConflict)
}

func (r *UserRepository) ReplaceBackupCodes(ctx context.Context, id string, codeHashes []string, expectedVersion int64) error {
	return r.update(ctx, id,
		"SET backup_codes = :codes, two_factor_version = two_factor_version + :one, updated_at = :updated_at",
		"attribute_exists(PK) AND two_factor_enabled = :true AND two_factor_version = :version",
		map[string]types.AttributeValue{
			":true":    &types.AttributeValueMemberBOOL{Value: true},
			":codes":   &types.AttributeValueMemberSS{Value: codeHashes},
			":one":     &types.AttributeValueMemberN{Value: "1"},
			":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		}, ErrConflict)
}

// ConsumeBackupCode atomically removes codeHash from the user's backup code
// set. It reports false when the code was not present.
func (r *UserRepository) ConsumeBackupCode(ctx context.Context, id, codeHash string) (bool, error) {
	err := r.update(ctx, id,
		"SET two_factor_version = two_factor_version + :one, updated_at = :updated_at DELETE backup_codes :code_set",
		"two_factor_enabled = :true AND contains(backup_codes, :code)",
		map[string]types.AttributeValue{
			":true":     &types.AttributeValueMemberBOOL{Value: true},
			":one":      &types.AttributeValueMemberN{Value: "1"},
			":code":     &types.AttributeValueMemberS{Value: codeHash},
			":code_set": &types.AttributeValueMemberSS{Value: []string{codeHash}},
		}, ErrConflict)
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *UserRepository) update(ctx context.Context, id, expr, cond string, values map[string]types.AttributeValue, onConditionFailed error) error {
	updatedAt, err := attributevalue.Marshal(r.now())
	if err != nil {
		return fmt.Errorf("failed to marshal timestamp: %w", err)
	}
	values[":updated_at"] = updatedAt

	user := &models.User{ID: id}
	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       stringKey(user.GetPK()),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeValues: values,
	}
	// ROLE is a DynamoDB reserved word.
	if strings.Contains(expr, "#role") {
		input.ExpressionAttributeNames = map[string]string{"#role": "role"}
	}
	_, err = r.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionalCheckFailed(err) {
			return onConditionFailed
		}
		r.logger.WithError(err).Error("Failed to update user in DynamoDB")
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}
