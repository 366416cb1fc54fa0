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
	"github.com/google/uuid"

	"govchat-api/internal/domain"
	"govchat-api/internal/observability"
)

const (
	skPrefixTurn       = "TURN#"
	skMeta             = "META#"
	skLease            = "LEASE#"
	ttlDuration        = 30 * 24 * time.Hour // 30-day TTL
	defaultLeaseTTL    = 2 * time.Minute
	leaseReleaseBudget = 5 * time.Second
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding conversation leases and the turn
// audit log.
type Client struct {
	api       dynamodbAPI
	tableName string
	leaseTTL  time.Duration
	now       func() time.Time
}

type Option func(*Client)

// WithLeaseTTL bounds how long a crashed request can hold a conversation.
func WithLeaseTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.leaseTTL = d
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, leaseTTL: defaultLeaseTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(handle domain.Handle) string {
	return "CONV#" + handle.String()
}

// turnSK returns the sort key for a turn; the timestamp keeps turns ordered.
func turnSK(ts time.Time, turnID string) string {
	return skPrefixTurn + ts.UTC().Format(time.RFC3339Nano) + "#" + turnID
}

// ttlValue returns a Unix timestamp 30 days after now.
func ttlValue(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

// Acquire takes the conversation lease for handle. It fails fast with
// domain.ErrConversationBusy when an unexpired lease is held by another
// request. The returned release func deletes the lease only if this request
// still owns it.
func (c *Client) Acquire(ctx context.Context, handle domain.Handle) (func(), error) {
	if handle.IsZero() {
		return nil, errors.New("repository: Acquire: handle is required")
	}
	lease := NewConversationLease(handle, newOwner(), c.now(), c.leaseTTL)

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                leaseItem(lease),
		ConditionExpression: aws.String("attribute_not_exists(PK) OR expiresAt < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Unix(), 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, fmt.Errorf("repository: Acquire: %w", domain.ErrConversationBusy)
		}
		return nil, fmt.Errorf("repository: Acquire: %w", err)
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseBudget)
		defer cancel()
		if err := c.releaseLease(releaseCtx, lease); err != nil {
			observability.FromContext(ctx).Warn("failed to release conversation lease",
				"thread_id", handle.String(), "err", err)
		}
	}
	return release, nil
}

func (c *Client) releaseLease(ctx context.Context, lease domain.ConversationLease) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: lease.PK},
			"SK": &types.AttributeValueMemberS{Value: lease.SK},
		},
		ConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: lease.Owner},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			// Lease expired and was taken over; nothing of ours to delete.
			return nil
		}
		return fmt.Errorf("repository: release lease: %w", err)
	}
	return nil
}

// RecordTurn writes the turn audit item and bumps the conversation metadata
// in one transaction. Keys and TTL are derived when not already set.
func (c *Client) RecordTurn(ctx context.Context, turn domain.Turn) error {
	if turn.Handle.IsZero() {
		return errors.New("repository: RecordTurn: handle is required")
	}
	now := c.now()
	turn = withTurnKeys(turn, now)

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(turn),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: turn.PK},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression: aws.String("ADD turns :one SET lastActivity = :at, threadId = :tid, #ttl = :ttl"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":one": &types.AttributeValueMemberN{Value: "1"},
						":at":  &types.AttributeValueMemberS{Value: turn.CreatedAt},
						":tid": &types.AttributeValueMemberS{Value: turn.Handle.String()},
						":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(turn.TTL, 10)},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: RecordTurn: %w", err)
	}
	return nil
}

// NewConversationLease constructs a lease record expiring ttl after now.
func NewConversationLease(handle domain.Handle, owner string, now time.Time, ttl time.Duration) domain.ConversationLease {
	expires := now.Add(ttl)
	return domain.ConversationLease{
		PK:        convPK(handle),
		SK:        skLease,
		Handle:    handle,
		Owner:     owner,
		ExpiresAt: expires.Unix(),
		// DynamoDB TTL sweeps stale leases; expiresAt is what the condition checks.
		TTL: expires.Add(time.Hour).Unix(),
	}
}

func withTurnKeys(turn domain.Turn, now time.Time) domain.Turn {
	if turn.TurnID == "" {
		turn.TurnID = newOwner()
	}
	if turn.CreatedAt == "" {
		turn.CreatedAt = now.UTC().Format(time.RFC3339Nano)
	}
	if turn.PK == "" {
		turn.PK = convPK(turn.Handle)
	}
	if turn.SK == "" {
		turn.SK = turnSK(now, turn.TurnID)
	}
	if turn.TTL == 0 {
		turn.TTL = ttlValue(now)
	}
	return turn
}

func leaseItem(lease domain.ConversationLease) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: lease.PK},
		"SK":        &types.AttributeValueMemberS{Value: lease.SK},
		"threadId":  &types.AttributeValueMemberS{Value: lease.Handle.String()},
		"owner":     &types.AttributeValueMemberS{Value: lease.Owner},
		"expiresAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(lease.ExpiresAt, 10)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(lease.TTL, 10)},
	}
}

func turnItem(turn domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: turn.PK},
		"SK":            &types.AttributeValueMemberS{Value: turn.SK},
		"turnId":        &types.AttributeValueMemberS{Value: turn.TurnID},
		"threadId":      &types.AttributeValueMemberS{Value: turn.Handle.String()},
		"question":      &types.AttributeValueMemberS{Value: turn.Question},
		"answer":        &types.AttributeValueMemberS{Value: turn.Answer},
		"mode":          &types.AttributeValueMemberS{Value: string(turn.Mode)},
		"source":        &types.AttributeValueMemberS{Value: string(turn.Source)},
		"noResults":     &types.AttributeValueMemberBOOL{Value: turn.NoResults},
		"citationCount": &types.AttributeValueMemberN{Value: strconv.Itoa(turn.CitationCount)},
		"createdAt":     &types.AttributeValueMemberS{Value: turn.CreatedAt},
		"ttl":           &types.AttributeValueMemberN{Value: strconv.FormatInt(turn.TTL, 10)},
	}
}

var newOwner = func() string {
	return uuid.NewString()
}
