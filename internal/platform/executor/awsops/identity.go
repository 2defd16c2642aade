package awsops

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	cogtypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"

	"github.com/rxd90/CommandBridge/internal/platform/workflow"
)

// CognitoIdentity mirrors registry admin changes into a Cognito user pool.
// Usernames are the normalized email address.
type CognitoIdentity struct {
	Client     CognitoAPI
	UserPoolID string
}

func NewCognitoIdentity(client CognitoAPI, userPoolID string) (*CognitoIdentity, error) {
	if client == nil || userPoolID == "" {
		return nil, fmt.Errorf("cognito identity: client and user pool id are required")
	}
	return &CognitoIdentity{Client: client, UserPoolID: userPoolID}, nil
}

// CreateUser lets Cognito generate the temporary password and email it.
func (c *CognitoIdentity) CreateUser(ctx context.Context, email, name string) error {
	_, err := c.Client.AdminCreateUser(ctx, &cognitoidentityprovider.AdminCreateUserInput{
		UserPoolId: aws.String(c.UserPoolID),
		Username:   aws.String(email),
		UserAttributes: []cogtypes.AttributeType{
			{Name: aws.String("email"), Value: aws.String(email)},
			{Name: aws.String("email_verified"), Value: aws.String("true")},
			{Name: aws.String("name"), Value: aws.String(name)},
		},
		DesiredDeliveryMediums: []cogtypes.DeliveryMediumType{cogtypes.DeliveryMediumTypeEmail},
	})
	var exists *cogtypes.UsernameExistsException
	if errors.As(err, &exists) {
		return fmt.Errorf("%w: %s", workflow.ErrIdentityExists, email)
	}
	if err != nil {
		return fmt.Errorf("cognito create user: %w", err)
	}
	return nil
}

func (c *CognitoIdentity) EnableUser(ctx context.Context, email string) error {
	_, err := c.Client.AdminEnableUser(ctx, &cognitoidentityprovider.AdminEnableUserInput{
		UserPoolId: aws.String(c.UserPoolID),
		Username:   aws.String(email),
	})
	if err != nil {
		return fmt.Errorf("cognito enable user: %w", err)
	}
	return nil
}

func (c *CognitoIdentity) DeleteUser(ctx context.Context, email string) error {
	_, err := c.Client.AdminDeleteUser(ctx, &cognitoidentityprovider.AdminDeleteUserInput{
		UserPoolId: aws.String(c.UserPoolID),
		Username:   aws.String(email),
	})
	if err != nil {
		return fmt.Errorf("cognito delete user: %w", err)
	}
	return nil
}
