package awsops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/appconfig"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	waftypes "github.com/aws/aws-sdk-go-v2/service/wafv2/types"

	"github.com/rxd90/CommandBridge/internal/platform/executor"
	"github.com/rxd90/CommandBridge/internal/platform/registry"
)

// putFeatureFlag writes one hosted AppConfig version holding {flag: {enabled}}.
func (s *Set) putFeatureFlag(ctx context.Context, p executor.Params, flag string, enabled bool) error {
	application, err := p.String("application", "CommandBridge")
	if err != nil {
		return err
	}
	profile, err := p.String("profile", "feature-flags")
	if err != nil {
		return err
	}

	var appID string
	var next *string
	for appID == "" {
		apps, err := s.Clients.AppConfig.ListApplications(ctx, &appconfig.ListApplicationsInput{NextToken: next})
		if err != nil {
			return fmt.Errorf("list appconfig applications: %w", err)
		}
		for _, a := range apps.Items {
			if aws.ToString(a.Name) == application {
				appID = aws.ToString(a.Id)
				break
			}
		}
		if apps.NextToken == nil {
			break
		}
		next = apps.NextToken
	}
	if appID == "" {
		return fmt.Errorf("appconfig application %q not found", application)
	}

	var profileID string
	next = nil
	for profileID == "" {
		profiles, err := s.Clients.AppConfig.ListConfigurationProfiles(ctx, &appconfig.ListConfigurationProfilesInput{
			ApplicationId: aws.String(appID),
			NextToken:     next,
		})
		if err != nil {
			return fmt.Errorf("list appconfig profiles: %w", err)
		}
		for _, pr := range profiles.Items {
			if aws.ToString(pr.Name) == profile {
				profileID = aws.ToString(pr.Id)
				break
			}
		}
		if profiles.NextToken == nil {
			break
		}
		next = profiles.NextToken
	}
	if profileID == "" {
		return fmt.Errorf("appconfig profile %q not found", profile)
	}

	content, err := json.Marshal(map[string]map[string]bool{flag: {"enabled": enabled}})
	if err != nil {
		return err
	}
	if _, err := s.Clients.AppConfig.CreateHostedConfigurationVersion(ctx, &appconfig.CreateHostedConfigurationVersionInput{
		ApplicationId:          aws.String(appID),
		ConfigurationProfileId: aws.String(profileID),
		Content:                content,
		ContentType:            aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("create hosted configuration version: %w", err)
	}
	return nil
}

func (s *Set) maintenanceMode(ctx context.Context, p executor.Params) (executor.Result, error) {
	env, err := environment(p)
	if err != nil {
		return nil, err
	}
	enabled, err := p.Bool("enabled", true)
	if err != nil {
		return nil, err
	}
	if err := s.putFeatureFlag(ctx, p, "maintenance_mode", enabled); err != nil {
		return nil, err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return success(fmt.Sprintf("Maintenance mode %s for %s", state, env), executor.Result{
		"maintenance_mode": enabled,
	}), nil
}

func (s *Set) pauseEnrolments(ctx context.Context, p executor.Params) (executor.Result, error) {
	env, err := environment(p)
	if err != nil {
		return nil, err
	}
	paused, err := p.Bool("paused", true)
	if err != nil {
		return nil, err
	}
	if err := s.putFeatureFlag(ctx, p, "enrolments_paused", paused); err != nil {
		return nil, err
	}
	state := "resumed"
	if paused {
		state = "paused"
	}
	return success(fmt.Sprintf("Enrolments %s for %s", state, env), executor.Result{
		"enrolments_paused": paused,
	}), nil
}

func (s *Set) blacklistIP(ctx context.Context, p executor.Params) (executor.Result, error) {
	addr, err := p.RequiredString("target")
	if err != nil {
		return nil, err
	}
	setName, err := p.String("ip_set_name", "blocked-ips")
	if err != nil {
		return nil, err
	}
	setID, err := p.RequiredString("ip_set_id")
	if err != nil {
		return nil, err
	}
	scope, err := p.String("scope", string(waftypes.ScopeRegional))
	if err != nil {
		return nil, err
	}
	if !strings.Contains(addr, "/") {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
			addr += "/128"
		} else {
			addr += "/32"
		}
	}
	if _, _, err := net.ParseCIDR(addr); err != nil {
		return nil, fmt.Errorf("%w: target must be an IP address or CIDR", executor.ErrInvalidParams)
	}

	current, err := s.Clients.WAF.GetIPSet(ctx, &wafv2.GetIPSetInput{
		Name:  aws.String(setName),
		Id:    aws.String(setID),
		Scope: waftypes.Scope(scope),
	})
	if err != nil {
		return nil, fmt.Errorf("get ip set: %w", err)
	}
	var addresses []string
	if current.IPSet != nil {
		addresses = current.IPSet.Addresses
	}
	for _, a := range addresses {
		if a == addr {
			return executor.Result{"status": "noop", "message": addr + " is already blocked"}, nil
		}
	}
	updated := append(append([]string(nil), addresses...), addr)
	if _, err := s.Clients.WAF.UpdateIPSet(ctx, &wafv2.UpdateIPSetInput{
		Name:      aws.String(setName),
		Id:        aws.String(setID),
		Scope:     waftypes.Scope(scope),
		Addresses: updated,
		LockToken: current.LockToken,
	}); err != nil {
		return nil, fmt.Errorf("update ip set: %w", err)
	}
	return success(fmt.Sprintf("Blocked %s in WAF IP set %s", addr, setName), executor.Result{
		"total_blocked": len(updated),
	}), nil
}

func (s *Set) failoverRegion(ctx context.Context, p executor.Params) (executor.Result, error) {
	checkID, err := p.RequiredString("target")
	if err != nil {
		return nil, err
	}
	failover, err := p.Bool("failover", true)
	if err != nil {
		return nil, err
	}
	reason, err := p.String("reason", "Manual failover via CommandBridge")
	if err != nil {
		return nil, err
	}
	if _, err := s.Clients.Route53.UpdateHealthCheck(ctx, &route53.UpdateHealthCheckInput{
		HealthCheckId: aws.String(checkID),
		Inverted:      aws.Bool(failover),
	}); err != nil {
		return nil, fmt.Errorf("update health check: %w", err)
	}
	hc, err := s.Clients.Route53.GetHealthCheck(ctx, &route53.GetHealthCheckInput{HealthCheckId: aws.String(checkID)})
	if err != nil {
		return nil, fmt.Errorf("get health check: %w", err)
	}
	var fqdn string
	var inverted bool
	if hc.HealthCheck != nil && hc.HealthCheck.HealthCheckConfig != nil {
		fqdn = aws.ToString(hc.HealthCheck.HealthCheckConfig.FullyQualifiedDomainName)
		inverted = aws.ToBool(hc.HealthCheck.HealthCheckConfig.Inverted)
	}
	state := "restored (failover cleared)"
	if failover {
		state = "inverted (failover active)"
	}
	return success(fmt.Sprintf("Health check %s %s", checkID, state), executor.Result{
		"reason":            reason,
		"health_check_fqdn": fqdn,
		"inverted":          inverted,
	}), nil
}

func (s *Set) rotateSecrets(ctx context.Context, p executor.Params) (executor.Result, error) {
	secretID, err := p.RequiredString("target")
	if err != nil {
		return nil, err
	}
	lambdaARN, err := p.String("rotation_lambda_arn", "")
	if err != nil {
		return nil, err
	}
	days, err := p.Int("rotation_days", 30)
	if err != nil {
		return nil, err
	}
	if days < 1 || days > 1000 {
		return nil, fmt.Errorf("%w: rotation_days must be between 1 and 1000", executor.ErrInvalidParams)
	}
	in := &secretsmanager.RotateSecretInput{SecretId: aws.String(secretID)}
	if lambdaARN != "" {
		in.RotationLambdaARN = aws.String(lambdaARN)
		in.RotationRules = &smtypes.RotationRulesType{AutomaticallyAfterDays: aws.Int64(days)}
	}
	if _, err := s.Clients.Secrets.RotateSecret(ctx, in); err != nil {
		return nil, fmt.Errorf("rotate secret: %w", err)
	}
	meta, err := s.Clients.Secrets.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(secretID)})
	if err != nil {
		return nil, fmt.Errorf("describe secret: %w", err)
	}
	var lastRotated any
	if meta.LastRotatedDate != nil {
		lastRotated = meta.LastRotatedDate.UTC().Format(time.RFC3339)
	}
	return success("Rotation triggered for secret "+secretID, executor.Result{
		"secret_name":      aws.ToString(meta.Name),
		"last_rotated":     lastRotated,
		"rotation_enabled": aws.ToBool(meta.RotationEnabled),
	}), nil
}

func (s *Set) userPool(p executor.Params) (string, error) {
	pool, err := p.String("user_pool_id", s.UserPoolID)
	if err != nil {
		return "", err
	}
	if pool == "" {
		return "", fmt.Errorf("%w: user_pool_id is required", executor.ErrInvalidParams)
	}
	return pool, nil
}

func (s *Set) revokeSessions(ctx context.Context, p executor.Params) (executor.Result, error) {
	username, err := p.RequiredString("target")
	if err != nil {
		return nil, err
	}
	pool, err := s.userPool(p)
	if err != nil {
		return nil, err
	}
	if _, err := s.Clients.Cognito.AdminUserGlobalSignOut(ctx, &cognitoidentityprovider.AdminUserGlobalSignOutInput{
		UserPoolId: aws.String(pool),
		Username:   aws.String(username),
	}); err != nil {
		return nil, fmt.Errorf("global sign out: %w", err)
	}
	return success("All sessions revoked for user "+username, nil), nil
}

func (s *Set) disableUser(ctx context.Context, p executor.Params) (executor.Result, error) {
	username, err := p.RequiredString("target")
	if err != nil {
		return nil, err
	}
	pool, err := s.userPool(p)
	if err != nil {
		return nil, err
	}
	if _, err := s.Clients.Cognito.AdminDisableUser(ctx, &cognitoidentityprovider.AdminDisableUserInput{
		UserPoolId: aws.String(pool),
		Username:   aws.String(username),
	}); err != nil {
		return nil, fmt.Errorf("disable cognito user: %w", err)
	}
	// The registry may not know the user (e.g. a citizen account); sign-in is
	// already blocked upstream in that case.
	var fields executor.Result
	if s.Users != nil {
		_, err := s.Users.SetActive(ctx, username, false, "executor:disable-user")
		switch {
		case errors.Is(err, registry.ErrReadOnly):
			fields = executor.Result{"registry": "unchanged: registry is managed by the users file"}
		case err != nil && !errors.Is(err, registry.ErrNotFound):
			return nil, fmt.Errorf("deactivate registry user: %w", err)
		}
	}
	return success(fmt.Sprintf("User %s disabled. Sign-in blocked pending investigation.", username), fields), nil
}

func (s *Set) toggleIDVProvider(ctx context.Context, p executor.Params) (executor.Result, error) {
	provider, err := p.RequiredString("target")
	if err != nil {
		return nil, err
	}
	name, err := p.String("param_name", "/scotaccount/idv/active-provider")
	if err != nil {
		return nil, err
	}
	if _, err := s.Clients.SSM.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(provider),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	}); err != nil {
		return nil, fmt.Errorf("put parameter: %w", err)
	}
	return success("IDV provider switched to "+provider, nil), nil
}
