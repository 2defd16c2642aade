package awsops

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/rxd90/CommandBridge/internal/platform/executor"
)

type logEvent struct {
	Timestamp     int64  `json:"timestamp"`
	Message       string `json:"message"`
	LogStreamName string `json:"log_stream_name"`
	EventID       string `json:"event_id"`
}

func (s *Set) pullLogs(ctx context.Context, p executor.Params) (executor.Result, error) {
	group, err := p.RequiredString("target")
	if err != nil {
		return nil, err
	}
	env, err := environment(p)
	if err != nil {
		return nil, err
	}
	limit, err := p.Int("limit", 200)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > 10000 {
		return nil, fmt.Errorf("%w: limit must be between 1 and 10000", executor.ErrInvalidParams)
	}
	in := &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(fmt.Sprintf("/aws/%s/%s", env, group)),
		Limit:        aws.Int32(int32(limit)),
	}
	if start, err := p.Int("start_time", 0); err != nil {
		return nil, err
	} else if start > 0 {
		in.StartTime = aws.Int64(start)
	}
	if end, err := p.Int("end_time", 0); err != nil {
		return nil, err
	} else if end > 0 {
		in.EndTime = aws.Int64(end)
	}
	if pattern, err := p.String("filter_pattern", ""); err != nil {
		return nil, err
	} else if pattern != "" {
		in.FilterPattern = aws.String(pattern)
	}

	out, err := s.Clients.Logs.FilterLogEvents(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("filter log events: %w", err)
	}
	events := make([]logEvent, 0, len(out.Events))
	for _, e := range out.Events {
		events = append(events, logEvent{
			Timestamp:     aws.ToInt64(e.Timestamp),
			Message:       aws.ToString(e.Message),
			LogStreamName: aws.ToString(e.LogStreamName),
			EventID:       aws.ToString(e.EventId),
		})
	}
	return success(fmt.Sprintf("Retrieved %d log events from %s", len(events), group), executor.Result{
		"events": events,
	}), nil
}

func (s *Set) modifyReplicationGroup(ctx context.Context, env, cluster string) error {
	_, err := s.Clients.Cache.ModifyReplicationGroup(ctx, &elasticache.ModifyReplicationGroupInput{
		ReplicationGroupId: aws.String(env + "-" + cluster),
		ApplyImmediately:   aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("modify replication group %s-%s: %w", env, cluster, err)
	}
	return nil
}

func (s *Set) purgeCache(ctx context.Context, p executor.Params) (executor.Result, error) {
	cluster, err := p.RequiredString("target")
	if err != nil {
		return nil, err
	}
	env, err := environment(p)
	if err != nil {
		return nil, err
	}
	distribution, err := p.String("distribution_id", "")
	if err != nil {
		return nil, err
	}
	paths, err := p.Strings("paths", []string{"/*"})
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		paths = []string{"/*"}
	}
	if err := s.modifyReplicationGroup(ctx, env, cluster); err != nil {
		return nil, err
	}

	message := "Cache purged for " + cluster
	var invalidationID any
	if distribution != "" {
		out, err := s.Clients.CDN.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
			DistributionId: aws.String(distribution),
			InvalidationBatch: &cftypes.InvalidationBatch{
				CallerReference: aws.String(fmt.Sprintf("purge-%d", s.now().Unix())),
				Paths: &cftypes.Paths{
					Quantity: aws.Int32(int32(len(paths))),
					Items:    paths,
				},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("create invalidation: %w", err)
		}
		if out.Invalidation != nil {
			invalidationID = aws.ToString(out.Invalidation.Id)
		}
		message += " and CloudFront " + distribution
	}
	return success(message, executor.Result{"invalidation_id": invalidationID}), nil
}

func (s *Set) flushTokenCache(ctx context.Context, p executor.Params) (executor.Result, error) {
	cluster, err := p.String("target", "scotaccount-oidc-cache")
	if err != nil {
		return nil, err
	}
	env, err := environment(p)
	if err != nil {
		return nil, err
	}
	if err := s.modifyReplicationGroup(ctx, env, cluster); err != nil {
		return nil, err
	}
	return success(
		fmt.Sprintf("OIDC token cache flushed for %s. JWKS keys will be re-fetched on next validation.", cluster),
		executor.Result{"timestamp": s.now().Unix()},
	), nil
}

func (s *Set) restartPods(ctx context.Context, p executor.Params) (executor.Result, error) {
	deployment, err := p.RequiredString("target")
	if err != nil {
		return nil, err
	}
	namespace, err := p.String("namespace", "default")
	if err != nil {
		return nil, err
	}
	env, err := environment(p)
	if err != nil {
		return nil, err
	}
	instances, err := p.Strings("instance_ids", nil)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: instance_ids is required", executor.ErrInvalidParams)
	}
	command := fmt.Sprintf("kubectl rollout restart deployment/%s -n %s", deployment, namespace)
	out, err := s.Clients.SSM.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName:   aws.String("AWS-RunShellScript"),
		InstanceIds:    instances,
		Parameters:     map[string][]string{"commands": {command}},
		Comment:        aws.String(fmt.Sprintf("Restart pods: %s in %s/%s", deployment, env, namespace)),
		TimeoutSeconds: aws.Int32(120),
	})
	if err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}
	var commandID string
	if out.Command != nil {
		commandID = aws.ToString(out.Command.CommandId)
	}
	return success(
		fmt.Sprintf("Rollout restart issued for %s in %s", deployment, namespace),
		executor.Result{"command_id": commandID},
	), nil
}

func (s *Set) scaleService(ctx context.Context, p executor.Params) (executor.Result, error) {
	service, err := p.RequiredString("target")
	if err != nil {
		return nil, err
	}
	env, err := environment(p)
	if err != nil {
		return nil, err
	}
	cluster, err := p.String("cluster", env)
	if err != nil {
		return nil, err
	}
	desired, err := p.RequiredInt("desired_count")
	if err != nil {
		return nil, err
	}
	if desired < 0 || desired > 1000 {
		return nil, fmt.Errorf("%w: desired_count must be between 0 and 1000", executor.ErrInvalidParams)
	}
	out, err := s.Clients.ECS.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(cluster),
		Service:      aws.String(service),
		DesiredCount: aws.Int32(int32(desired)),
	})
	if err != nil {
		return nil, fmt.Errorf("update service: %w", err)
	}
	var running, pending int32
	if out.Service != nil {
		running, pending = out.Service.RunningCount, out.Service.PendingCount
	}
	return success(
		fmt.Sprintf("Scaled %s to %d tasks (running=%d, pending=%d)", service, desired, running, pending),
		executor.Result{"running_count": running, "pending_count": pending},
	), nil
}

func (s *Set) drainTraffic(ctx context.Context, p executor.Params) (executor.Result, error) {
	groupARN, err := p.RequiredString("target")
	if err != nil {
		return nil, err
	}
	instances, err := p.Strings("instance_ids", nil)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: instance_ids is required", executor.ErrInvalidParams)
	}
	port, err := p.Int("port", 80)
	if err != nil {
		return nil, err
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: port out of range", executor.ErrInvalidParams)
	}
	targets := make([]elbtypes.TargetDescription, 0, len(instances))
	for _, id := range instances {
		targets = append(targets, elbtypes.TargetDescription{Id: aws.String(id), Port: aws.Int32(int32(port))})
	}
	if _, err := s.Clients.LoadBalancer.DeregisterTargets(ctx, &elasticloadbalancingv2.DeregisterTargetsInput{
		TargetGroupArn: aws.String(groupARN),
		Targets:        targets,
	}); err != nil {
		return nil, fmt.Errorf("deregister targets: %w", err)
	}

	delay, attempts := s.DrainDelay, s.DrainAttempts
	if delay <= 0 {
		delay = defaultDrainDelay
	}
	if attempts <= 0 {
		attempts = defaultDrainTries
	}
	waiter := elasticloadbalancingv2.NewTargetDeregisteredWaiter(s.Clients.LoadBalancer,
		func(o *elasticloadbalancingv2.TargetDeregisteredWaiterOptions) {
			o.MinDelay = delay
			o.MaxDelay = delay
		})
	if err := waiter.Wait(ctx, &elasticloadbalancingv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(groupARN),
		Targets:        targets,
	}, time.Duration(attempts)*delay); err != nil {
		return nil, fmt.Errorf("wait for deregistration: %w", err)
	}
	return success(
		fmt.Sprintf("Deregistered %d targets from %s", len(instances), groupARN),
		executor.Result{"deregistered_ids": instances},
	), nil
}
