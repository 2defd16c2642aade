package awsops

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rxd90/CommandBridge/internal/platform/audit"
	"github.com/rxd90/CommandBridge/internal/platform/clock"
	"github.com/rxd90/CommandBridge/internal/platform/executor"
	"github.com/rxd90/CommandBridge/internal/platform/registry"
)

const (
	defaultEnvironment  = "production"
	defaultExportBucket = "commandbridge.site"
	defaultDrainDelay   = 10 * time.Second
	defaultDrainTries   = 30
)

// Set holds the dependencies shared by the AWS-backed executors.
type Set struct {
	Clients Clients
	Audit   audit.Store
	Users   registry.Store
	Clock   clock.Clock

	// UserPoolID is the Cognito pool used when a request names none.
	UserPoolID   string
	ExportBucket string

	DrainDelay    time.Duration
	DrainAttempts int
}

func (s *Set) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

// Executors returns one executor per catalog action id.
func (s *Set) Executors() map[string]executor.Executor {
	return map[string]executor.Executor{
		"pull-logs":           s.wrap(s.pullLogs),
		"purge-cache":         s.wrap(s.purgeCache),
		"restart-pods":        s.wrap(s.restartPods),
		"scale-service":       s.wrap(s.scaleService),
		"drain-traffic":       s.wrap(s.drainTraffic),
		"flush-token-cache":   s.wrap(s.flushTokenCache),
		"export-audit-log":    s.wrap(s.exportAuditLog),
		"maintenance-mode":    s.wrap(s.maintenanceMode),
		"blacklist-ip":        s.wrap(s.blacklistIP),
		"failover-region":     s.wrap(s.failoverRegion),
		"pause-enrolments":    s.wrap(s.pauseEnrolments),
		"rotate-secrets":      s.wrap(s.rotateSecrets),
		"revoke-sessions":     s.wrap(s.revokeSessions),
		"toggle-idv-provider": s.wrap(s.toggleIDVProvider),
		"disable-user":        s.wrap(s.disableUser),
	}
}

func (s *Set) wrap(fn func(context.Context, executor.Params) (executor.Result, error)) executor.Executor {
	return executor.Func(func(ctx context.Context, body json.RawMessage) (executor.Result, error) {
		p, err := executor.DecodeParams(body)
		if err != nil {
			return nil, err
		}
		return fn(ctx, p)
	})
}

func environment(p executor.Params) (string, error) {
	return p.String("environment", defaultEnvironment)
}

func success(message string, fields executor.Result) executor.Result {
	out := executor.Result{"status": "success", "message": message}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
