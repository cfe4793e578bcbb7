package channels

import (
	"context"
	"time"

	"github.com/zjrosen/relay/internal/cachemanager"
	"github.com/zjrosen/relay/internal/store"
)

// accessTTL bounds how long a verdict is reused. Pagination resubscribes
// arrive in bursts well inside this window; revocations take effect on
// the next cold check.
const accessTTL = 30 * time.Second

type accessQuery struct {
	subject string
	id      string
}

// CachedAccess fronts the store's access checks with a TTL cache. Both
// verdicts are cached: granted because grants are stable, denied because
// a denied subject has nothing to gain from hammering the store.
type CachedAccess struct {
	agents   *cachemanager.ReadThroughCache[string, bool, accessQuery]
	projects *cachemanager.ReadThroughCache[string, bool, accessQuery]
}

// NewCachedAccess wraps checker. skipCache turns every check live, for
// deployments that cannot tolerate the revocation lag.
func NewCachedAccess(checker store.AccessChecker, skipCache bool) *CachedAccess {
	agentCache := cachemanager.NewInMemoryCacheManager[string, bool](
		"agent-access", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	projectCache := cachemanager.NewInMemoryCacheManager[string, bool](
		"project-access", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)

	return &CachedAccess{
		agents: cachemanager.NewReadThroughCache[string, bool, accessQuery](
			agentCache,
			func(ctx context.Context, q accessQuery) (bool, error) {
				return checker.CanAccessAgent(ctx, q.subject, q.id)
			},
			skipCache,
		),
		projects: cachemanager.NewReadThroughCache[string, bool, accessQuery](
			projectCache,
			func(ctx context.Context, q accessQuery) (bool, error) {
				return checker.CanAccessProject(ctx, q.subject, q.id)
			},
			skipCache,
		),
	}
}

func (c *CachedAccess) Agent(ctx context.Context, subject, agentID string) (bool, error) {
	return c.agents.Get(ctx, "agent:"+subject+":"+agentID, accessQuery{subject: subject, id: agentID}, accessTTL)
}

func (c *CachedAccess) Project(ctx context.Context, subject, projectID string) (bool, error) {
	return c.projects.Get(ctx, "project:"+subject+":"+projectID, accessQuery{subject: subject, id: projectID}, accessTTL)
}
