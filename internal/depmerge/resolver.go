package depmerge

import "context"

// Conflict is handed to a Resolver while the merge is still in progress in
// WorktreePath.
type Conflict struct {
	Record       ConflictRecord
	Dependency   Dependency
	WorktreePath string
}

// Resolver attempts to resolve a conflicted merge in place. Returning true
// means every conflict marker is gone and the result may be committed.
type Resolver interface {
	Resolve(ctx context.Context, c *Conflict) (bool, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, c *Conflict) (bool, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, c *Conflict) (bool, error) {
	return f(ctx, c)
}

type noResolver struct{}

func (noResolver) Resolve(context.Context, *Conflict) (bool, error) { return false, nil }

// NoResolver declines every conflict.
var NoResolver Resolver = noResolver{}
