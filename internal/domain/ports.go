package domain

import "context"

// SourceControl materializes ref into dest, including large-media content
// when ref.LFS is set.
type SourceControl interface {
	Fetch(ctx context.Context, ref RepoRef, dest string) error
}

type Toolchain interface {
	Execute(ctx context.Context, cmd Command) (CommandResult, error)
}

type Reporter interface {
	Report(ctx context.Context, r RunResult) error
}

type Notifier interface {
	Notify(ctx context.Context, title, body, url string) error
}

type StatusCache interface {
	Write(ctx context.Context, r RunResult) error
}

// GroupRegistry mirrors the occupant of every concurrency group.
type GroupRegistry interface {
	Swap(ctx context.Context, key, runID string) (previous string, err error)
	Release(ctx context.Context, key, runID string) error
	Occupants(ctx context.Context) (map[string]string, error)
}
