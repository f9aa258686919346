package download

import "context"

// File describes a completed download handed to post-processors.
type File struct {
	URL   string
	Path  string
	Title string
	Size  int64
}

// PostProcessor runs after a transfer has been fully written and closed,
// before the success event is delivered (e.g. re-index the new file).
// Errors are logged and do not turn the transfer into a failure.
type PostProcessor interface {
	Process(ctx context.Context, f File) error
}
