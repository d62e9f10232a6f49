package crawler

import "errors"

// ErrSelectorTimeout reports that the configured selector never appeared
// within the wait window. It fails the page; the engine's retry policy
// decides whether the page is loaded again.
var ErrSelectorTimeout = errors.New("selector wait timed out")

// ErrHandlerTimeout reports that one handler invocation exceeded its time
// budget. It is distinct from run cancellation so the retry policy can treat
// a slow page as retryable.
var ErrHandlerTimeout = errors.New("page handler timed out")
