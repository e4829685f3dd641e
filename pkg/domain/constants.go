package domain

// Field constants shared by records, snapshots and metadata.
const (
	// DefaultWorkflowState is the workflow step assigned to sessions that never set one.
	DefaultWorkflowState = "initial"

	// MetadataCompletionKey holds the metadata supplied when a session completes.
	MetadataCompletionKey = "completion"

	// ReasonLimitExceeded is recorded when a session is abandoned to make room for a new one.
	ReasonLimitExceeded = "limit exceeded"

	// ReasonIdleTimeout is recorded when the sweeper abandons an idle session.
	ReasonIdleTimeout = "idle timeout"
)
