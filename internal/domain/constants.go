package domain

// Queue names
const (
	QueueEvents        = "events"
	QueueOrchestration = "orchestration"
	QueueNotifications = "notifications"
)

// Rate-limit classes
const (
	ClassIngestion     = "ingestion"
	ClassOrchestration = "orchestration"
	ClassNotification  = "notification"
)

// Job priority bounds. Lower values are leased first.
const (
	MinPriority     = 0
	MaxPriority     = 99
	DefaultPriority = 10
)

// Notification error kinds carried to the originating channel
const (
	ErrorKindNone           = ""
	ErrorKindValidation     = "validation"
	ErrorKindBudgetExceeded = "budget_exceeded"
	ErrorKindFailed         = "failed"
	ErrorKindCancelled      = "cancelled"
)
