package types

import (
	"time"
)

// ActorKind identifies what kind of principal originated a change.
type ActorKind string

const (
	ActorKindUser    ActorKind = "user"
	ActorKindAgent   ActorKind = "agent"
	ActorKindService ActorKind = "service"
	ActorKindSystem  ActorKind = "system"
)

// Actor identifies the originator of any state change in the system.
type Actor struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Kind     ActorKind         `json:"kind"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SystemActor is the distinguished actor used for daemon-initiated changes.
var SystemActor = Actor{
	ID:   "system",
	Name: "buildnet",
	Kind: ActorKindSystem,
}

// EntryType distinguishes the two halves of a double-entry pair.
type EntryType string

const (
	EntryTypeDebit  EntryType = "DEBIT"
	EntryTypeCredit EntryType = "CREDIT"
)

// AccountType is the coarse reporting category of a ledger entry.
type AccountType string

const (
	AccountBuildQueue      AccountType = "BUILD_QUEUE"
	AccountCompletedBuilds AccountType = "COMPLETED_BUILDS"
	AccountWorkerPool      AccountType = "WORKER_POOL"
	AccountUserSessions    AccountType = "USER_SESSIONS"
	AccountConfigActive    AccountType = "CONFIG_ACTIVE"
	AccountSecurityEvents  AccountType = "SECURITY_EVENTS"
	AccountSystemEvents    AccountType = "SYSTEM_EVENTS"
)

// DeltaType classifies a recorded mutation.
type DeltaType string

const (
	DeltaCreate DeltaType = "create"
	DeltaUpdate DeltaType = "update"
	DeltaDelete DeltaType = "delete"
)

// FieldChange records an old/new value pair for a single top-level field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Delta describes what changed between two states of an entity.
type Delta struct {
	Type    DeltaType              `json:"type"`
	Changes map[string]FieldChange `json:"changes,omitempty"`
}

// State is an arbitrary entity snapshot carried by ledger entries.
// Values must be JSON-representable; the ledger canonicalizes them
// before hashing or diffing.
type State map[string]any

// LedgerEntry is one immutable half of a double-entry pair. Entries are
// chained by SHA-256: each entry's PreviousChecksum equals the checksum of
// the entry with SequenceNumber-1, and Checksum covers every field of the
// entry except Checksum itself.
type LedgerEntry struct {
	EntryID          string      `json:"entry_id"`
	TransactionID    string      `json:"transaction_id"`
	SequenceNumber   uint64      `json:"sequence_number"`
	EntryType        EntryType   `json:"entry_type"`
	AccountType      AccountType `json:"account_type"`
	EntityType       string      `json:"entity_type"`
	EntityID         string      `json:"entity_id"`
	PreviousState    State       `json:"previous_state,omitempty"`
	NewState         State       `json:"new_state,omitempty"`
	Delta            *Delta      `json:"delta,omitempty"`
	Timestamp        time.Time   `json:"timestamp"`
	Actor            Actor       `json:"actor"`
	Reason           string      `json:"reason"`
	CorrelationID    string      `json:"correlation_id,omitempty"`
	Checksum         string      `json:"checksum"`
	PreviousChecksum string      `json:"previous_checksum"`
}

// LedgerTransaction groups the 1-2 entries produced by one recorded change.
// All entries in a transaction share transaction id, timestamp, actor and
// reason, and are contiguous in sequence.
type LedgerTransaction struct {
	TransactionID string         `json:"transaction_id"`
	Entries       []*LedgerEntry `json:"entries"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         Actor          `json:"actor"`
	Reason        string         `json:"reason"`
}

// ResourceType distinguishes the kinds of addressable capacity.
type ResourceType string

const (
	ResourceTypeWorker  ResourceType = "worker"
	ResourceTypeStorage ResourceType = "storage"
	ResourceTypeCache   ResourceType = "cache"
)

// ResourceStatus represents the health state of a resource.
type ResourceStatus string

const (
	ResourceStatusOnline    ResourceStatus = "online"
	ResourceStatusDraining  ResourceStatus = "draining"
	ResourceStatusOffline   ResourceStatus = "offline"
	ResourceStatusUnhealthy ResourceStatus = "unhealthy"
)

// Resource is an addressable capacity unit tracked by the registry.
// Workers are the subset with Type == ResourceTypeWorker.
type Resource struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          ResourceType      `json:"type"`
	Address       string            `json:"address"`
	CPUCores      int               `json:"cpu_cores"`
	MemoryGB      int               `json:"memory_gb"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Status        ResourceStatus    `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ConnectionType identifies how a session connected.
type ConnectionType string

const (
	ConnectionCLI       ConnectionType = "cli"
	ConnectionWeb       ConnectionType = "web"
	ConnectionAPI       ConnectionType = "api"
	ConnectionGRPC      ConnectionType = "grpc"
	ConnectionWebsocket ConnectionType = "websocket"
)

// Permission maps a resource glob pattern to the actions allowed on it.
type Permission struct {
	Pattern string   `json:"pattern"`
	Actions []string `json:"actions"`
}

// Activity is one unit of in-flight work owned by a session. A session
// runs at most one activity at a time.
type Activity struct {
	ActivityID   string         `json:"activity_id"`
	ActivityType string         `json:"activity_type"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at,omitempty"`
	Progress     map[string]any `json:"progress,omitempty"`
	Logs         []ActivityLog  `json:"logs,omitempty"`
	Artifacts    []string       `json:"artifacts,omitempty"`
}

// ActivityLog is one bounded log line attached to an activity.
type ActivityLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Session is a live connection from an actor.
type Session struct {
	SessionID        string            `json:"session_id"`
	Actor            Actor             `json:"actor"`
	ActorType        ActorKind         `json:"actor_type"`
	ConnectedAt      time.Time         `json:"connected_at"`
	LastActivity     time.Time         `json:"last_activity"`
	ConnectionType   ConnectionType    `json:"connection_type"`
	ClientInfo       map[string]string `json:"client_info,omitempty"`
	Permissions      []Permission      `json:"permissions"`
	Scopes           []string          `json:"scopes,omitempty"`
	CurrentActivity  *Activity         `json:"current_activity,omitempty"`
	ActivityHistory  []*Activity       `json:"activity_history,omitempty"`
	ClaimedResources []string          `json:"claimed_resources,omitempty"`
}

// Chunk describes the file set of a micro-bundle.
type Chunk struct {
	Globs        []string `json:"globs"`
	Entry        bool     `json:"entry"`
	CriticalPath bool     `json:"critical_path"`
}

// MicroBundle is the smallest independently schedulable unit of build work.
type MicroBundle struct {
	ID              string   `json:"id"`
	Package         string   `json:"package"`
	Entry           string   `json:"entry"`
	Chunk           Chunk    `json:"chunk"`
	Dependencies    []string `json:"dependencies,omitempty"`
	EstimatedSizeKB int      `json:"estimated_size_kb"`
	EstimatedTimeMS int64    `json:"estimated_time_ms"`
	Priority        int      `json:"priority"`
}

// PartAssignment binds one bundle to a worker inside a build plan.
type PartAssignment struct {
	BundleID          string   `json:"bundle_id"`
	WorkerID          string   `json:"worker_id"`
	EstimatedStartMS  int64    `json:"estimated_start_ms"`
	EstimatedDuration int64    `json:"estimated_duration_ms"`
	Dependencies      []string `json:"dependencies,omitempty"`
}

// BuildScore is a complete execution plan for a build.
type BuildScore struct {
	Bundles           []*MicroBundle             `json:"bundles"`
	Assignments       map[string]*PartAssignment `json:"assignments"`
	DependencyGraph   map[string][]string        `json:"dependency_graph"`
	CriticalPath      []string                   `json:"critical_path"`
	EstimatedDuration int64                      `json:"estimated_duration_ms"`
}

// BuildOptions carries per-request build flags.
type BuildOptions struct {
	Incremental bool   `json:"incremental"`
	Watch       bool   `json:"watch"`
	Clean       bool   `json:"clean"`
	Verbose     bool   `json:"verbose"`
	Bundler     string `json:"bundler,omitempty"`
}

// BuildRequest asks the orchestrator for one build.
type BuildRequest struct {
	RequestID string       `json:"request_id"`
	Actor     Actor        `json:"actor"`
	Targets   []string     `json:"targets"`
	Options   BuildOptions `json:"options"`
	Priority  int          `json:"priority"`
	CreatedAt time.Time    `json:"created_at"`
}

// BuildStatus is the terminal state of a build.
type BuildStatus string

const (
	BuildStatusSuccess   BuildStatus = "success"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
	BuildStatusRunning   BuildStatus = "running"
)

// BuildError is one failure recorded against a build.
type BuildError struct {
	Code     string `json:"code"`
	BundleID string `json:"bundle_id,omitempty"`
	Message  string `json:"message"`
}

// BundleResult is the outcome of executing one bundle on a worker.
type BundleResult struct {
	BundleID  string   `json:"bundle_id"`
	WorkerID  string   `json:"worker_id"`
	Success   bool     `json:"success"`
	Artifacts []string `json:"artifacts,omitempty"`
	Error     string   `json:"error,omitempty"`
	Attempts  int      `json:"attempts"`
	DurationMS int64   `json:"duration_ms"`
}

// BuildResult aggregates a finished build.
type BuildResult struct {
	BuildID          string          `json:"build_id"`
	Status           BuildStatus     `json:"status"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
	BundlesCompleted int             `json:"bundles_completed"`
	BundlesFailed    int             `json:"bundles_failed"`
	BundleResults    []*BundleResult `json:"bundle_results,omitempty"`
	Artifacts        []string        `json:"artifacts,omitempty"`
	Errors           []BuildError    `json:"errors,omitempty"`
	DurationMS       int64           `json:"duration_ms"`
}

// FileEventKind classifies one filesystem event.
type FileEventKind string

const (
	FileAdded    FileEventKind = "added"
	FileModified FileEventKind = "modified"
	FileDeleted  FileEventKind = "deleted"
)

// FileEvent is one observed filesystem change.
type FileEvent struct {
	Path      string        `json:"path"`
	Kind      FileEventKind `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`
}

// Impact is the four-level classification of a change batch.
type Impact string

const (
	ImpactIgnored  Impact = "ignored"
	ImpactCosmetic Impact = "cosmetic"
	ImpactLocal    Impact = "local"
	ImpactBroad    Impact = "broad"
)

// impactRank orders impacts for >= comparisons.
var impactRank = map[Impact]int{
	ImpactIgnored:  0,
	ImpactCosmetic: 1,
	ImpactLocal:    2,
	ImpactBroad:    3,
}

// AtLeast reports whether i is at least as impactful as other.
func (i Impact) AtLeast(other Impact) bool {
	return impactRank[i] >= impactRank[other]
}

// ChangeBatch is a debounced group of file events with a derived impact.
type ChangeBatch struct {
	Events   []FileEvent `json:"events"`
	Impact   Impact      `json:"impact"`
	Packages []string    `json:"packages,omitempty"`
	ClosedAt time.Time   `json:"closed_at"`
}
