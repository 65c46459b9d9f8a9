package otau

import (
	"time"

	"github.com/thristram/go-gaia-otau/upgradefile"
)

// PartitionType aliases the container's partition type.
type PartitionType = upgradefile.PartitionType

// PartitionInfo describes a partition announced by the upgrade file.
type PartitionInfo struct {
	Type PartitionType
	ID   uint16

	// DataLength is the declared length minus the type and id fields.
	DataLength uint32
}

// PartitionTarget is where a partition is written.
type PartitionTarget struct {
	Type PartitionType
	ID   uint16
}

// HeaderSection identifies what a header validation call covers.
type HeaderSection int

const (
	SectionHeaderID HeaderSection = iota
	SectionHeaderBody
	SectionPartitionHeader
)

// HeaderChunk is passed to OnValidateHeader. Offset is the number of bytes of
// the section seen before Chunk and Total is the declared section length.
type HeaderChunk struct {
	Section HeaderSection
	Chunk   []byte
	Offset  int
	Total   int
}

// Callbacks provides hooks for upgrade events.
// All callbacks are optional - nil callbacks use default behavior.
type Callbacks struct {
	// OnSyncRequest is called when a host synchronises.
	// Return false to hold the host in WaitForDevice until ContinueUpgrade.
	OnSyncRequest func(id uint32) bool

	// OnValidateHeader is called for every piece of the upgrade header and
	// each partition header. Return false to reject the file.
	OnValidateHeader func(chunk HeaderChunk) bool

	// OnPartitionOpen is called before a partition is opened. The returned
	// target may redirect it, e.g. to relay storage.
	OnPartitionOpen func(info PartitionInfo, target PartitionTarget) PartitionTarget

	// OnBatteryLevel reports the battery voltage for START_CFM.
	OnBatteryLevel func() uint16

	// OnProgress is called periodically during transfer.
	// name: partition or role being transferred
	// transferred: bytes so far
	// total: total bytes (0 if unknown)
	// rate: bytes per second
	OnProgress func(name string, transferred, total int64, rate float64)

	// OnError is called for storage and unrecoverable protocol errors.
	// context: description of where the error occurred
	OnError func(err error, context string)

	// OnEvent is called for protocol events.
	OnEvent func(event Event)
}

// EventKind categorizes protocol events.
type EventKind int

const (
	EventSync EventKind = iota
	EventUpgradeStarted
	EventHeaderReceived
	EventPartitionOpened
	EventPartitionWritten
	EventFooterReceived
	EventValidated
	EventRebooting
	EventCommitted
	EventRolledBack
	EventAborted
	EventError
	EventClientState
	EventRelayStore
	EventRelayComplete
	EventRelayAbandoned
)

// Event is one of the *Event structs below.
type Event interface {
	Kind() EventKind
}

// SyncEvent reports an accepted SYNC_REQ.
type SyncEvent struct {
	ID     uint32
	Resume ResumePoint
}

// UpgradeStartedEvent reports START_DATA_REQ.
type UpgradeStartedEvent struct {
	ID   uint32
	Time time.Time
}

// HeaderReceivedEvent carries the complete upgrade header section.
type HeaderReceivedEvent struct {
	Header upgradefile.Header
	Raw    []byte
}

// PartitionOpenedEvent reports a partition store opened for writing. Raw is
// the partition header as it appeared in the file.
type PartitionOpenedEvent struct {
	Info   PartitionInfo
	Target PartitionTarget
	Raw    []byte
}

// PartitionWrittenEvent reports a partition fully written and hashed.
// RawTail is the length of an odd final chunk, which is stored unswapped.
type PartitionWrittenEvent struct {
	Info    PartitionInfo
	Target  PartitionTarget
	Digest  [32]byte
	RawTail int
}

// FooterReceivedEvent carries the complete footer section.
type FooterReceivedEvent struct {
	Raw []byte
}

// ValidatedEvent reports a file whose footer matched.
type ValidatedEvent struct{}

// RebootingEvent reports a reboot requested by the engine.
type RebootingEvent struct {
	Resume ResumePoint
}

// CommittedEvent reports a committed upgrade.
type CommittedEvent struct {
	Slot uint16
}

// RolledBackEvent reports a rollback to the previous image.
type RolledBackEvent struct {
	Reason string
}

// AbortedEvent reports an abort. Remote is true when the peer asked for it.
type AbortedEvent struct {
	Remote bool
}

// ErrorEvent reports an error escalated to the application.
type ErrorEvent struct {
	Code UpgradeError
	Err  error
}

// ClientStateEvent reports a Client transition.
type ClientStateEvent struct {
	From, To ClientState
}

// RelayStoreEvent reports SetRelayStore.
type RelayStoreEvent struct {
	Success bool
}

// RelayCompleteEvent reports a downstream device that committed.
type RelayCompleteEvent struct {
	ID uint32
}

// RelayAbandonedEvent reports a relay given up after reconnection failures.
type RelayAbandonedEvent struct {
	Attempts int
}

func (SyncEvent) Kind() EventKind             { return EventSync }
func (UpgradeStartedEvent) Kind() EventKind   { return EventUpgradeStarted }
func (HeaderReceivedEvent) Kind() EventKind   { return EventHeaderReceived }
func (PartitionOpenedEvent) Kind() EventKind  { return EventPartitionOpened }
func (PartitionWrittenEvent) Kind() EventKind { return EventPartitionWritten }
func (FooterReceivedEvent) Kind() EventKind   { return EventFooterReceived }
func (ValidatedEvent) Kind() EventKind        { return EventValidated }
func (RebootingEvent) Kind() EventKind        { return EventRebooting }
func (CommittedEvent) Kind() EventKind        { return EventCommitted }
func (RolledBackEvent) Kind() EventKind       { return EventRolledBack }
func (AbortedEvent) Kind() EventKind          { return EventAborted }
func (ErrorEvent) Kind() EventKind            { return EventError }
func (ClientStateEvent) Kind() EventKind      { return EventClientState }
func (RelayStoreEvent) Kind() EventKind       { return EventRelayStore }
func (RelayCompleteEvent) Kind() EventKind    { return EventRelayComplete }
func (RelayAbandonedEvent) Kind() EventKind   { return EventRelayAbandoned }

// defaultCallbacks returns a set of callbacks with default implementations.
func defaultCallbacks() *Callbacks {
	return &Callbacks{
		OnSyncRequest: func(uint32) bool {
			return true // Continue immediately by default
		},
		OnValidateHeader: func(HeaderChunk) bool {
			return true
		},
		OnPartitionOpen: func(_ PartitionInfo, target PartitionTarget) PartitionTarget {
			return target
		},
		OnBatteryLevel: func() uint16 { return 0 },
		OnProgress:     func(string, int64, int64, float64) {},
		OnError:        func(error, string) {},
		OnEvent:        func(Event) {},
	}
}

// mergeCallbacks merges user callbacks with defaults.
// User callbacks override defaults, nil callbacks use defaults.
func mergeCallbacks(user *Callbacks) *Callbacks {
	def := defaultCallbacks()
	if user == nil {
		return def
	}

	result := *def
	if user.OnSyncRequest != nil {
		result.OnSyncRequest = user.OnSyncRequest
	}
	if user.OnValidateHeader != nil {
		result.OnValidateHeader = user.OnValidateHeader
	}
	if user.OnPartitionOpen != nil {
		result.OnPartitionOpen = user.OnPartitionOpen
	}
	if user.OnBatteryLevel != nil {
		result.OnBatteryLevel = user.OnBatteryLevel
	}
	if user.OnProgress != nil {
		result.OnProgress = user.OnProgress
	}
	if user.OnError != nil {
		result.OnError = user.OnError
	}
	if user.OnEvent != nil {
		result.OnEvent = user.OnEvent
	}
	return &result
}
