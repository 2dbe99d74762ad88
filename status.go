package sched

// ScheduleErrorType classifies why a Schedule call was rejected.
// Build errors are never recovered internally: the build aborts
// atomically and the error is returned with a human-readable message.
type ScheduleErrorType uint8

const (
	// ScheduleOk means the bundle was built and submitted.
	ScheduleOk ScheduleErrorType = iota

	// NullListFound means a nil CommandList was passed.
	NullListFound

	// ListNotFinalized means a list was scheduled before Finalize.
	ListNotFinalized

	// CorruptedCommandListSentinel means the parser hit an unknown
	// command tag. Indicates a producer bug or a corrupted blob.
	CorruptedCommandListSentinel

	// BadTableInfo means a command referenced an unregistered table.
	BadTableInfo

	// ResourceStateNotFound is part of the closed code set; the builder
	// reports unregistered resources, table members included, as
	// InvalidResource.
	ResourceStateNotFound

	// InvalidResource means a command referenced an unregistered
	// resource.
	InvalidResource

	// ReadCpuFlagNotFound means a download targeted a resource created
	// without MemCpuRead.
	ReadCpuFlagNotFound

	// MultipleDownloadsOnSameResource means a resource was downloaded
	// more than once in one bundle.
	MultipleDownloadsOnSameResource
)

var scheduleErrorNames = [...]string{
	ScheduleOk:                      "Ok",
	NullListFound:                   "NullListFound",
	ListNotFinalized:                "ListNotFinalized",
	CorruptedCommandListSentinel:    "CorruptedCommandListSentinel",
	BadTableInfo:                    "BadTableInfo",
	ResourceStateNotFound:           "ResourceStateNotFound",
	InvalidResource:                 "InvalidResource",
	ReadCpuFlagNotFound:             "ReadCpuFlagNotFound",
	MultipleDownloadsOnSameResource: "MultipleDownloadsOnSameResource",
}

// String returns the string representation of a ScheduleErrorType.
func (e ScheduleErrorType) String() string {
	if int(e) < len(scheduleErrorNames) {
		return scheduleErrorNames[e]
	}
	return "Unknown"
}

// ScheduleFlags alter Schedule behavior.
type ScheduleFlags int

const (
	// ScheduleFlagsNone requests default behavior: the work handle is
	// managed internally and reclaimed once its fence retires.
	ScheduleFlagsNone ScheduleFlags = 0

	// ScheduleFlagsGetWorkHandle returns a live WorkHandle the caller
	// must release with Device.ReleaseWork.
	ScheduleFlagsGetWorkHandle ScheduleFlags = 1 << 0
)

// ScheduleStatus is the result of a Schedule call.
type ScheduleStatus struct {
	// Work names the scheduled bundle when Type is ScheduleOk and
	// ScheduleFlagsGetWorkHandle was passed.
	Work WorkHandle

	Type ScheduleErrorType

	// Message is a human-readable description of the failure.
	Message string
}

// Success returns true if the schedule call succeeded.
func (s ScheduleStatus) Success() bool { return s.Type == ScheduleOk }

// WaitErrorType classifies the outcome of WaitOnCPU.
type WaitErrorType uint8

const (
	// WaitOk means the work's fence retired.
	WaitOk WaitErrorType = iota

	// WaitTimeout means the timeout elapsed first. The caller may
	// retry.
	WaitTimeout

	// WaitDeviceLost means the device became unusable.
	WaitDeviceLost

	// WaitInvalid means the work handle is stale.
	WaitInvalid
)

var waitErrorNames = [...]string{
	WaitOk:         "Ok",
	WaitTimeout:    "Timeout",
	WaitDeviceLost: "DeviceLost",
	WaitInvalid:    "Invalid",
}

// String returns the string representation of a WaitErrorType.
func (e WaitErrorType) String() string {
	if int(e) < len(waitErrorNames) {
		return waitErrorNames[e]
	}
	return "Unknown"
}

// WaitStatus is the result of a WaitOnCPU call.
type WaitStatus struct {
	Type    WaitErrorType
	Message string
}

// Success returns true if the wait completed.
func (s WaitStatus) Success() bool { return s.Type == WaitOk }

// DownloadResult classifies the outcome of DownloadStatus.
type DownloadResult uint8

const (
	// DownloadOk means the data is ready and Data is valid.
	DownloadOk DownloadResult = iota

	// DownloadNotReady means the work's fence has not retired yet.
	DownloadNotReady

	// DownloadInvalid means the (work, resource) pair names no
	// download.
	DownloadInvalid
)

var downloadResultNames = [...]string{
	DownloadOk:       "Ok",
	DownloadNotReady: "NotReady",
	DownloadInvalid:  "Invalid",
}

// String returns the string representation of a DownloadResult.
func (r DownloadResult) String() string {
	if int(r) < len(downloadResultNames) {
		return downloadResultNames[r]
	}
	return "Unknown"
}

// DownloadStatus is the result of a download query. Data aliases the
// readback memory and stays valid until the work is released.
type DownloadStatus struct {
	Result DownloadResult
	Data   []byte
}

// Success returns true if the download is readable.
func (s DownloadStatus) Success() bool { return s.Result == DownloadOk }
