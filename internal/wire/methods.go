package wire

// Student-hub methods (caller = agent).
const (
	MethodRegister                  = "Register"
	MethodHeartbeat                 = "Heartbeat"
	MethodSendFrame                 = "SendFrame"
	MethodSendAlert                 = "SendAlert"
	MethodSendStudentSignal         = "SendStudentSignal"
	MethodSendChatMessage           = "SendChatMessage"
	MethodReportFileProgress        = "ReportFileProgress"
	MethodReportRemoteControlStatus = "ReportRemoteControlStatus"
	MethodGetDetectionPolicy        = "GetDetectionPolicy"
)

// Teacher-hub methods (caller = console).
const (
	MethodGetStudents                 = "GetStudents"
	MethodGeneratePairingPin          = "GeneratePairingPin"
	MethodGetLatestAudit              = "GetLatestAudit"
	MethodRequestRemoteControlSession = "RequestRemoteControlSession"
	MethodStopRemoteControlSession    = "StopRemoteControlSession"
	MethodSendRemoteControlInput      = "SendRemoteControlInput"
)

// Server-initiated events, fanned out over the hub.
const (
	EventStudentUpserted              = "StudentUpserted"
	EventStudentDisconnected          = "StudentDisconnected"
	EventStudentListChanged           = "StudentListChanged"
	EventFrameReceived                = "FrameReceived"
	EventAlertReceived                = "AlertReceived"
	EventStudentSignalReceived        = "StudentSignalReceived"
	EventChatMessageReceived          = "ChatMessageReceived"
	EventFileProgressUpdated          = "FileProgressUpdated"
	EventFileTransferAssigned         = "FileTransferAssigned"
	EventForceUnpair                  = "ForceUnpair"
	EventDetectionPolicyUpdated       = "DetectionPolicyUpdated"
	EventDetectionExportRequested     = "DetectionExportRequested"
	EventDetectionExportReady         = "DetectionExportReady"
	EventAccessibilityProfileAssigned = "AccessibilityProfileAssigned"
	EventTeacherTtsRequested          = "TeacherTtsRequested"
	EventTeacherChatMessageRequested  = "TeacherChatMessageRequested"
	EventRemoteControlSessionCommand  = "RemoteControlSessionCommand"
	EventRemoteControlInputCommand    = "RemoteControlInputCommand"
	EventRemoteControlStatusUpdated   = "RemoteControlStatusUpdated"
)
