package models

// Request server actions.
const (
	ActionGetRequests        Action = "get_requests"
	ActionGetRequestDetails  Action = "get_request_details"
	ActionCreateRequest      Action = "create_request"
	ActionUpdateRequest      Action = "update_request"
	ActionDeleteRequest      Action = "delete_request"
	ActionGetCustomerHistory Action = "get_customer_history"
	ActionCreateCallRequest  Action = "create_call_request"
	ActionUpdateCallRequest  Action = "update_call_request"
	ActionGetCallRequests    Action = "get_call_requests"
	ActionGetRealTimeMetrics Action = "get_real_time_metrics"
)

// Policy server actions.
const (
	ActionGetActivePolicy              Action = "get_active_policy"
	ActionValidateRequest              Action = "validate_request"
	ActionGetPolicyRules               Action = "get_policy_rules"
	ActionCheckCompliance              Action = "check_compliance"
	ActionValidateCallRequest          Action = "validate_call_request"
	ActionGetCallPolicy                Action = "get_call_policy"
	ActionSubscribePolicyUpdates       Action = "subscribe_policy_updates"
	ActionUnsubscribePolicyUpdates     Action = "unsubscribe_policy_updates"
	ActionGetRealTimeCompliance        Action = "get_real_time_compliance"
	ActionValidateStreamingRequest     Action = "validate_streaming_request"
	ActionGetPolicyAnalytics           Action = "get_policy_analytics"
	ActionGetPolicyCallAnalytics       Action = "get_policy_call_analytics"
	ActionGetPolicyRealTimeMetrics     Action = "get_policy_real_time_metrics"
	ActionValidatePolicyCallPermission Action = "validate_policy_call_permissions"
)

// Conversation server actions.
const (
	ActionCreateConversation     Action = "create_conversation"
	ActionJoinConversation       Action = "join_conversation"
	ActionLeaveConversation      Action = "leave_conversation"
	ActionSendMessage            Action = "send_message"
	ActionGetConversation        Action = "get_conversation"
	ActionGetConversationHistory Action = "get_conversation_history"
	ActionEscalateConversation   Action = "escalate_conversation"
	ActionAssignAgent            Action = "assign_agent"
	ActionMergeConversations     Action = "merge_conversations"
	ActionArchiveConversation    Action = "archive_conversation"
	ActionGetActiveConversations Action = "get_active_conversations"
)

// Call server actions.
const (
	ActionInitiateCall         Action = "initiate_call"
	ActionJoinCall             Action = "join_call"
	ActionLeaveCall            Action = "leave_call"
	ActionEndCall              Action = "end_call"
	ActionMuteParticipant      Action = "mute_participant"
	ActionStartRecording       Action = "start_recording"
	ActionStopRecording        Action = "stop_recording"
	ActionStartStreaming       Action = "start_streaming"
	ActionStopStreaming        Action = "stop_streaming"
	ActionGetCallStatus        Action = "get_call_status"
	ActionGetActiveCalls       Action = "get_active_calls"
	ActionRecordCallEvent      Action = "record_call_event"
	ActionCheckCallPermissions Action = "check_call_permissions"
)
