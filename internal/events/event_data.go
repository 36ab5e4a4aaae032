package events

// TaskStatusData carries task lifecycle changes.
type TaskStatusData struct {
	TaskID     string `json:"task_id"`
	PluginName string `json:"plugin_name"`
	TaskType   string `json:"task_type"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// EventType returns the event type for TaskStatusData
func (d *TaskStatusData) EventType() EventType {
	return TaskStatusChanged
}

// TaskCreatedData carries newly created task info.
type TaskCreatedData struct {
	TaskID     string `json:"task_id"`
	PluginName string `json:"plugin_name"`
	TaskType   string `json:"task_type"`
}

// EventType returns the event type for TaskCreatedData
func (d *TaskCreatedData) EventType() EventType {
	return TaskCreated
}

// TaskProgressData carries progress updates during task execution.
type TaskProgressData struct {
	TaskID           string `json:"task_id"`
	PluginName       string `json:"plugin_name"`
	Progress         int    `json:"progress"`
	RecordsProcessed int64  `json:"records_processed"`
	Message          string `json:"message,omitempty"`
}

// EventType returns the event type for TaskProgressData
func (d *TaskProgressData) EventType() EventType {
	return TaskProgress
}

// ExecutionStartedData carries execution-record creation info.
type ExecutionStartedData struct {
	ExecutionID  string `json:"execution_id"`
	TriggerType  string `json:"trigger_type"`
	TotalPlugins int    `json:"total_plugins"`
}

// EventType returns the event type for ExecutionStartedData
func (d *ExecutionStartedData) EventType() EventType {
	return ExecutionStarted
}

// ExecutionCompletedData carries execution-record terminal state.
type ExecutionCompletedData struct {
	ExecutionID      string `json:"execution_id"`
	Status           string `json:"status"`
	CompletedPlugins int    `json:"completed_plugins"`
	FailedPlugins    int    `json:"failed_plugins"`
}

// EventType returns the event type for ExecutionCompletedData
func (d *ExecutionCompletedData) EventType() EventType {
	return ExecutionCompleted
}
