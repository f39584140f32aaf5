package api

import (
	"encoding/json"
	"time"

	"github.com/aristath/goldenrecord/internal/persistence"
	"github.com/aristath/goldenrecord/internal/task"
)

// Base path of the task API.
const BasePath = "/api/golden-record-tasks"

// Request bodies

type CreateTasksRequest struct {
	Mode             task.Mode         `json:"mode"`
	BusinessPartners []json.RawMessage `json:"businessPartners"`
}

type SearchStatesRequest struct {
	TaskIDs []string `json:"taskIds"`
}

type ReserveRequest struct {
	Step   task.Step `json:"step"`
	Amount int       `json:"amount"`
}

type ResolveRequest struct {
	Step    task.Step    `json:"step"`
	Results []StepResult `json:"results"`
}

// StepResult carries either errors or a result payload for one reserved task.
type StepResult struct {
	TaskID          string           `json:"taskId"`
	BusinessPartner json.RawMessage  `json:"businessPartner,omitempty"`
	Errors          []task.TaskError `json:"errors,omitempty"`
}

// Response bodies

type CreatedTask struct {
	TaskID          string               `json:"taskId"`
	ProcessingState task.ProcessingState `json:"processingState"`
}

type CreateTasksResponse struct {
	CreatedTasks []CreatedTask `json:"createdTasks"`
}

// TaskState is the polled view of a task. BusinessPartnerResult is only set
// once the task finished successfully.
type TaskState struct {
	TaskID                string               `json:"taskId"`
	BusinessPartnerResult json.RawMessage      `json:"businessPartnerResult,omitempty"`
	ProcessingState       task.ProcessingState `json:"processingState"`
}

type SearchStatesResponse struct {
	Tasks []TaskState `json:"tasks"`
}

type ReservedTask struct {
	TaskID          string          `json:"taskId"`
	BusinessPartner json.RawMessage `json:"businessPartner"`
	// Deprecated: Timeout is the pending deadline, derived from the creation time.
	Timeout time.Time `json:"timeout"`
}

type ReserveResponse struct {
	ReservedTasks []ReservedTask `json:"reservedTasks"`
}

type StatsResponse struct {
	Counts []persistence.StateCount `json:"counts"`
}

// Failure names one rejected entry of a batch.
type Failure struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string    `json:"error"`
	Failures []Failure `json:"failures,omitempty"`
}
